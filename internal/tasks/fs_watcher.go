package tasks

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"microstitch/internal/fsutil"
	"microstitch/internal/storage"
)

// InputWatcher records changes to the upload directory. Uploads are not
// stitched automatically; the events only feed the audit table and the log.
type InputWatcher struct {
	watcher  *fsnotify.Watcher
	Events   chan storage.ImageEvent
	dir      string
	store    *storage.Store
	log      *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewInputWatcher creates a watcher for dir. Call Start to begin.
func NewInputWatcher(dir string, store *storage.Store, logger *slog.Logger) (*InputWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InputWatcher{
		watcher: w,
		Events:  make(chan storage.ImageEvent, 100),
		dir:     dir,
		store:   store,
		log:     logger.With("component", "watcher"),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the directory and begins processing events.
func (iw *InputWatcher) Start() error {
	if err := iw.watcher.Add(iw.dir); err != nil {
		return err
	}
	iw.log.Info("watching directory", "dir", iw.dir)
	iw.wg.Add(1)
	go iw.processEvents()
	return nil
}

// Stop closes the watcher and the Events channel.
func (iw *InputWatcher) Stop() error {
	var err error
	iw.stopOnce.Do(func() {
		close(iw.done)
		err = iw.watcher.Close()
		iw.wg.Wait()
		close(iw.Events)
	})
	return err
}

func (iw *InputWatcher) processEvents() {
	defer iw.wg.Done()
	for {
		select {
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			op := operationName(event.Op)
			if op == "" || !fsutil.IsImageFile(event.Name) {
				continue
			}

			var size int64
			if op != "deleted" {
				if st, err := os.Stat(event.Name); err == nil {
					size = st.Size()
				}
			}
			ev := storage.ImageEvent{
				FilePath:  event.Name,
				EventType: op,
				EventTime: time.Now(),
				FileSize:  size,
			}
			if err := iw.store.RecordImageEvent(ev); err != nil {
				iw.log.Warn("record image event", "path", ev.FilePath, "error", err)
			}
			iw.log.Debug("input changed", "path", ev.FilePath, "op", op, "size", size)

			select {
			case iw.Events <- ev:
			default:
				iw.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.log.Error("filesystem watcher error", "error", err)

		case <-iw.done:
			return
		}
	}
}

func operationName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	default:
		return ""
	}
}
