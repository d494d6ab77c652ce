package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"microstitch/internal/fsutil"
	"microstitch/internal/logging"
	"microstitch/internal/storage"
	"microstitch/internal/tasks"
)

// Watches an input directory for 30 seconds and prints what the service would
// record for each upload.
func main() {
	dir := "input"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	fmt.Println("Testing input watcher + upload identification")

	store, err := storage.New("test_integration.db")
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal("Failed to create input dir:", err)
	}

	watcher, err := tasks.NewInputWatcher(dir, store, logging.New("debug", "text"))
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatal("Failed to start watcher:", err)
	}
	defer watcher.Stop()

	fmt.Printf("Watching %s for 30 seconds, drop images in to see them recorded\n", dir)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eventCount := 0
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			eventCount++
			fmt.Printf("[%d] %s %s (%d bytes)\n", eventCount, ev.EventType, ev.FilePath, ev.FileSize)
			if ev.EventType != "deleted" && fsutil.Exists(ev.FilePath) {
				if info, err := tasks.IdentifyImage(ev.FilePath); err == nil {
					fmt.Printf("     %dx%d %s\n", info.Width, info.Height, info.Format)
				} else {
					fmt.Printf("     identify failed: %v\n", err)
				}
			}
		case <-ctx.Done():
			recent, err := store.RecentImageEvents(10)
			if err != nil {
				log.Fatal("Failed to read events:", err)
			}
			fmt.Printf("\nDone: %d events seen, %d stored (showing up to 10)\n", eventCount, len(recent))
			for _, ev := range recent {
				fmt.Printf("  %s %s %s\n", ev.EventTime.Format(time.RFC3339), ev.EventType, ev.FilePath)
			}
			return
		}
	}
}
