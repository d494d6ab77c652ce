package logging

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"microstitch/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging, optionally teeing into a dated log file.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	if !cfg.Logging.FileOutput {
		logger := New(cfg.Logging.Level, cfg.Logging.Format)
		slog.SetDefault(logger)
		return logger, nil
	}

	if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("microstitch-%s.log",
		time.Now().Format("2006-01-02")))

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	currentLogPath := filepath.Join(cfg.Logging.LogDir, "microstitch-current.log")
	os.Remove(currentLogPath)
	_ = os.Symlink(filepath.Base(logFile), currentLogPath) // best effort

	multiWriter := io.MultiWriter(os.Stdout, file)

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)})
	} else {
		handler = &TraditionalHandler{
			logger: log.New(multiWriter, "", log.LstdFlags),
			level:  parseLevel(cfg.Logging.Level),
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("microstitch logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &TraditionalHandler{logger: h.logger, level: h.level, attrs: merged}
}

// WithGroup is a no-op; groups are flattened.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs the beginning of a processing job
func LogJobStart(logger *slog.Logger, jobType, jobID string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogProcessingStep logs individual processing steps within a job
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Debug("processing step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Flush lets streaming handlers keep working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required by websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController and websocket upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware logs one line per HTTP request.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
