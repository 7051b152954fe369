package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// Rotating File Writer
// =============================================================================

// RotatingFileWriter implements io.Writer with log rotation by file size:
// when the current file would exceed maxBytes, it is rotated to .1, .2, etc.
type RotatingFileWriter struct {
	mu          sync.Mutex
	path        string
	maxBytes    int
	backupCount int
	file        *os.File
	currentSize int64
}

// NewRotatingFileWriter creates a new rotating file writer.
// maxBytes <= 0 disables rotation (single unbounded file).
func NewRotatingFileWriter(path string, maxBytes, backupCount int) (*RotatingFileWriter, error) {
	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create log dir: %w", err)
		}
	}

	rw := &RotatingFileWriter{
		path:        path,
		maxBytes:    maxBytes,
		backupCount: backupCount,
	}

	if err := rw.openFile(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingFileWriter) openFile() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("config: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	rw.file = f
	rw.currentSize = info.Size()
	return nil
}

// Write implements io.Writer. It writes p to the current log file,
// rotating first if the write would exceed MaxBytes.
func (rw *RotatingFileWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.maxBytes > 0 && rw.currentSize+int64(len(p)) > int64(rw.maxBytes) {
		rw.rotate()
	}

	if rw.file == nil {
		return os.Stderr.Write(p)
	}
	n, err := rw.file.Write(p)
	rw.currentSize += int64(n)
	return n, err
}

// Sync flushes the current file to disk. Lets zap treat the writer as a
// WriteSyncer directly.
func (rw *RotatingFileWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	return rw.file.Sync()
}

// Close closes the underlying file.
func (rw *RotatingFileWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		return rw.file.Close()
	}
	return nil
}

// rotate performs log rotation: file -> file.1, file.1 -> file.2, etc.
func (rw *RotatingFileWriter) rotate() {
	rw.file.Close()

	// Shift existing backups
	for i := rw.backupCount; i > 0; i-- {
		src := rw.path
		if i > 1 {
			src = fmt.Sprintf("%s.%d", rw.path, i-1)
		}
		dst := fmt.Sprintf("%s.%d", rw.path, i)
		os.Remove(dst)
		os.Rename(src, dst)
	}

	if err := rw.openFile(); err != nil {
		rw.file = nil
		fmt.Fprintf(os.Stderr, "config: failed to reopen log file after rotation: %v\n", err)
	}
}

// =============================================================================
// NewLogger
// =============================================================================

// NewLogger builds the application zap logger from Config: a console-encoded
// core writing to a rotating file and/or stdout at the configured level.
//
// Returns a cleanup function that flushes and closes the file sink; it should
// be called on shutdown.
func NewLogger(cfg *Config) (*zap.Logger, func(), error) {
	var sinks []zapcore.WriteSyncer
	var closers []io.Closer
	var setupErr error

	if cfg.Logging.File != "" {
		rw, err := NewRotatingFileWriter(cfg.Logging.File, cfg.Logging.MaxBytes, cfg.Logging.BackupCount)
		if err != nil {
			setupErr = err
		} else {
			sinks = append(sinks, zapcore.AddSync(rw))
			closers = append(closers, rw)
		}
	}

	if cfg.Logging.Stdout || len(sinks) == 0 {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.NewMultiWriteSyncer(sinks...),
		level,
	)
	logger := zap.New(core)

	cleanup := func() {
		_ = logger.Sync()
		for _, c := range closers {
			c.Close()
		}
	}
	return logger, cleanup, setupErr
}
