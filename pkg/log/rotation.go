// Log file rotation for the daemon's -logfile option
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the size in megabytes that triggers rotation. Default 10.
	MaxSize int

	// MaxBackups is the number of rotated files kept as
	// Filename.1 .. Filename.N, newest first. Default 5.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// RotatingFileWriter is an io.Writer that rotates by size.
type RotatingFileWriter struct {
	mu      sync.Mutex
	cfg     RotationConfig
	maxSize int64
	size    int64
	file    *os.File
}

// NewRotatingFileWriter opens (or appends to) the log file.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 10
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 5
	}
	w := &RotatingFileWriter{
		cfg:     config,
		maxSize: int64(config.MaxSize) * 1024 * 1024,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.Filename), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFileWriter) backupName(i int) string {
	name := fmt.Sprintf("%s.%d", w.cfg.Filename, i)
	if w.cfg.Compress {
		name += ".gz"
	}
	return name
}

// rotate shifts Filename.i to Filename.i+1, dropping the oldest, and
// moves the live file to Filename.1.
func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close current file: %w", err)
	}
	os.Remove(w.backupName(w.cfg.MaxBackups))
	for i := w.cfg.MaxBackups - 1; i >= 1; i-- {
		os.Rename(w.backupName(i), w.backupName(i+1))
	}
	if w.cfg.Compress {
		if err := gzipFile(w.cfg.Filename, w.backupName(1)); err != nil {
			w.open()
			return err
		}
	} else if err := os.Rename(w.cfg.Filename, w.backupName(1)); err != nil {
		w.open()
		return fmt.Errorf("rename log file: %w", err)
	}
	return w.open()
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Close closes the current file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Sync flushes the current file.
func (w *RotatingFileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// CurrentSize returns the size of the live file.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// AttachFile makes the root logger write to stderr and a rotating file.
func AttachFile(l *Logger, config RotationConfig) (*RotatingFileWriter, error) {
	fw, err := NewRotatingFileWriter(config)
	if err != nil {
		return nil, err
	}
	l.SetWriter(io.MultiWriter(os.Stderr, fw))
	l.SetColorize(false)
	return fw, nil
}
