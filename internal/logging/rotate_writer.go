package logging

import (
	"fmt"
	"os"
	"sync"
)

const (
	defaultMaxLogSize = 10 << 20
	defaultMaxBackups = 5
)

// rotateWriter is a size-bounded log sink: when a write would push the
// current file past maxSize, the file is shifted to <path>.1 (existing
// backups move down, the oldest falls off) and a fresh file is opened.
// Write and Sync make it usable as a zapcore.WriteSyncer.
type rotateWriter struct {
	path       string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

func newRotateWriter(path string, maxSize int64, maxBackups int) (*rotateWriter, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxLogSize
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	rw := &rotateWriter{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := rw.reopen(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *rotateWriter) reopen() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	rw.file = f
	return nil
}

func (rw *rotateWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		if err := rw.reopen(); err != nil {
			return 0, err
		}
	}
	if fi, err := rw.file.Stat(); err == nil && fi.Size()+int64(len(p)) > rw.maxSize {
		rw.file.Close()
		rw.shift()
		if err := rw.reopen(); err != nil {
			return 0, err
		}
	}
	return rw.file.Write(p)
}

// shift renames path to path.1, pushing existing backups down one slot.
// Rename failures are ignored; losing a backup is better than losing the
// live log stream.
func (rw *rotateWriter) shift() {
	for i := rw.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", rw.path, i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, fmt.Sprintf("%s.%d", rw.path, i+1))
		}
	}
	_ = os.Rename(rw.path, rw.path+".1")
}

func (rw *rotateWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		return rw.file.Sync()
	}
	return nil
}
