package diaglog

import (
	"os"
	"sync"
)

// rollingWriter appends to path and, when the next write would push the file
// past maxSize, moves the current file to path+".1" (replacing any older
// backup) and starts a fresh one. At most two generations exist on disk.
type rollingWriter struct {
	path    string
	maxSize int64
	f       *os.File
	size    int64
	mu      sync.Mutex
}

func newRollingWriter(path string, maxSize int64) (*rollingWriter, error) {
	rw := &rollingWriter{path: path, maxSize: maxSize}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *rollingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	rw.f = f
	rw.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would overflow the current file.
func (rw *rollingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.f.Write(p)
	rw.size += int64(n)
	return n, err
}

func (rw *rollingWriter) rotate() error {
	if err := rw.f.Close(); err != nil {
		return err
	}
	backup := rw.path + ".1"
	_ = os.Remove(backup)
	if err := os.Rename(rw.path, backup); err != nil {
		return err
	}
	return rw.open()
}

func (rw *rollingWriter) close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_ = rw.f.Sync()
	return rw.f.Close()
}
