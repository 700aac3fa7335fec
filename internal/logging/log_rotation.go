package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingFile is an append-only file that is renamed aside once it grows
// past maxSize or has been open longer than maxAge. Rotated files keep the
// extension: incidents.jsonl becomes incidents-20240520-120000.jsonl.
type RotatingFile struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	maxAge  time.Duration
	file    *os.File
	size    int64
	opened  time.Time
	now     func() time.Time
}

// OpenRotating opens path for appending. A non-positive maxSize or maxAge
// disables that trigger.
func OpenRotating(path string, maxSize int64, maxAge time.Duration) (*RotatingFile, error) {
	rf := &RotatingFile{path: path, maxSize: maxSize, maxAge: maxAge, now: time.Now}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	file, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	rf.file = file
	rf.size = info.Size()
	rf.opened = rf.now()
	return nil
}

func (rf *RotatingFile) shouldRotate(next int) bool {
	if rf.size == 0 {
		return false
	}
	if rf.maxSize > 0 && rf.size+int64(next) > rf.maxSize {
		return true
	}
	return rf.maxAge > 0 && rf.now().Sub(rf.opened) >= rf.maxAge
}

func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.shouldRotate(len(p)) {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}
	ext := filepath.Ext(rf.path)
	base := rf.path[:len(rf.path)-len(ext)]
	rotated := fmt.Sprintf("%s-%s%s", base, rf.now().Format("20060102-150405"), ext)
	if err := os.Rename(rf.path, rotated); err != nil {
		return err
	}
	return rf.open()
}

func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}
