// Package mmapqueue implements Queue[T], an append-only, mmap-backed,
// growable record queue with zero-copy typed access to stored records.
// Records are copied in and out via a direct reinterpretation of their raw
// memory, the same unsafe.Pointer technique the driver's own wire structs
// use to cross the C-ABI boundary - there is no reflection-driven codec in
// the hot path.
package mmapqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	alignment   = 16
	initialSize = 128 * 1024 * 1024
	growSize    = 64 * 1024 * 1024
)

type indexEntry struct {
	offset int
	length int
}

// Queue is an append-only record queue of fixed-layout, pointer-free
// structs. A single writer and any number of readers may use a Queue
// concurrently only if externally synchronised; Queue itself applies no
// locking, mirroring the single-writer/multi-reader discipline of the
// scan pipeline that owns it.
type Queue[T any] struct {
	file        *os.File
	path        string
	data        []byte
	capacity    int
	writeOffset int
	indices     []indexEntry
}

// New creates a Queue backed by a file under cacheDir named after name.
func New[T any](cacheDir, name string) (*Queue[T], error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(cacheDir, fmt.Sprintf("mamu_ps_%s.bin", name))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(initialSize); err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, initialSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Queue[T]{file: f, path: path, data: data, capacity: initialSize}, nil
}

func recordSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Push appends item to the queue, growing the backing file if needed.
func (q *Queue[T]) Push(item *T) error {
	size := recordSize[T]()
	padding := (alignment - (q.writeOffset % alignment)) % alignment
	required := size + padding

	for q.writeOffset+required > q.capacity {
		if err := q.grow(); err != nil {
			return err
		}
	}

	dst := q.data[q.writeOffset+padding : q.writeOffset+padding+size]
	src := (*[1 << 30]byte)(unsafe.Pointer(item))[:size:size]
	copy(dst, src)

	q.indices = append(q.indices, indexEntry{offset: q.writeOffset + padding, length: size})
	q.writeOffset += required
	return nil
}

// PushBatch appends items in order.
func (q *Queue[T]) PushBatch(items []T) error {
	for i := range items {
		if err := q.Push(&items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue[T]) grow() error {
	if err := unix.Munmap(q.data); err != nil {
		return err
	}
	newSize := q.capacity + growSize
	if err := q.file.Truncate(int64(newSize)); err != nil {
		return err
	}
	data, err := unix.Mmap(int(q.file.Fd()), 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	q.data = data
	q.capacity = newSize
	return nil
}

// Get returns a pointer directly into the mmapped backing storage for the
// record at index - no copy is made. The returned pointer is only valid
// until the next Push triggers a grow (which remaps the file).
func (q *Queue[T]) Get(index int) (*T, bool) {
	if index < 0 || index >= len(q.indices) {
		return nil, false
	}
	e := q.indices[index]
	return (*T)(unsafe.Pointer(&q.data[e.offset])), true
}

// GetCopy returns a copy of the record at index, safe to retain across
// subsequent Push calls.
func (q *Queue[T]) GetCopy(index int) (T, bool) {
	var zero T
	rec, ok := q.Get(index)
	if !ok {
		return zero, false
	}
	return *rec, true
}

func (q *Queue[T]) Len() int { return len(q.indices) }

func (q *Queue[T]) IsEmpty() bool { return len(q.indices) == 0 }

func (q *Queue[T]) Capacity() int { return q.capacity }

// Clear logically resets the queue to empty: subsequent Push calls start
// writing from offset 0 again. The backing file is not shrunk, so a queue
// that has already grown stays at its larger capacity across a Clear.
func (q *Queue[T]) Clear() {
	q.indices = q.indices[:0]
	q.writeOffset = 0
}

func (q *Queue[T]) FilePath() string { return q.path }

// Flush syncs the mmapped region to disk.
func (q *Queue[T]) Flush() error {
	return unix.Msync(q.data, unix.MS_SYNC)
}

// Close unmaps and removes the backing file.
func (q *Queue[T]) Close() error {
	if q.data != nil {
		_ = unix.Munmap(q.data)
		q.data = nil
	}
	_ = q.file.Close()
	return os.Remove(q.path)
}
