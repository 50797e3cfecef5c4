// Package ipc provides kernel pipes, the file descriptions processes block
// on when they read.
package ipc

import (
	"bytes"
	"errors"
	"io"
)

// Pipe errors.
var (
	ErrPipeClosed = errors.New("pipe is closed")
	ErrBrokenPipe = errors.New("pipe is broken")
	ErrPipeFull   = errors.New("pipe is full")
)

// DefaultCapacity is the buffer size of a pipe created with capacity 0.
const DefaultCapacity = 4096

// Pipe is an anonymous byte pipe. It never blocks: readers and writers
// that cannot make progress get an error back and block themselves through
// the scheduler.
type Pipe struct {
	buffer   bytes.Buffer
	capacity int
	// writers and readers count open ends.
	writers int
	readers int
}

// NewPipe creates a pipe with one open read end and one open write end.
func NewPipe(capacity int) (*ReadEnd, *WriteEnd) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pipe{capacity: capacity, writers: 1, readers: 1}
	return &ReadEnd{pipe: p}, &WriteEnd{pipe: p}
}

// ReadEnd is the reading side of a pipe.
type ReadEnd struct {
	pipe   *Pipe
	closed bool
}

// Read reads buffered data. It returns io.EOF once the buffer is empty and
// every writer is gone, and 0, nil if the buffer is empty but a writer
// remains.
func (r *ReadEnd) Read(b []byte) (int, error) {
	if r.closed {
		return 0, ErrPipeClosed
	}
	if r.pipe.buffer.Len() == 0 {
		if r.pipe.writers == 0 {
			return 0, io.EOF
		}
		return 0, nil
	}
	return r.pipe.buffer.Read(b)
}

// HasDataAvailableForRead reports whether a read would return without
// blocking: some data is buffered, or no writer is left and the read would
// return end of file.
func (r *ReadEnd) HasDataAvailableForRead() bool {
	return r.pipe.buffer.Len() > 0 || r.pipe.writers == 0
}

// Buffered returns the number of unread bytes.
func (r *ReadEnd) Buffered() int { return r.pipe.buffer.Len() }

// AtEOF reports whether no more data can arrive.
func (r *ReadEnd) AtEOF() bool { return r.pipe.writers == 0 }

// Close closes the read end.
func (r *ReadEnd) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.pipe.readers--
	return nil
}

// WriteEnd is the writing side of a pipe.
type WriteEnd struct {
	pipe   *Pipe
	closed bool
}

// Write appends b to the pipe. A write that does not fit writes nothing and
// fails with ErrPipeFull.
func (w *WriteEnd) Write(b []byte) (int, error) {
	if w.closed {
		return 0, ErrPipeClosed
	}
	if w.pipe.readers == 0 {
		return 0, ErrBrokenPipe
	}
	if w.pipe.buffer.Len()+len(b) > w.pipe.capacity {
		return 0, ErrPipeFull
	}
	return w.pipe.buffer.Write(b)
}

// WriteString writes a string to the pipe.
func (w *WriteEnd) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Close closes the write end. Readers see end of file once the buffer is
// drained.
func (w *WriteEnd) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.pipe.writers--
	return nil
}
