package ipc

import (
	"errors"
	"io"
	"testing"
)

func TestPipeReadWrite(t *testing.T) {
	r, w := NewPipe(8)

	if r.HasDataAvailableForRead() {
		t.Fatal("empty pipe reports data available")
	}
	n, err := r.Read(make([]byte, 4))
	if n != 0 || err != nil {
		t.Fatalf("Read(empty) = %d, %v, want 0, nil", n, err)
	}

	if _, err := w.WriteString("hello"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	if !r.HasDataAvailableForRead() || r.Buffered() != 5 {
		t.Fatalf("after write: available=%v buffered=%d", r.HasDataAvailableForRead(), r.Buffered())
	}

	buf := make([]byte, 3)
	n, err = r.Read(buf)
	if err != nil || string(buf[:n]) != "hel" {
		t.Fatalf("Read() = %q, %v", buf[:n], err)
	}
	if r.Buffered() != 2 {
		t.Errorf("Buffered() = %d, want 2", r.Buffered())
	}
}

func TestPipeFull(t *testing.T) {
	r, w := NewPipe(4)
	if _, err := w.WriteString("abcde"); !errors.Is(err, ErrPipeFull) {
		t.Fatalf("oversized write error = %v, want ErrPipeFull", err)
	}
	if r.Buffered() != 0 {
		t.Errorf("failed write left %d bytes", r.Buffered())
	}
}

func TestPipeEOF(t *testing.T) {
	r, w := NewPipe(0)
	if _, err := w.WriteString("x"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !r.AtEOF() {
		t.Error("AtEOF() = false after writer closed")
	}

	buf := make([]byte, 4)
	if n, err := r.Read(buf); n != 1 || err != nil {
		t.Fatalf("Read() = %d, %v, want 1, nil", n, err)
	}
	if !r.HasDataAvailableForRead() {
		t.Error("drained pipe without writers must be readable (EOF)")
	}
	if _, err := r.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want io.EOF", err)
	}
	if _, err := w.WriteString("y"); !errors.Is(err, ErrPipeClosed) {
		t.Errorf("write after close error = %v, want ErrPipeClosed", err)
	}
}

func TestPipeBroken(t *testing.T) {
	r, w := NewPipe(0)
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, ErrPipeClosed) {
		t.Errorf("read after close error = %v, want ErrPipeClosed", err)
	}
	if _, err := w.WriteString("x"); !errors.Is(err, ErrBrokenPipe) {
		t.Errorf("write without readers error = %v, want ErrBrokenPipe", err)
	}
}
