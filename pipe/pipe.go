// Package pipe wraps raw file descriptors that are handed to, or shared with, an ssh control master.
//
// Every end owns its descriptor unless it was borrowed, and closes it exactly once: on Close, or from a
// finalizer if Close was never called. A failed close is logged and otherwise ignored.
package pipe

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar().Named("pipe")
}

// SetLogger replaces the logger used to report descriptor close failures.
func SetLogger(l *zap.SugaredLogger) {
	log = l.Named("pipe")
}

type fd struct {
	num   int
	owned bool
	kind  string

	mu sync.Mutex
	// refs counts reads and writes in flight. The number is released once the last of them returns.
	refs   int
	closed bool
}

func newFD(num int, owned bool, kind string) *fd {
	f := &fd{num: num, owned: owned, kind: kind}
	if owned {
		runtime.SetFinalizer(f, (*fd).close)
	}
	return f
}

// acquire pins the number for one system call. It fails once the end is closed.
func (f *fd) acquire() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return -1, os.ErrClosed
	}
	f.refs++
	return f.num, nil
}

func (f *fd) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
	if f.closed && f.refs == 0 {
		f.destroy()
	}
}

// current returns the number, or -1 once the end is closed.
func (f *fd) current() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return -1
	}
	return f.num
}

func (f *fd) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	runtime.SetFinalizer(f, nil)
	if f.refs == 0 {
		f.destroy()
	}
	return nil
}

// destroy must be called with mu held.
func (f *fd) destroy() {
	if !f.owned {
		return
	}
	if err := unix.Close(f.num); err != nil {
		log.Warnf("could not close %s %d: %s", f.kind, f.num, err)
	}
}

// ReadEnd is the readable end of a pipe.
type ReadEnd struct {
	*fd
}

// NewReadEnd takes ownership of a readable descriptor.
func NewReadEnd(num int) *ReadEnd {
	return &ReadEnd{fd: newFD(num, true, "read end")}
}

// BorrowReadEnd wraps a descriptor owned elsewhere. Closing the end leaves it open.
func BorrowReadEnd(num int) *ReadEnd {
	return &ReadEnd{fd: newFD(num, false, "borrowed read end")}
}

// Fd returns the wrapped descriptor, or -1 once r is closed. It stays owned by r.
func (r *ReadEnd) Fd() int { return r.current() }

// Read performs a single read(2). A zero-byte read is reported as io.EOF.
func (r *ReadEnd) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	num, err := r.acquire()
	if err != nil {
		return 0, &os.PathError{Op: "read", Path: r.kind, Err: err}
	}
	defer r.release()
	n, err := ignoringEINTR(func() (int, error) { return unix.Read(num, b) })
	if err != nil {
		return 0, os.NewSyscallError("read", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Close releases the descriptor. It is safe to call more than once and always returns nil.
// Later calls to Read fail with os.ErrClosed. A Read already in progress completes first.
func (r *ReadEnd) Close() error { return r.close() }

func (r *ReadEnd) String() string { return fmt.Sprintf("pipe.ReadEnd(%d)", r.num) }

// WriteEnd is the writable end of a pipe.
type WriteEnd struct {
	*fd
}

// NewWriteEnd takes ownership of a writable descriptor.
func NewWriteEnd(num int) *WriteEnd {
	return &WriteEnd{fd: newFD(num, true, "write end")}
}

// BorrowWriteEnd wraps a descriptor owned elsewhere. Closing the end leaves it open.
func BorrowWriteEnd(num int) *WriteEnd {
	return &WriteEnd{fd: newFD(num, false, "borrowed write end")}
}

func (w *WriteEnd) Fd() int { return w.current() }

// Write submits b to write(2) until all of it has been accepted or an error occurs.
func (w *WriteEnd) Write(b []byte) (int, error) {
	num, err := w.acquire()
	if err != nil {
		return 0, &os.PathError{Op: "write", Path: w.kind, Err: err}
	}
	defer w.release()
	written := 0
	for written < len(b) {
		n, err := ignoringEINTR(func() (int, error) { return unix.Write(num, b[written:]) })
		if err != nil {
			return written, os.NewSyscallError("write", err)
		}
		written += n
	}
	return written, nil
}

// Flush does nothing: writes are not buffered.
func (w *WriteEnd) Flush() error { return nil }

func (w *WriteEnd) Close() error { return w.close() }

func (w *WriteEnd) String() string { return fmt.Sprintf("pipe.WriteEnd(%d)", w.num) }

func ignoringEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}

// Pipe pairs a readable end with a writable end.
type Pipe struct {
	Read  *ReadEnd
	Write *WriteEnd
}

// New creates a connected pipe. Bytes written to Write can be read from Read.
func New() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating pipe: %w", os.NewSyscallError("pipe2", err))
	}
	return &Pipe{Read: NewReadEnd(fds[0]), Write: NewWriteEnd(fds[1])}, nil
}

// DevNull opens /dev/null once for reading and once for writing.
func DevNull() (*Pipe, error) {
	r, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s for reading: %w", os.DevNull, err)
	}
	w, err := unix.Open(os.DevNull, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		NewReadEnd(r).Close()
		return nil, fmt.Errorf("opening %s for writing: %w", os.DevNull, err)
	}
	return &Pipe{Read: NewReadEnd(r), Write: NewWriteEnd(w)}, nil
}

// Stdio borrows the process's standard input and output. Closing it leaves them open.
func Stdio() *Pipe {
	return &Pipe{
		Read:  BorrowReadEnd(int(os.Stdin.Fd())),
		Write: BorrowWriteEnd(int(os.Stdout.Fd())),
	}
}

// WithEnds combines two independently obtained ends.
func WithEnds(r *ReadEnd, w *WriteEnd) *Pipe {
	return &Pipe{Read: r, Write: w}
}

// Close closes both ends. It does nothing on a nil Pipe.
func (p *Pipe) Close() error {
	if p == nil {
		return nil
	}
	if p.Read != nil {
		p.Read.Close()
	}
	if p.Write != nil {
		p.Write.Close()
	}
	return nil
}
