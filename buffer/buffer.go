// Package buffer implements the growable, prepend-aware byte queue used as
// the input and output staging area for a TCP connection.
package buffer

import (
	"errors"
	"io"
)

const (
	// DefaultPrepend is the size of the fixed head region reserved for
	// later header fixup (e.g. writing a length prefix after the body
	// has already been appended).
	DefaultPrepend = 8
	// DefaultInitialSize is the initial capacity of the writable region.
	DefaultInitialSize = 1024
	// scratchSize bounds the stack fallback buffer used by ReadFD so a
	// single readv-style call can drain a socket without growing the
	// buffer unboundedly.
	scratchSize = 64 * 1024
)

// ErrNothingToRetrieve is returned by RetrieveString when fewer than the
// requested bytes are readable.
var ErrNothingToRetrieve = errors.New("buffer: not enough readable bytes")

// Buffer is a contiguous byte region split into three zones: a fixed
// prepend head, the readable region [readerIndex, writerIndex), and the
// writable region [writerIndex, len(buf)). It is not safe for concurrent
// use; callers own their synchronization, matching how a TCP connection
// owns its own input/output buffers on a single loop thread.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
	prepend     int
}

// New returns a Buffer with the default prepend size and initial capacity.
func New() *Buffer {
	return NewSize(DefaultInitialSize)
}

// NewSize returns a Buffer with the default prepend size and the given
// initial capacity for the writable region.
func NewSize(initialSize int) *Buffer {
	b := &Buffer{
		buf:     make([]byte, DefaultPrepend+initialSize),
		prepend: DefaultPrepend,
	}
	b.readerIndex = b.prepend
	b.writerIndex = b.prepend
	return b
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes that can be appended without
// growing the buffer.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the number of bytes available ahead of the
// readable region, including the fixed prepend head once it has been
// consumed into.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without consuming it. The returned
// slice aliases the buffer's storage and is only valid until the next
// mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// BeginWrite returns the writable region so callers (e.g. ReadFD) can
// fill it directly.
func (b *Buffer) BeginWrite() []byte { return b.buf[b.writerIndex:] }

// Append copies data onto the writable region, growing the buffer first
// if necessary.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	n := copy(b.buf[b.writerIndex:], data)
	b.writerIndex += n
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// Prepend writes data just before the readable region, growing the
// prepend head backwards. If data is longer than the bytes currently
// prependable, the buffer is first reallocated with enough room ahead
// of the readable region (ensurePrependable).
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.readerIndex {
		b.ensurePrependable(len(data))
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// EnsureWritable guarantees at least n writable bytes are available,
// compacting the readable region down to the prepend boundary first and
// only growing the underlying slice if compaction is insufficient.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()-b.prepend+b.WritableBytes() >= n {
		// Compacting (shifting the readable region down to the prepend
		// boundary) frees enough room without reallocating.
		b.compact()
		return
	}
	readable := b.ReadableBytes()
	newCap := len(b.buf)
	if newCap == 0 {
		newCap = b.prepend + DefaultInitialSize
	}
	for newCap-b.prepend-readable < n {
		newCap *= 2
	}
	newBuf := make([]byte, newCap)
	copy(newBuf[b.prepend:], b.buf[b.readerIndex:b.writerIndex])
	b.buf = newBuf
	b.writerIndex = b.prepend + readable
	b.readerIndex = b.prepend
}

func (b *Buffer) ensurePrependable(n int) {
	readable := b.ReadableBytes()
	extra := n - b.readerIndex
	newCap := len(b.buf) + extra
	newBuf := make([]byte, newCap)
	copy(newBuf[b.prepend+extra:], b.buf[b.readerIndex:b.writerIndex])
	b.buf = newBuf
	b.readerIndex = b.prepend + extra
	b.writerIndex = b.readerIndex + readable
}

// compact shifts the readable region down to the prepend boundary,
// reclaiming the space between the fixed head and readerIndex plus any
// already-consumed bytes ahead of the writer.
func (b *Buffer) compact() {
	readable := b.ReadableBytes()
	copy(b.buf[b.prepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = b.prepend
	b.writerIndex = b.prepend + readable
}

// Retrieve consumes n bytes from the readable region. It is a no-op if
// n <= 0, and retrieves everything readable if n exceeds it.
func (b *Buffer) Retrieve(n int) {
	if n <= 0 {
		return
	}
	if n < b.ReadableBytes() {
		b.readerIndex += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll consumes the entire readable region, resetting both
// indices to the prepend boundary so subsequent appends reuse the space
// instead of growing unboundedly.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = b.prepend
	b.writerIndex = b.prepend
}

// RetrieveAllString consumes and returns the entire readable region as a
// string.
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// RetrieveString consumes and returns n bytes from the readable region.
func (b *Buffer) RetrieveString(n int) (string, error) {
	if n > b.ReadableBytes() {
		return "", ErrNothingToRetrieve
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s, nil
}

// Reset discards all buffered data and returns the buffer to its initial
// layout, keeping the underlying allocation.
func (b *Buffer) Reset() {
	b.readerIndex = b.prepend
	b.writerIndex = b.prepend
}

// FDReader is the subset of *os.File / net.Conn-like types ReadFD needs:
// a raw, non-blocking Read that can return io.EOF or a retryable error.
type FDReader interface {
	Read(p []byte) (int, error)
}

// ReadFD performs a single Read from r. When the writable region holds
// at least scratchSize bytes it reads directly into it; otherwise it
// reads into a bounded stack-resident scratch buffer and copies the
// result in, growing the buffer only by what was actually read, so a
// single call can drain a socket with more pending data than the buffer
// currently has room for. It returns the number of bytes read and any
// error (including io.EOF on peer close).
func (b *Buffer) ReadFD(r FDReader) (int, error) {
	writable := b.WritableBytes()
	var scratch [scratchSize]byte

	if writable >= scratchSize {
		// Plenty of room; read directly into the buffer.
		n, err := r.Read(b.buf[b.writerIndex:])
		if n > 0 {
			b.writerIndex += n
		}
		return n, err
	}

	// Not enough room to guarantee draining in one call; read into the
	// scratch buffer, fill the writable region from it and append the
	// rest, bounding how much we grow the buffer by what was actually
	// present on the wire.
	n, err := r.Read(scratch[:])
	if n <= 0 {
		return n, err
	}
	if n <= writable {
		copy(b.buf[b.writerIndex:], scratch[:n])
		b.writerIndex += n
	} else {
		copy(b.buf[b.writerIndex:], scratch[:writable])
		b.writerIndex += writable
		b.Append(scratch[writable:n])
	}
	return n, err
}

var _ io.Reader = (*readerAdapter)(nil)

type readerAdapter struct{ *Buffer }

// Reader adapts the readable region to io.Reader, consuming bytes as
// they are read. Useful for handing the buffer to stdlib decoders.
func (b *Buffer) Reader() io.Reader { return readerAdapter{b} }

func (r readerAdapter) Read(p []byte) (int, error) {
	if r.ReadableBytes() == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.Peek())
	r.Retrieve(n)
	return n, nil
}
