package securebuf

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

var (
	allocations  atomic.Int64
	destructions atomic.Int64
	wipes        atomic.Int64
)

// ErrShortRead is returned by Random when the entropy source runs dry.
var ErrShortRead = errors.New("short read from entropy source")

// noCopy is checked by go vet's copylocks analyzer.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// KeyBuffer owns a fixed-size region of sensitive bytes.
type KeyBuffer struct {
	_ noCopy

	data   []byte
	locked bool
}

// New returns a zeroed buffer of size bytes.
func New(size int) *KeyBuffer {
	b := &KeyBuffer{data: make([]byte, size)}
	if size > 0 {
		b.locked = unix.Mlock(b.data) == nil
	}
	allocations.Inc()
	return b
}

// Random returns a buffer filled from r. The buffer is destroyed if r
// cannot supply size bytes.
func Random(size int, r io.Reader) (*KeyBuffer, error) {
	b := New(size)
	if _, err := io.ReadFull(r, b.data); err != nil {
		b.Destroy()
		return nil, fmt.Errorf("%w: %w", ErrShortRead, err)
	}
	return b, nil
}

// FromBytes copies src into a new buffer and wipes src.
func FromBytes(src []byte) *KeyBuffer {
	b := New(len(src))
	copy(b.data, src)
	Wipe(src)
	return b
}

// Bytes returns the live contents. The slice is invalid after Destroy or Move.
func (b *KeyBuffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the number of key bytes held.
func (b *KeyBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Move transfers the contents to a new owner and leaves b empty.
// Destroying the emptied b does not count as a destruction.
func (b *KeyBuffer) Move() *KeyBuffer {
	moved := &KeyBuffer{data: b.data, locked: b.locked}
	b.data = nil
	b.locked = false
	return moved
}

// Destroy wipes and unlocks the buffer. Safe to call more than once.
func (b *KeyBuffer) Destroy() {
	if b == nil || b.data == nil {
		return
	}
	Wipe(b.data)
	if b.locked {
		_ = unix.Munlock(b.data)
		b.locked = false
	}
	b.data = nil
	destructions.Inc()
}

// Wipe zeroes p.
func Wipe(p []byte) {
	clear(p)
	runtime.KeepAlive(p)
	wipes.Inc()
}

// Allocations returns the number of buffers created by this process.
func Allocations() int64 { return allocations.Load() }

// Destructions returns the number of buffers destroyed by this process.
func Destructions() int64 { return destructions.Load() }

// Live returns the number of buffers that still hold key material.
func Live() int64 { return allocations.Load() - destructions.Load() }

// Wipes returns the number of Wipe calls made by this process.
func Wipes() int64 { return wipes.Load() }
