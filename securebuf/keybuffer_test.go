package securebuf

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomFillsAndDestroyWipes(t *testing.T) {
	allocBefore, destroyBefore := Allocations(), Destructions()

	b, err := Random(64, rand.Reader)
	require.NoError(t, err)
	require.Equal(t, 64, b.Len())
	assert.False(t, bytes.Equal(b.Bytes(), make([]byte, 64)), "random buffer should not be all zeros")

	live := b.Bytes()
	b.Destroy()

	assert.Equal(t, make([]byte, 64), live, "backing array must be zeroed")
	assert.Nil(t, b.Bytes())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, allocBefore+1, Allocations())
	assert.Equal(t, destroyBefore+1, Destructions())
}

func TestDestroyIsIdempotent(t *testing.T) {
	before := Destructions()
	b := New(16)
	b.Destroy()
	b.Destroy()
	assert.Equal(t, before+1, Destructions())

	var nilBuf *KeyBuffer
	nilBuf.Destroy()
	assert.Equal(t, 0, nilBuf.Len())
}

func TestRandomShortRead(t *testing.T) {
	allocBefore, destroyBefore := Allocations(), Destructions()

	b, err := Random(64, bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, errors.Is(err, ErrShortRead))
	assert.Equal(t, Allocations()-allocBefore, Destructions()-destroyBefore)
}

func TestFromBytesWipesSource(t *testing.T) {
	src := []byte{0xde, 0xad, 0xbe, 0xef}
	b := FromBytes(src)
	defer b.Destroy()

	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b.Bytes())
	assert.Equal(t, []byte{0, 0, 0, 0}, src)
}

func TestMoveTransfersOwnership(t *testing.T) {
	allocBefore, destroyBefore := Allocations(), Destructions()

	src := FromBytes([]byte{1, 2, 3, 4})
	dst := src.Move()

	assert.Equal(t, 0, src.Len())
	assert.Equal(t, []byte{1, 2, 3, 4}, dst.Bytes())

	src.Destroy()
	assert.Equal(t, destroyBefore, Destructions(), "destroying a moved-from buffer is a no-op")

	dst.Destroy()
	assert.Equal(t, Allocations()-allocBefore, Destructions()-destroyBefore)
}

func TestWipe(t *testing.T) {
	before := Wipes()
	p := []byte("secret")
	Wipe(p)
	assert.Equal(t, make([]byte, 6), p)
	assert.Equal(t, before+1, Wipes())
}
