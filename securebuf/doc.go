/*
Package securebuf holds raw key material in memory that is locked against
swapping and zeroed before release.

# Ownership

A KeyBuffer has exactly one owner. Buffers are only handed around as
*KeyBuffer and carry a noCopy marker, so `go vet -copylocks` flags accidental
value copies. Ownership is transferred with Move, which leaves the source
empty. Destroy is idempotent and must run on every path:

	key, err := securebuf.Random(64, rand.Reader)
	if err != nil {
		return err
	}
	defer key.Destroy()

Bytes borrows the live slice for the duration of a single call into a
collaborator. Callers must not retain it.

# Erasure

Wipe zeroes a slice in a way the compiler cannot drop as a dead store.
Allocations and Destructions count buffer lifecycles process-wide, which
lets tests assert that every buffer created during an operation was wiped.
*/
package securebuf
