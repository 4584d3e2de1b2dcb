package types

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a 64-bit digest of the content segments a client marked
// cacheable. Requests carrying the same fingerprint are pinned to the same
// credential so upstream can reuse its own cached prompt prefix.
type Fingerprint uint64

// String formats the fingerprint as fixed-width hex, the form used in logs
// and affinity store keys.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// FingerprintSegments digests the cacheable segments exactly as presented.
// The digest is order-sensitive and boundary-sensitive: every segment is
// length-prefixed before hashing, so ("ab","c") and ("a","bc") differ. ok is
// false when no segments were marked cacheable, in which case the request has
// no affinity and rides plain rotation.
func FingerprintSegments(segments []string) (fp Fingerprint, ok bool) {
	if len(segments) == 0 {
		return 0, false
	}
	d := xxhash.New()
	var prefix [8]byte
	for _, s := range segments {
		binary.LittleEndian.PutUint64(prefix[:], uint64(len(s)))
		_, _ = d.Write(prefix[:])
		_, _ = d.WriteString(s)
	}
	return Fingerprint(d.Sum64()), true
}
