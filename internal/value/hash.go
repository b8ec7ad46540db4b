package value

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Domain prefixes for content-derived identity. The version suffix
// allows a future encoding migration without silent collisions.
const (
	domainValue       = "silt/value/v1"
	domainCacheKey    = "silt/cache-key/v1"
	domainSpec        = "silt/spec/v1"
	domainCollectorID = "silt/collector-id/v1"
)

// Fingerprint is a content-derived identity for a value. Equal
// fingerprints mean the engine treats the contents as unchanged.
type Fingerprint [sha256.Size]byte

// Hex returns the full lowercase hex form.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// Short returns an 8-byte hex prefix for log lines.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:8])
}

// IsZero reports whether the fingerprint is the zero value (never a
// valid hash output in practice).
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint parses the hex form produced by Hex.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, err
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("fingerprint: bad length %d", len(b))
	}
	copy(f[:], b)
	return f, nil
}

// hashWithDomain computes SHA-256 with domain separation. Each part is
// length-prefixed so part boundaries cannot be forged by
// concatenation.
func hashWithDomain(domain string, parts ...[]byte) Fingerprint {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	var lenBuf [binary.MaxVarintLen64]byte
	for _, p := range parts {
		n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:n])
		h.Write(p)
	}
	var f Fingerprint
	h.Sum(f[:0])
	return f
}

// FingerprintOf computes the fingerprint of a value.
func FingerprintOf(v Value) Fingerprint {
	return hashWithDomain(domainValue, Encode(v))
}

// CacheKey derives the cache-store key for a transformation: the
// operation identity, its behavior version, and the fingerprints of
// its inputs in argument order. Changing any component changes the
// key, which is what invalidates stale entries.
func CacheKey(opID, behaviorVersion string, inputs []Fingerprint) Fingerprint {
	parts := make([][]byte, 0, len(inputs)+2)
	parts = append(parts, []byte(opID), []byte(behaviorVersion))
	for _, in := range inputs {
		parts = append(parts, in[:])
	}
	return hashWithDomain(domainCacheKey, parts...)
}

// SpecFingerprint fingerprints a serialized target or source spec.
// Used by the target synchronizer to detect spec changes cheaply.
func SpecFingerprint(specJSON []byte) Fingerprint {
	return hashWithDomain(domainSpec, specJSON)
}

// collectorIDSpace is the UUIDv5 namespace for generated collector
// identifier fields.
var collectorIDSpace = uuid.NewSHA1(uuid.NameSpaceOID, []byte(domainCollectorID))

// CollectorUUID derives the engine-generated identifier field for a
// collected entry: a UUIDv5 over the fingerprint of the other
// collected values. It stays stable while those values are unchanged
// and changes when any of them changes.
func CollectorUUID(contents Fingerprint) uuid.UUID {
	return uuid.NewSHA1(collectorIDSpace, contents[:])
}
