package document

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
)

// Version identifies one revision of a document.
//
// A Version is an immutable byte string. Two versions are equal iff their
// bytes are equal, so Version values can be compared with == and used as map
// keys. The zero value is Empty.
type Version struct {
	b string
}

// Empty is the version of a document that has never been written.
var Empty = Version{}

// NewVersion returns a Version holding a copy of b.
func NewVersion(b []byte) Version {
	return Version{b: string(b)}
}

// VersionFromCounter encodes n as an 8-byte big-endian version.
// VersionFromCounter(0) is Empty.
func VersionFromCounter(n uint64) Version {
	if n == 0 {
		return Empty
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return Version{b: string(buf[:])}
}

// ParseVersion parses the hexadecimal form returned by String.
func ParseVersion(s string) (Version, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Empty, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return NewVersion(b), nil
}

// IsEmpty reports whether v is Empty.
func (v Version) IsEmpty() bool {
	return v.b == ""
}

// Bytes returns a copy of the bytes of v. It returns a non-nil empty slice
// for Empty so that it can be bound to NOT NULL columns.
func (v Version) Bytes() []byte {
	if v.b == "" {
		return []byte{}
	}
	return []byte(v.b)
}

// Counter decodes a version produced by VersionFromCounter.
func (v Version) Counter() (uint64, bool) {
	switch len(v.b) {
	case 0:
		return 0, true
	case 8:
		return binary.BigEndian.Uint64([]byte(v.b)), true
	default:
		return 0, false
	}
}

func (v Version) String() string {
	return hex.EncodeToString([]byte(v.b))
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Generator produces the versions assigned by one successful batch.
//
// Next receives the documents about to be written, each carrying the version
// the caller expects to replace, and returns one new version per document in
// the same order. Every returned version must differ from the corresponding
// expected version.
type Generator interface {
	// Scheme names the version scheme. A database keeps the scheme it was
	// created with.
	Scheme() string
	Next(written []Document) ([]Version, error)
}

// CounterGenerator gives each document its own monotonically increasing
// counter: the expected version plus one.
type CounterGenerator struct{}

func (CounterGenerator) Scheme() string { return "counter" }

func (CounterGenerator) Next(written []Document) ([]Version, error) {
	versions := make([]Version, len(written))
	for i, d := range written {
		n, ok := d.Version.Counter()
		if !ok {
			// Not a counter, so it can never match a stored version and the
			// write will conflict; any value distinct from it will do.
			n = 0
		}
		if n == math.MaxUint64 {
			return nil, fmt.Errorf("%w: document %s", ErrCounterExhausted, d.ID)
		}
		versions[i] = VersionFromCounter(n + 1)
	}
	return versions, nil
}

// RandomGenerator assigns one random token to every document of a batch.
type RandomGenerator struct {
	// Size is the token length in bytes. Zero means 16.
	Size int
}

func (RandomGenerator) Scheme() string { return "random" }

func (g RandomGenerator) Next(written []Document) ([]Version, error) {
	size := g.Size
	if size <= 0 {
		size = 16
	}
	buf := make([]byte, size)
	for {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate version: %w", err)
		}
		v := NewVersion(buf)
		if !collides(v, written) {
			return fill(v, len(written)), nil
		}
	}
}

// HashGenerator assigns the truncated SHA-256 digest of the batch content to
// every document of a batch. The expected versions are part of the digest,
// so rewriting identical content still yields a new version.
type HashGenerator struct{}

func (HashGenerator) Scheme() string { return "hash" }

func (HashGenerator) Next(written []Document) ([]Version, error) {
	h := sha256.New()
	for _, d := range written {
		h.Write(d.ID[:])
		writeChunk(h, []byte(d.Version.b))
		if d.Body == nil {
			h.Write([]byte{0})
		} else {
			h.Write([]byte{1})
			writeChunk(h, d.Body)
		}
	}
	sum := h.Sum(nil)
	for collides(NewVersion(sum[:16]), written) {
		next := sha256.Sum256(sum)
		sum = next[:]
	}
	return fill(NewVersion(sum[:16]), len(written)), nil
}

func writeChunk(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func collides(v Version, written []Document) bool {
	if v.IsEmpty() {
		return true
	}
	for _, d := range written {
		if d.Version == v {
			return true
		}
	}
	return false
}

func fill(v Version, n int) []Version {
	versions := make([]Version, n)
	for i := range versions {
		versions[i] = v
	}
	return versions
}

// GeneratorByName returns the generator for a version scheme name:
// "counter" (or ""), "random" or "hash".
func GeneratorByName(name string) (Generator, error) {
	switch name {
	case "counter", "":
		return CounterGenerator{}, nil
	case "random":
		return RandomGenerator{}, nil
	case "hash":
		return HashGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown version scheme: %q (supported: counter, random, hash)", name)
	}
}
