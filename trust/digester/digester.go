package digester

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"
)

// Size is the length in bytes of every digest this package
// produces.
const Size = 32

// BufferSize is the length of the scratch buffer reused for
// every read while streaming a file through the hash.
const BufferSize = 16 << 10

var (
	// ErrOpen reports that the input file could not be
	// opened. Nothing was hashed.
	ErrOpen = errors.New("opening input")

	// ErrRead reports that reading the input failed part
	// way through. The partial digest is discarded.
	ErrRead = errors.New("reading input")

	// ErrUnknownAlgorithm reports an algorithm name outside
	// the supported set.
	ErrUnknownAlgorithm = errors.New("unknown digest algorithm")
)

// Algorithm selects the hash function. Every supported
// algorithm has a 256-bit output.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm maps a configuration name to an Algorithm.
// The empty string selects SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

func (al Algorithm) newHash() (hash.Hash, error) {
	switch al {
	case "", SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(al))
	}
}

// Digest is a 256-bit content fingerprint.
type Digest [Size]byte

// String returns the canonical lowercase hex encoding.
func (dg Digest) String() string {
	return hex.EncodeToString(dg[:])
}

// Equal compares every byte of both digests in constant
// time.
func (dg Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(dg[:], other[:]) == 1
}

// IsZero reports whether dg is the all-zero value.
func (dg Digest) IsZero() bool {
	return dg == Digest{}
}

// ParseDigest parses exactly 64 lowercase hex characters.
// Uppercase input is rejected so that a digest has a single
// textual form.
func ParseDigest(s string) (Digest, error) {
	const errCtx = "parsing digest"

	var dg Digest

	if len(s) != hex.EncodedLen(Size) {
		return dg, fmt.Errorf(
			"%s: got %d characters, want %d",
			errCtx, len(s), hex.EncodedLen(Size),
		)
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return dg, fmt.Errorf(
				"%s: invalid character %q at offset %d",
				errCtx, c, i,
			)
		}
	}

	if _, err := hex.Decode(dg[:], []byte(s)); err != nil {
		return dg, fmt.Errorf("%s: %w", errCtx, err)
	}

	return dg, nil
}

// Sum streams r through the hash selected by al and returns
// the digest of every byte read. A single BufferSize buffer
// is reused for all reads. A read error aborts the
// computation with ErrRead.
func Sum(r io.Reader, al Algorithm) (Digest, error) {
	const errCtx = "summing stream"

	ha, err := al.newHash()
	if err != nil {
		return Digest{}, fmt.Errorf("%s: %w", errCtx, err)
	}

	buf := make([]byte, BufferSize)

	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			// hash.Hash.Write never returns an error.
			_, _ = ha.Write(buf[:n])
		}

		if errors.Is(rerr, io.EOF) {
			break
		}

		if rerr != nil {
			return Digest{}, fmt.Errorf(
				"%s: %w: %w", errCtx, ErrRead, rerr,
			)
		}
	}

	var dg Digest

	copy(dg[:], ha.Sum(nil))

	return dg, nil
}

// SumBytes returns the digest of data.
func SumBytes(data []byte, al Algorithm) (Digest, error) {
	switch al {
	case "", SHA256:
		return sha256.Sum256(data), nil
	case BLAKE3:
		return blake3.Sum256(data), nil
	default:
		return Digest{}, fmt.Errorf(
			"%w: %q", ErrUnknownAlgorithm, string(al),
		)
	}
}

// CalculateDigest computes the digest of the file at path.
// An open failure is reported with ErrOpen, a read failure
// with ErrRead. The file is closed on every path.
func CalculateDigest(
	path string,
	al Algorithm,
) (result Digest, retErr error) {
	const errCtx = "calculating digest"

	fi, err := os.Open(path) //nolint:gosec // path comes from the compiled-in table
	if err != nil {
		return Digest{}, fmt.Errorf(
			"%s: %w: %w", errCtx, ErrOpen, err,
		)
	}

	defer func() {
		if closeErr := fi.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("%s: %w", errCtx, closeErr)
		}
	}()

	dg, err := Sum(fi, al)
	if err != nil {
		return Digest{}, fmt.Errorf("%s: %w", errCtx, err)
	}

	return dg, nil
}
