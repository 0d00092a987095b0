package ntor

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// HkdfKeyGenerator expands an ntor secret with HKDF-SHA256.
type HkdfKeyGenerator struct {
	seed []byte
}

// NewHkdfKeyGenerator copies seed into a new generator.
func NewHkdfKeyGenerator(seed []byte) *HkdfKeyGenerator {
	return &HkdfKeyGenerator{seed: append([]byte(nil), seed...)}
}

// Expand derives n bytes. The generator is consumed: its secret is zeroed.
func (g *HkdfKeyGenerator) Expand(n int) ([]byte, error) {
	if g.seed == nil {
		return nil, fmt.Errorf("key generator already used")
	}
	kdf := hkdf.New(sha256.New, g.seed, []byte(tKey), []byte(mExpand))
	out := make([]byte, n)
	_, err := io.ReadFull(kdf, out)
	clear(g.seed)
	g.seed = nil
	if err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}
	return out, nil
}

// KDFTorKeyGenerator implements KDF-TOR, used by CREATE_FAST:
// SHA1(K0 | [00]) | SHA1(K0 | [01]) | ...
type KDFTorKeyGenerator struct {
	seed []byte
}

// NewKDFTorKeyGenerator copies seed into a new generator.
func NewKDFTorKeyGenerator(seed []byte) *KDFTorKeyGenerator {
	return &KDFTorKeyGenerator{seed: append([]byte(nil), seed...)}
}

// Expand derives n bytes. At most 256 SHA-1 blocks can be produced.
func (g *KDFTorKeyGenerator) Expand(n int) ([]byte, error) {
	if g.seed == nil {
		return nil, fmt.Errorf("key generator already used")
	}
	if n > 256*sha1.Size {
		return nil, fmt.Errorf("KDF-TOR: %d bytes requested, limit %d", n, 256*sha1.Size)
	}
	out := make([]byte, 0, n+sha1.Size)
	for i := 0; len(out) < n; i++ {
		h := sha1.New()
		h.Write(g.seed)
		h.Write([]byte{byte(i)})
		out = h.Sum(out)
	}
	clear(g.seed)
	g.seed = nil
	clear(out[n:cap(out)])
	return out[:n], nil
}

// ShakeKeyGenerator expands a secret with SHAKE256, as the onion-service
// handshake does.
type ShakeKeyGenerator struct {
	seed []byte
}

// NewShakeKeyGenerator copies seed into a new generator.
func NewShakeKeyGenerator(seed []byte) *ShakeKeyGenerator {
	return &ShakeKeyGenerator{seed: append([]byte(nil), seed...)}
}

// Expand derives n bytes.
func (g *ShakeKeyGenerator) Expand(n int) ([]byte, error) {
	if g.seed == nil {
		return nil, fmt.Errorf("key generator already used")
	}
	out := make([]byte, n)
	sha3.ShakeSum256(out, g.seed)
	clear(g.seed)
	g.seed = nil
	return out, nil
}
