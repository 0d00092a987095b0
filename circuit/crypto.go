package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/cvsouth/torcirc/cell"
)

// SendmeTagLen is the length of the authentication tag carried by SENDME v1
// cells, taken from the front of the running digest.
const SendmeTagLen = 20

// RelayCellBody is the 509-byte body of a RELAY cell. Codecs transform it
// in place.
type RelayCellBody [cell.MaxPayloadLen]byte

// KeyGenerator is the output of a circuit handshake: a source of key
// material from which the per-hop crypto state is seeded.
type KeyGenerator interface {
	Expand(keyLen int) ([]byte, error)
}

// Suite selects the stream cipher and running digest for a hop.
type Suite struct {
	name      string
	keyLen    int
	newDigest func() hash.Hash
}

var (
	// Tor1 is the relay crypto used on ordinary circuits: AES-128-CTR
	// with SHA-1 running digests.
	Tor1 = Suite{name: "tor1", keyLen: 16, newDigest: sha1.New}

	// Tor1Hsv3 is the variant used for the virtual onion-service hop:
	// AES-256-CTR with SHA3-256 running digests.
	Tor1Hsv3 = Suite{name: "tor1-hsv3", keyLen: 32, newDigest: sha3.New256}
)

func (s Suite) String() string {
	return s.name
}

// SeedLen returns the number of seed bytes Initialize expects.
func (s Suite) SeedLen() int {
	return 2*s.keyLen + 2*s.newDigest().Size()
}

// Initialize builds the forward and backward state of one hop from seed,
// which is laid out as Df | Db | Kf | Kb.
func (s Suite) Initialize(seed []byte) (*CryptStatePair, error) {
	if len(seed) != s.SeedLen() {
		return nil, fmt.Errorf("%s: seed length %d, want %d", s.name, len(seed), s.SeedLen())
	}
	dlen := s.newDigest().Size()
	df := seed[:dlen]
	db := seed[dlen : 2*dlen]
	kf := seed[2*dlen : 2*dlen+s.keyLen]
	kb := seed[2*dlen+s.keyLen:]

	fwd, err := s.newState(kf, df)
	if err != nil {
		return nil, fmt.Errorf("%s forward: %w", s.name, err)
	}
	back, err := s.newState(kb, db)
	if err != nil {
		return nil, fmt.Errorf("%s backward: %w", s.name, err)
	}
	return &CryptStatePair{fwd: fwd, back: back}, nil
}

// Construct expands a handshake's key generator into a new hop state.
func (s Suite) Construct(kg KeyGenerator) (*CryptStatePair, error) {
	seed, err := kg.Expand(s.SeedLen())
	if err != nil {
		return nil, fmt.Errorf("expand keys: %w", err)
	}
	defer clear(seed)
	return s.Initialize(seed)
}

func (s Suite) newState(key, digestSeed []byte) (*CryptState, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	d := s.newDigest()
	if _, ok := d.(encoding.BinaryMarshaler); !ok {
		return nil, fmt.Errorf("digest %T cannot be cloned", d)
	}
	d.Write(digestSeed)
	// AES-CTR with a zero IV; the counter persists for the life of the hop.
	zeroIV := make([]byte, aes.BlockSize)
	return &CryptState{
		cipher:    cipher.NewCTR(block, zeroIV),
		digest:    d,
		newDigest: s.newDigest,
	}, nil
}

// CryptState is the cipher and running digest for one direction of one hop.
type CryptState struct {
	cipher     cipher.Stream
	digest     hash.Hash
	newDigest  func() hash.Hash
	lastDigest []byte
}

// OriginateFor stamps cell as addressed to this hop, advances the running
// digest, and encrypts it. It returns the SENDME tag for the cell.
func (s *CryptState) OriginateFor(body *RelayCellBody) []byte {
	s.lastDigest = body.setDigest(s.digest)
	s.EncryptOutbound(body)
	return s.lastDigest[:SendmeTagLen]
}

// EncryptOutbound applies this hop's keystream without touching the digest.
func (s *CryptState) EncryptOutbound(body *RelayCellBody) {
	s.cipher.XORKeyStream(body[:], body[:])
}

// DecryptInbound removes this hop's layer and reports whether the cell
// originated here. On a match it returns the SENDME tag; otherwise the
// running digest is left as it was.
func (s *CryptState) DecryptInbound(body *RelayCellBody) ([]byte, bool) {
	s.cipher.XORKeyStream(body[:], body[:])
	if !s.recognized(body) {
		return nil, false
	}
	return s.lastDigest[:SendmeTagLen], true
}

// recognized checks the Recognized and Digest fields of a decrypted body
// against a clone of the running digest. The clone replaces the running
// digest only if the cell matches.
func (s *CryptState) recognized(body *RelayCellBody) bool {
	if body[relayRecognizedOff] != 0 || body[relayRecognizedOff+1] != 0 {
		return false
	}
	trial := s.cloneDigest()
	var zero [4]byte
	trial.Write(body[:relayDigestOff])
	trial.Write(zero[:])
	trial.Write(body[relayDigestOff+4:])
	sum := trial.Sum(nil)

	if subtle.ConstantTimeCompare(body[relayDigestOff:relayDigestOff+4], sum[:4]) != 1 {
		return false
	}
	s.digest = trial
	s.lastDigest = sum
	return true
}

func (s *CryptState) cloneDigest() hash.Hash {
	state, err := s.digest.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("circuit: snapshot digest state: %v", err))
	}
	d := s.newDigest()
	if err := d.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(fmt.Sprintf("circuit: restore digest state: %v", err))
	}
	return d
}

// setDigest zeroes the Recognized and Digest fields, feeds the body into
// d, and writes the first four bytes of the result into the Digest field.
// It returns the full digest value.
func (b *RelayCellBody) setDigest(d hash.Hash) []byte {
	b[relayRecognizedOff] = 0
	b[relayRecognizedOff+1] = 0
	clear(b[relayDigestOff : relayDigestOff+4])
	d.Write(b[:])
	sum := d.Sum(nil)
	copy(b[relayDigestOff:relayDigestOff+4], sum[:4])
	return sum
}

// CryptStatePair is the forward and backward state of one hop. A client
// splits it into its two stacks; a relay keeps it whole.
type CryptStatePair struct {
	fwd  *CryptState
	back *CryptState
}

// Split hands the forward state to the outbound stack and the backward
// state to the inbound stack.
func (p *CryptStatePair) Split() (OutboundClientLayer, InboundClientLayer) {
	return p.fwd, p.back
}

// Originate stamps a cell this relay produces for the client. The caller
// must then apply EncryptInbound.
func (p *CryptStatePair) Originate(body *RelayCellBody) []byte {
	p.back.lastDigest = body.setDigest(p.back.digest)
	return p.back.lastDigest[:SendmeTagLen]
}

// EncryptInbound adds this relay's layer to a cell heading to the client.
func (p *CryptStatePair) EncryptInbound(body *RelayCellBody) {
	p.back.cipher.XORKeyStream(body[:], body[:])
}

// DecryptOutbound removes this relay's layer from a cell heading away from
// the client and reports whether the cell is addressed to this relay.
func (p *CryptStatePair) DecryptOutbound(body *RelayCellBody) ([]byte, bool) {
	p.fwd.cipher.XORKeyStream(body[:], body[:])
	if !p.fwd.recognized(body) {
		return nil, false
	}
	return p.fwd.lastDigest[:SendmeTagLen], true
}

// InitTor1 builds a tor1 hop from a 72-byte seed.
func InitTor1(seed []byte) (*CryptStatePair, error) {
	return Tor1.Initialize(seed)
}

// InitTor1Hsv3 builds a tor1-hsv3 hop from a 128-byte seed.
func InitTor1Hsv3(seed []byte) (*CryptStatePair, error) {
	return Tor1Hsv3.Initialize(seed)
}
