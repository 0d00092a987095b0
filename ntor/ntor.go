// Package ntor implements the ntor circuit handshake and the key generators
// that seed per-hop relay crypto from a handshake's shared secret.
package ntor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	protoID = "ntor-curve25519-sha256-1"
	tKey    = protoID + ":key_extract"
	tMac    = protoID + ":mac"
	tVerify = protoID + ":verify"
	mExpand = protoID + ":key_expand"
)

// ClientDataLen and ServerDataLen are the HDATA lengths of CREATE2 and
// CREATED2 for the ntor handshake type.
const (
	ClientDataLen = 84
	ServerDataLen = 64
)

// HandshakeState holds the client's ephemeral state for an ntor handshake.
type HandshakeState struct {
	nodeID  [20]byte // SHA-1 of relay's RSA identity
	ntorKey [32]byte // Relay's Curve25519 onion key (B)
	x       [32]byte // Client ephemeral private key
	X       [32]byte // Client ephemeral public key
}

// NewHandshake creates a new ntor handshake state with a fresh ephemeral keypair.
func NewHandshake(nodeID [20]byte, ntorKey [32]byte) (*HandshakeState, error) {
	x, X, err := newKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &HandshakeState{
		nodeID:  nodeID,
		ntorKey: ntorKey,
		x:       x,
		X:       X,
	}, nil
}

// Close zeroes the ephemeral private key. Call on error paths when Complete() won't be called.
func (hs *HandshakeState) Close() {
	clear(hs.x[:])
}

// ClientData returns the 84-byte CREATE2 HDATA: node_id(20) || B(32) || X(32).
func (hs *HandshakeState) ClientData() [ClientDataLen]byte {
	var data [ClientDataLen]byte
	copy(data[0:20], hs.nodeID[:])
	copy(data[20:52], hs.ntorKey[:])
	copy(data[52:84], hs.X[:])
	return data
}

// Complete processes the server's 64-byte response (Y || AUTH), verifies AUTH,
// and returns the generator for the hop's keys.
func (hs *HandshakeState) Complete(serverData [ServerDataLen]byte) (*HkdfKeyGenerator, error) {
	var Y, authReceived [32]byte
	copy(Y[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])

	exp1, err := sharedSecret(hs.x, Y, "x*Y") // ephemeral-ephemeral
	if err != nil {
		return nil, err
	}
	exp2, err := sharedSecret(hs.x, hs.ntorKey, "x*B") // ephemeral-static
	if err != nil {
		return nil, err
	}

	secretInput := buildSecretInput(exp1, exp2, hs.nodeID, hs.ntorKey, hs.X, Y)
	expectedAuth := serverAuth(secretInput, hs.nodeID, hs.ntorKey, hs.X, Y)
	if !hmac.Equal(expectedAuth, authReceived[:]) {
		clear(secretInput)
		return nil, fmt.Errorf("AUTH verification failed")
	}
	clear(hs.x[:])

	kg := NewHkdfKeyGenerator(secretInput)
	clear(secretInput)
	return kg, nil
}

// ServerHandshake performs the relay side of the handshake for the relay
// whose onion key pair is (b, B). It returns the CREATED2 HDATA and the
// generator for the hop's keys. rnd supplies the ephemeral key; nil means
// crypto/rand.
func ServerHandshake(nodeID [20]byte, b, B [32]byte, clientData [ClientDataLen]byte, rnd io.Reader) ([ServerDataLen]byte, *HkdfKeyGenerator, error) {
	var response [ServerDataLen]byte
	if !hmac.Equal(clientData[0:20], nodeID[:]) || !hmac.Equal(clientData[20:52], B[:]) {
		return response, nil, fmt.Errorf("handshake addressed to another relay")
	}
	var X [32]byte
	copy(X[:], clientData[52:84])

	if rnd == nil {
		rnd = rand.Reader
	}
	y, Y, err := newKeypair(rnd)
	if err != nil {
		return response, nil, err
	}
	defer clear(y[:])

	exp1, err := sharedSecret(y, X, "y*X")
	if err != nil {
		return response, nil, err
	}
	exp2, err := sharedSecret(b, X, "b*X")
	if err != nil {
		return response, nil, err
	}

	secretInput := buildSecretInput(exp1, exp2, nodeID, B, X, Y)
	defer clear(secretInput)

	copy(response[0:32], Y[:])
	copy(response[32:64], serverAuth(secretInput, nodeID, B, X, Y))
	return response, NewHkdfKeyGenerator(secretInput), nil
}

// NewOnionKey generates a Curve25519 onion key pair.
func NewOnionKey() (priv, pub [32]byte, err error) {
	return newKeypair(rand.Reader)
}

func newKeypair(rnd io.Reader) (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rnd, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate ephemeral key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("compute public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

func sharedSecret(priv, pub [32]byte, what string) ([]byte, error) {
	s, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 %s: %w", what, err)
	}
	if isZero(s) {
		return nil, fmt.Errorf("%s produced all-zeros point", what)
	}
	return s, nil
}

// buildSecretInput returns exp1 || exp2 || ID || B || X || Y || PROTOID (204 bytes).
func buildSecretInput(exp1, exp2 []byte, nodeID [20]byte, B, X, Y [32]byte) []byte {
	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, nodeID[:]...)
	secretInput = append(secretInput, B[:]...)
	secretInput = append(secretInput, X[:]...)
	secretInput = append(secretInput, Y[:]...)
	secretInput = append(secretInput, []byte(protoID)...)
	clear(exp1)
	clear(exp2)
	return secretInput
}

// serverAuth computes AUTH over
// verify || ID || B || Y || X || PROTOID || "Server" (178 bytes).
func serverAuth(secretInput []byte, nodeID [20]byte, B, X, Y [32]byte) []byte {
	verify := ntorHMAC(secretInput, tVerify)
	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, nodeID[:]...)
	authInput = append(authInput, B[:]...)
	authInput = append(authInput, Y[:]...)
	authInput = append(authInput, X[:]...)
	authInput = append(authInput, []byte(protoID)...)
	authInput = append(authInput, []byte("Server")...)
	auth := ntorHMAC(authInput, tMac)
	clear(authInput)
	return auth
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
