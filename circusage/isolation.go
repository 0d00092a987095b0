package circusage

import (
	"fmt"
	"sync/atomic"
)

// Isolation says which streams may share a circuit. Join only succeeds
// between values of the same concrete type.
type Isolation interface {
	// Compatible reports whether streams with this isolation and other may
	// share a circuit.
	Compatible(other Isolation) bool
	// Join returns the isolation of a circuit carrying streams of both,
	// or false if they are not compatible.
	Join(other Isolation) (Isolation, bool)
}

// IsolationToken is an opaque isolation group. Two tokens are compatible
// only if they are equal.
type IsolationToken uint64

// NoIsolation is the token of streams that ask for no isolation. Such
// streams may share circuits only with each other.
const NoIsolation IsolationToken = 0

var nextToken atomic.Uint64

// NewIsolationToken returns a token different from every other token
// created by this process.
func NewIsolationToken() IsolationToken {
	return IsolationToken(nextToken.Add(1))
}

func (t IsolationToken) Compatible(other Isolation) bool {
	o, ok := other.(IsolationToken)
	return ok && o == t
}

func (t IsolationToken) Join(other Isolation) (Isolation, bool) {
	if !t.Compatible(other) {
		return nil, false
	}
	return t, true
}

func (t IsolationToken) String() string {
	if t == NoIsolation {
		return "none"
	}
	return fmt.Sprintf("token#%d", uint64(t))
}

// StreamIsolation combines the isolation a stream asked for with the
// token of the client that owns it.
type StreamIsolation struct {
	Stream Isolation
	Owner  IsolationToken
}

func (s StreamIsolation) Compatible(other Isolation) bool {
	o, ok := other.(StreamIsolation)
	if !ok || o.Owner != s.Owner {
		return false
	}
	if s.Stream == nil || o.Stream == nil {
		return s.Stream == nil && o.Stream == nil
	}
	return s.Stream.Compatible(o.Stream)
}

func (s StreamIsolation) Join(other Isolation) (Isolation, bool) {
	if !s.Compatible(other) {
		return nil, false
	}
	if s.Stream == nil {
		return s, true
	}
	joined, ok := s.Stream.Join(other.(StreamIsolation).Stream)
	if !ok {
		return nil, false
	}
	return StreamIsolation{Stream: joined, Owner: s.Owner}, true
}

func (s StreamIsolation) String() string {
	return fmt.Sprintf("{stream: %v, owner: %v}", s.Stream, s.Owner)
}
