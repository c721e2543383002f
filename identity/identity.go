// Package identity models the party identities (Requestor and Provider
// nodes) exchanged across the peer-to-peer message bus.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// Prefix is the human-readable bech32 prefix used for marketplace node ids.
const Prefix = "mkt"

// NodeId identifies a Requestor or Provider node on the peer-to-peer bus.
type NodeId struct {
	bytes [20]byte
}

// ParseError is returned when a caller string cannot be parsed into a NodeId.
// Inbound handlers collapse it into RemoteAgreementError/NotFound so a
// malformed caller never reveals anything about local state.
type ParseError struct {
	Input string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("identity: parse %q: %v", e.Input, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ParseNodeId decodes a bech32-encoded node id string.
func ParseNodeId(s string) (NodeId, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return NodeId{}, &ParseError{Input: s, Cause: fmt.Errorf("empty caller")}
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return NodeId{}, &ParseError{Input: s, Cause: err}
	}
	if prefix != Prefix {
		return NodeId{}, &ParseError{Input: s, Cause: fmt.Errorf("unexpected prefix %q", prefix)}
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return NodeId{}, &ParseError{Input: s, Cause: err}
	}
	if len(conv) != 20 {
		return NodeId{}, &ParseError{Input: s, Cause: fmt.Errorf("address must be 20 bytes, got %d", len(conv))}
	}
	var id NodeId
	copy(id.bytes[:], conv)
	return id, nil
}

// String renders the bech32 representation of the node id.
func (n NodeId) String() string {
	conv, err := bech32.ConvertBits(n.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(Prefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20-byte address.
func (n NodeId) Bytes() []byte {
	out := make([]byte, 20)
	copy(out, n.bytes[:])
	return out
}

// Equal reports whether two node ids reference the same address.
func (n NodeId) Equal(other NodeId) bool {
	return n.bytes == other.bytes
}

// IsZero reports whether the node id is the zero value.
func (n NodeId) IsZero() bool {
	return n.bytes == [20]byte{}
}

// PrivateKey wraps a secp256k1 key used to derive a NodeId and, eventually,
// to sign Agreement artifacts.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// GeneratePrivateKey creates a new random identity key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// NodeId derives the public node id for this key.
func (k *PrivateKey) NodeId() NodeId {
	addr := crypto.PubkeyToAddress(k.key.PublicKey)
	var id NodeId
	copy(id.bytes[:], addr.Bytes())
	return id
}

// Sign produces a signature over an Agreement artifact digest.
//
// TODO: the artifact canonicalization this digest is computed from must be
// settled with the protocol owner before this is anything more than a bare
// ECDSA signature over whatever digest the caller supplies.
func (k *PrivateKey) Sign(digest [32]byte) ([]byte, error) {
	return crypto.Sign(digest[:], k.key)
}

// Verify checks a signature produced by Sign against a claimed signer.
//
// TODO: unresolved canonicalization hook, see Sign.
func Verify(signer NodeId, digest [32]byte, sig []byte) bool {
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return false
	}
	addr := crypto.PubkeyToAddress(*pub)
	var recovered NodeId
	copy(recovered.bytes[:], addr.Bytes())
	return recovered.Equal(signer)
}
