// Package envelope seals the sensitive invite fields (caller name, media mode)
// with a per-conversation symmetric key.
//
// Decoding never fails the caller: it yields either Decrypted or Fallback, and
// the caller resolves a Fallback against the plaintext fields that are always
// sent next to the envelope.
package envelope

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/petervdpas/callcore/internal/proto"
)

var log = logging.Logger("envelope")

const version = "v1."

var (
	// ErrNoKey means no key material is provisioned for the conversation.
	ErrNoKey = errors.New("envelope: no key for conversation")
	// ErrMalformed covers bad framing, bad base64 and bad inner JSON.
	ErrMalformed = errors.New("envelope: malformed")
	// ErrUndecryptable means authentication failed (wrong key, wrong pair, tampering).
	ErrUndecryptable = errors.New("envelope: undecryptable")
)

// Payload is the sealed part of an invite.
type Payload struct {
	FromName string `json:"fromName"`
	Mode     string `json:"mode"`
}

// KeyStore yields the raw symmetric key for a conversation. Implementations
// return an error (any error) when no key is available; Codec maps it to ErrNoKey.
type KeyStore interface {
	ConversationKey(ctx context.Context, conversationID string) ([]byte, error)
}

// Result is either Decrypted or Fallback.
type Result interface {
	isResult()
}

// Decrypted carries the authenticated inner payload.
type Decrypted struct {
	Payload Payload
}

// Fallback means the envelope could not be used; Err says why.
type Fallback struct {
	Err error
}

func (Decrypted) isResult() {}
func (Fallback) isResult() {}

// Resolve picks the effective payload: the decrypted one when available,
// otherwise outer. Empty inner fields are filled from outer.
func Resolve(r Result, outer Payload) (Payload, bool) {
	d, ok := r.(Decrypted)
	if !ok {
		return outer, false
	}
	p := d.Payload
	if p.FromName == "" {
		p.FromName = outer.FromName
	}
	if p.Mode == "" {
		p.Mode = outer.Mode
	}
	return p, true
}

// Codec encodes and decodes invite envelopes.
type Codec struct {
	keys   KeyStore
	selfID string
}

// NewCodec returns a codec that seals as selfID.
func NewCodec(keys KeyStore, selfID string) *Codec {
	return &Codec{keys: keys, selfID: selfID}
}

// Encode seals p for the (self, peer) pair of conversationID.
func (c *Codec) Encode(ctx context.Context, conversationID, peerID string, p Payload) (string, error) {
	aead, err := c.aead(ctx, conversationID, c.selfID, peerID)
	if err != nil {
		return "", err
	}

	plain, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, []byte(conversationID))
	return version + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens env. It never returns an error; failures come back as Fallback.
func (c *Codec) Decode(ctx context.Context, conversationID, selfID, peerID, env string) Result {
	p, err := c.decode(ctx, conversationID, selfID, peerID, env)
	if err != nil {
		log.Debugf("conversation %s: envelope fallback: %v", conversationID, err)
		return Fallback{Err: err}
	}
	return Decrypted{Payload: p}
}

func (c *Codec) decode(ctx context.Context, conversationID, selfID, peerID, env string) (Payload, error) {
	if !strings.HasPrefix(env, version) {
		return Payload{}, fmt.Errorf("%w: unknown version", ErrMalformed)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(env, version))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	aead, err := c.aead(ctx, conversationID, selfID, peerID)
	if err != nil {
		return Payload{}, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return Payload{}, fmt.Errorf("%w: short envelope", ErrMalformed)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(conversationID))
	if err != nil {
		return Payload{}, ErrUndecryptable
	}

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Mode != "" && !proto.ValidMode(p.Mode) {
		return Payload{}, fmt.Errorf("%w: mode %q", ErrMalformed, p.Mode)
	}
	return p, nil
}

// aead derives the pair key: HKDF-SHA256 over the conversation key, salted
// with the conversation id and bound to the sorted participant pair, so both
// sides derive the same key regardless of who is sealing.
func (c *Codec) aead(ctx context.Context, conversationID, a, b string) (aeadCipher, error) {
	if c.keys == nil {
		return nil, ErrNoKey
	}
	master, err := c.keys.ConversationKey(ctx, conversationID)
	if err != nil || len(master) == 0 {
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoKey, ctx.Err())
		}
		return nil, ErrNoKey
	}

	if b < a {
		a, b = b, a
	}
	info := []byte("callcore invite v1\x00" + a + "\x00" + b)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, []byte(conversationID), info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

type aeadCipher interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}
