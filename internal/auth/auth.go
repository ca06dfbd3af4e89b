// Package auth implements request admission: sender key check, nonce
// decoding, X25519 box decryption, and per-world-instance sequence
// monotonicity.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/worldgate/worldgate/internal/keys"
	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/validate"
)

// DefaultSequenceTTL bounds how long an accepted sequence number blocks
// replays. Clients send monotonically increasing sequences, so a short
// window is enough.
const DefaultSequenceTTL = 5 * time.Second

const nonceSize = 24

// SequenceCache is the narrow cache surface admission control needs.
type SequenceCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, deps []string)
}

// Authenticator verifies gateway request envelopes.
type Authenticator struct {
	senderPublicKey [32]byte
	sharedKey       [32]byte
	sequences       SequenceCache
	sequenceTTL     time.Duration
}

// Config configures an Authenticator. SenderPublicKey is the client's X25519
// public key; RecipientPrivateKey is this service's private key.
type Config struct {
	SenderPublicKey     [32]byte
	RecipientPrivateKey [32]byte
	Sequences           SequenceCache
	SequenceTTL         time.Duration
}

// New creates an Authenticator with the box shared key precomputed.
func New(cfg Config) *Authenticator {
	a := &Authenticator{
		senderPublicKey: cfg.SenderPublicKey,
		sequences:       cfg.Sequences,
		sequenceTTL:     cfg.SequenceTTL,
	}
	if a.sequenceTTL <= 0 {
		a.sequenceTTL = DefaultSequenceTTL
	}
	box.Precompute(&a.sharedKey, &cfg.SenderPublicKey, &cfg.RecipientPrivateKey)
	return a
}

// Authenticate admits or rejects a request envelope. Any returned error is a
// *model.GatewayError and rejects the whole request.
func (a *Authenticator) Authenticate(ctx context.Context, req *model.GatewayRequest) error {
	if err := validate.WorldInstanceID(req.WorldInstanceID); err != nil {
		return model.NewError(model.CodeValidation, "%v", err)
	}

	authKey, err := base64.StdEncoding.DecodeString(req.Auth)
	if err != nil || len(authKey) != len(a.senderPublicKey) {
		return model.NewError(model.CodeAuthBadToken, "malformed auth token")
	}
	if subtle.ConstantTimeCompare(authKey, a.senderPublicKey[:]) != 1 {
		return model.NewError(model.CodeAuthBadToken, "unknown sender")
	}

	rawNonce, err := base64.StdEncoding.DecodeString(req.Nonce)
	if err != nil || len(rawNonce) != nonceSize {
		return model.NewError(model.CodeAuthBadNonce, "nonce must be %d bytes", nonceSize)
	}
	sequence := binary.LittleEndian.Uint64(rawNonce[:8])

	ciphertext, err := base64.StdEncoding.DecodeString(req.Encrypted)
	if err != nil {
		return model.NewError(model.CodeAuthDecryptFailed, "malformed ciphertext")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], rawNonce)
	plain, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &a.sharedKey)
	if !ok || string(plain) != req.WorldInstanceID {
		return model.NewError(model.CodeAuthDecryptFailed, "payload does not authenticate world instance")
	}

	return a.admitSequence(ctx, req.WorldInstanceID, sequence)
}

// admitSequence requires sequence to be strictly greater than the last
// accepted value for the world instance, then records it.
func (a *Authenticator) admitSequence(ctx context.Context, worldInstanceID string, sequence uint64) error {
	key := keys.Sequence(worldInstanceID)
	if raw, ok := a.sequences.Get(ctx, key); ok {
		last, err := strconv.ParseUint(string(raw), 10, 64)
		if err == nil && sequence <= last {
			return model.NewError(model.CodeAuthBadSequence, "sequence %d not after %d", sequence, last)
		}
	}
	a.sequences.Set(ctx, key, []byte(strconv.FormatUint(sequence, 10)), a.sequenceTTL, nil)
	return nil
}
