package sandbox

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"golang.org/x/crypto/blake2b"
)

// Host bundles the capability-scoped collaborators one evaluation may call.
// A nil collaborator behind a granted capability fails the call as denied,
// so partially wired deployments stay safe.
type Host struct {
	caps Capabilities

	kv         ContextKV
	notifier   Notifier
	federation Federation

	// signKey is the worker credential used by crypto.sign.
	signKey ed25519.PrivateKey
}

// NewHost builds the host API surface for one evaluation.
func NewHost(caps Capabilities, kv ContextKV, notifier Notifier, federation Federation, signKey ed25519.PrivateKey) *Host {
	return &Host{
		caps:       caps,
		kv:         kv,
		notifier:   notifier,
		federation: federation,
		signKey:    signKey,
	}
}

func denied(call string) error {
	return &ActionError{Kind: ErrHostDenied, Message: fmt.Sprintf("capability denied: %s", call)}
}

// KVGet reads one field of the calling instance's context.
func (h *Host) KVGet(ctx context.Context, field string) (json.RawMessage, error) {
	if !h.caps.KVGet || h.kv == nil {
		return nil, denied("kv.get")
	}
	return h.kv.Get(ctx, field)
}

// KVSet writes one field of the calling instance's context.
func (h *Host) KVSet(ctx context.Context, field string, value json.RawMessage) error {
	if !h.caps.KVSet || h.kv == nil {
		return denied("kv.set")
	}
	return h.kv.Set(ctx, field, value)
}

// Hash returns the BLAKE2b-256 digest of data, base64-encoded.
func (h *Host) Hash(data []byte) (string, error) {
	if !h.caps.Crypto {
		return "", denied("crypto.hash")
	}
	sum := blake2b.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Sign signs data with the worker credential (Ed25519).
func (h *Host) Sign(data []byte) (string, error) {
	if !h.caps.Crypto {
		return "", denied("crypto.sign")
	}
	if h.signKey == nil {
		return "", denied("crypto.sign (no credential)")
	}
	sig := ed25519.Sign(h.signKey, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks an Ed25519 signature against a base64 public key.
func (h *Host) Verify(data []byte, sigB64, pubB64 string) (bool, error) {
	if !h.caps.Crypto {
		return false, denied("crypto.verify")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return false, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(pub))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}

// GenerateDID creates a fresh did:key identifier over a new Ed25519 keypair
// and returns the DID string.
func (h *Host) GenerateDID() (string, error) {
	if !h.caps.Crypto {
		return "", denied("crypto.generate_did")
	}
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate keypair: %w", err)
	}
	// did:key multicodec prefix for Ed25519 public keys (0xed 0x01); the
	// multibase "z" prefix requires base58btc.
	prefixed := append([]byte{0xed, 0x01}, pub...)
	return "did:key:z" + base58Encode(prefixed), nil
}

// base58btcAlphabet is the Bitcoin base58 alphabet the multibase "z"
// prefix denotes.
const base58btcAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode encodes b in base58btc.
func base58Encode(b []byte) string {
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}

	x := new(big.Int).SetBytes(b)
	base := big.NewInt(58)
	mod := new(big.Int)
	out := make([]byte, 0, len(b)*138/100+1)
	for x.Sign() > 0 {
		x.DivMod(x, base, mod)
		out = append(out, base58btcAlphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, '1')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// NotifyEmail forwards an email intent to the external notifier.
func (h *Host) NotifyEmail(ctx context.Context, to, subject, body string) error {
	if !h.caps.Notify || h.notifier == nil {
		return denied("notify.email")
	}
	return h.notifier.Email(ctx, to, subject, body)
}

// NotifySMS forwards an SMS intent to the external notifier.
func (h *Host) NotifySMS(ctx context.Context, to, body string) error {
	if !h.caps.Notify || h.notifier == nil {
		return denied("notify.sms")
	}
	return h.notifier.SMS(ctx, to, body)
}

// FederatedRequest performs a request against another authority.
func (h *Host) FederatedRequest(ctx context.Context, authority string, payload json.RawMessage) (json.RawMessage, error) {
	if !h.caps.Federated || h.federation == nil {
		return nil, denied("federated.request")
	}
	return h.federation.Request(ctx, authority, payload)
}

// FederatedNotify sends a one-way notification to another authority.
func (h *Host) FederatedNotify(ctx context.Context, authority string, payload json.RawMessage) error {
	if !h.caps.Federated || h.federation == nil {
		return denied("federated.notify")
	}
	return h.federation.Notify(ctx, authority, payload)
}
