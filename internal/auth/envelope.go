// Package auth authenticates callers. A command travels inside an Envelope
// signed with the caller's ed25519 key; the hex public key is the caller's
// Identity everywhere in the ledger.
package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"konnect/internal/domain"
	"konnect/internal/event"
)

// Envelope is a signed command.
type Envelope struct {
	PubKey  string          `json:"pubkey"` // hex ed25519 public key
	Op      string          `json:"op"`     // operation name, e.g. "buyNow"
	Command json.RawMessage `json:"command"`
	Sig     string          `json:"sig"` // hex signature over signingBytes
}

// signingBytes binds the operation name to the exact command bytes.
func signingBytes(op string, command []byte) []byte {
	msg := make([]byte, 0, len(op)+1+len(command))
	msg = append(msg, op...)
	msg = append(msg, 0)
	return append(msg, command...)
}

// Identity returns the ledger identity of a public key.
func Identity(pub ed25519.PublicKey) domain.Identity {
	return domain.Identity(hex.EncodeToString(pub))
}

// Sign wraps a command for submission. Seq, Ts and Caller in the command are
// ignored by Open; the sequencer assigns them.
func Sign(priv ed25519.PrivateKey, ev event.Event) (*Envelope, error) {
	command, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	op := ev.GetType().String()
	pub := priv.Public().(ed25519.PublicKey)

	return &Envelope{
		PubKey:  hex.EncodeToString(pub),
		Op:      op,
		Command: command,
		Sig:     hex.EncodeToString(ed25519.Sign(priv, signingBytes(op, command))),
	}, nil
}

// Open verifies the signature and returns the command with its Caller bound
// to the signer. Any mismatch fails with domain.ErrBadSignature.
func (e *Envelope) Open() (event.Event, error) {
	pub, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key: %w", domain.ErrBadSignature)
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature encoding: %w", domain.ErrBadSignature)
	}
	if !ed25519.Verify(pub, signingBytes(e.Op, e.Command), sig) {
		return nil, fmt.Errorf("op %s: %w", e.Op, domain.ErrBadSignature)
	}

	typ, ok := event.ParseType(e.Op)
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", e.Op)
	}
	ev, err := event.Decode(typ, e.Command)
	if err != nil {
		return nil, err
	}

	*ev.Base() = event.BaseEvent{Caller: Identity(pub)}
	return ev, nil
}
