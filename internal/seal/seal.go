// Package seal encrypts letter content at rest. It wraps filippo.io/age:
// plaintext in, base64 ciphertext out, and the reverse for unsealing.
// Every failure path fails closed behind ErrSealingFailure.
package seal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

var ErrSealingFailure = errors.New("sealing failure")

// Sealer is the content-sealing collaborator the engine depends on.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Unseal(sealed string) (string, error)
}

// AgeSealer seals to a single age X25519 recipient and unseals with the
// matching identity.
type AgeSealer struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
}

// New parses an age public key (age1...) and secret key
// (AGE-SECRET-KEY-1...) pair.
func New(recipientKey, identityKey string) (*AgeSealer, error) {
	recipient, err := age.ParseX25519Recipient(recipientKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing recipient key: %v", ErrSealingFailure, err)
	}
	identity, err := age.ParseX25519Identity(identityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing identity key: %v", ErrSealingFailure, err)
	}
	return &AgeSealer{recipient: recipient, identity: identity}, nil
}

func (s *AgeSealer) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealingFailure, err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealingFailure, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealingFailure, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *AgeSealer) Unseal(sealed string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", fmt.Errorf("%w: decoding ciphertext: %v", ErrSealingFailure, err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealingFailure, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealingFailure, err)
	}
	return string(plaintext), nil
}
