// Package sealed wraps filippo.io/age to encrypt refresh tokens at rest. It
// generates a single machine keypair on first use and persists the private
// half under the data directory with owner-only permissions; the refresh
// token of every credential record is sealed to that machine's public key
// before being written to disk.
//
// Unlike a multi-recipient credential-escrow scheme, tenantgate has exactly
// one reader of its own tokens.json files (the gateway process itself), so
// this package drops the recipient-list generality age otherwise affords and
// the mmap-backed secret buffer machinery some age consumers use to keep
// private keys off the Go heap — this gateway's threat model is disk-at-rest
// exposure, not a hostile co-resident process reading its own heap.
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

const machineKeyFile = "machine.key"

// Keyring holds the machine's age x25519 identity, loaded or generated once
// at startup and reused for every Seal/Open call.
type Keyring struct {
	identity  *age.X25519Identity
	recipient age.Recipient
}

// LoadOrGenerate reads the machine keypair from {dataDir}/.keys/machine.key,
// generating and persisting a new one if absent.
func LoadOrGenerate(dataDir string) (*Keyring, error) {
	keyDir := filepath.Join(dataDir, ".keys")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	keyPath := filepath.Join(keyDir, machineKeyFile)
	raw, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(string(bytes.TrimSpace(raw)))
		if err != nil {
			return nil, fmt.Errorf("parsing machine key: %w", err)
		}
		return &Keyring{identity: identity, recipient: identity.Recipient()}, nil

	case errors.Is(err, os.ErrNotExist):
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generating machine key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("persisting machine key: %w", err)
		}
		return &Keyring{identity: identity, recipient: identity.Recipient()}, nil

	default:
		return nil, fmt.Errorf("reading machine key: %w", err)
	}
}

// Seal encrypts plaintext to the machine's own public key and returns a
// base64-encoded ciphertext suitable for embedding in a JSON field.
func (k *Keyring) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a ciphertext previously produced by Seal.
func (k *Keyring) Open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), k.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
