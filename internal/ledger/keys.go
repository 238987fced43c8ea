package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"masterdata-backend/internal/masterdata"
)

// keyRecord is one signing key as persisted in the key file. Only the
// active key keeps its private half; retired keys keep the public half
// so older ledger entries stay verifiable.
type keyRecord struct {
	ID        string `json:"id"`
	Public    string `json:"public"`
	Private   string `json:"private,omitempty"`
	CreatedAt int64  `json:"created_at"`
	RetiredAt int64  `json:"retired_at,omitempty"`
}

type keyFile struct {
	Active  keyRecord   `json:"active"`
	History []keyRecord `json:"history"`
}

// Keyring holds the local ledger signing key plus a bounded history of
// retired public keys.
type Keyring struct {
	path       string
	maxHistory int
	active     keyRecord
	priv       ed25519.PrivateKey
	history    []keyRecord
}

// LoadOrCreateKeyring reads the key file at path, generating a fresh
// ed25519 key pair if the file does not exist yet. nowMillis may be nil
// to use the wall clock.
func LoadOrCreateKeyring(path string, maxHistory int, nowMillis func() int64) (*Keyring, error) {
	if maxHistory <= 0 {
		maxHistory = 5
	}
	if nowMillis == nil {
		nowMillis = masterdata.NowMillis
	}
	k := &Keyring{path: path, maxHistory: maxHistory}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := k.generate(nowMillis()); err != nil {
			return nil, err
		}
		if err := k.save(); err != nil {
			return nil, err
		}
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(kf.Active.Private)
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file %s: invalid active private key", path)
	}
	k.active = kf.Active
	k.priv = ed25519.PrivateKey(privBytes)
	k.history = kf.History
	return k, nil
}

func (k *Keyring) generate(now int64) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	k.priv = priv
	k.active = keyRecord{
		ID:        keyID(pub),
		Public:    base64.StdEncoding.EncodeToString(pub),
		Private:   base64.StdEncoding.EncodeToString(priv),
		CreatedAt: now,
	}
	return nil
}

func (k *Keyring) save() error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	kf := keyFile{Active: k.active, History: k.history}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	// Key file holds private material.
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Rotate retires the active key into the history (trimmed to the
// configured bound) and generates a new signing key.
func (k *Keyring) Rotate(nowMillis func() int64) error {
	if nowMillis == nil {
		nowMillis = masterdata.NowMillis
	}
	now := nowMillis()
	retired := k.active
	retired.Private = ""
	retired.RetiredAt = now
	k.history = append([]keyRecord{retired}, k.history...)
	if len(k.history) > k.maxHistory {
		k.history = k.history[:k.maxHistory]
	}
	if err := k.generate(now); err != nil {
		return err
	}
	return k.save()
}

// Sign signs msg with the active key and returns the key id alongside
// the signature.
func (k *Keyring) Sign(msg []byte) (string, []byte) {
	return k.active.ID, ed25519.Sign(k.priv, msg)
}

// ActiveKeyID returns the id of the current signing key.
func (k *Keyring) ActiveKeyID() string {
	return k.active.ID
}

// PublicFor resolves a key id to its public key, searching the active
// key first and then the retired history.
func (k *Keyring) PublicFor(id string) (ed25519.PublicKey, bool) {
	if id == k.active.ID {
		pub, err := base64.StdEncoding.DecodeString(k.active.Public)
		if err != nil {
			return nil, false
		}
		return ed25519.PublicKey(pub), true
	}
	for _, rec := range k.history {
		if rec.ID == id {
			pub, err := base64.StdEncoding.DecodeString(rec.Public)
			if err != nil {
				return nil, false
			}
			return ed25519.PublicKey(pub), true
		}
	}
	return nil, false
}

func keyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
