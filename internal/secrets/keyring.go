package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Sealed is an encrypted value tagged with the key that sealed it, so keys
// can rotate without re-encrypting everything at once.
type Sealed struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Keyring seals and opens secrets with AES-GCM. New values are sealed with
// the current key; any known key can open.
type Keyring struct {
	currentID string
	keys      map[string][]byte
}

func NewKeyring(currentID string, keys map[string][]byte) (*Keyring, error) {
	if currentID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{currentID: currentID, keys: cp}, nil
}

func (k *Keyring) Seal(plaintext []byte) (Sealed, error) {
	aead, err := k.aead(k.currentID)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("nonce: %w", err)
	}
	return Sealed{
		KeyID:      k.currentID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func (k *Keyring) Open(sealed Sealed) ([]byte, error) {
	if _, ok := k.keys[sealed.KeyID]; !ok {
		return nil, fmt.Errorf("unknown key id %q", sealed.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := k.aead(sealed.KeyID)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plaintext, nil
}

// SealString seals a string and returns the envelope as JSON, the shape the
// storage layer persists.
func (k *Keyring) SealString(value string) (string, error) {
	sealed, err := k.Seal([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(sealed)
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) OpenString(raw string) (string, error) {
	var sealed Sealed
	if err := json.Unmarshal([]byte(raw), &sealed); err != nil {
		return "", fmt.Errorf("unmarshal sealed value: %w", err)
	}
	plaintext, err := k.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ReSeal re-encrypts an envelope under the current key.
func (k *Keyring) ReSeal(raw string) (string, error) {
	plain, err := k.OpenString(raw)
	if err != nil {
		return "", err
	}
	return k.SealString(plain)
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.keys[keyID])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
