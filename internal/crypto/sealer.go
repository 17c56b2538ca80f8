package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const keySize = 32

var ErrUnknownKey = errors.New("unknown sealing key")

// sealed is the stored form of a secret. Purpose is bound as additional data
// so a value sealed for one field cannot be replayed into another.
type sealed struct {
	KeyID string `json:"kid"`
	Nonce string `json:"n"`
	Data  string `json:"d"`
}

// Sealer encrypts short secrets such as provider API keys with AES-GCM.
// Older keys stay readable so values can be resealed after rotation.
type Sealer struct {
	current string
	keys    map[string]cipher.AEAD
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != keySize {
			return nil, fmt.Errorf("key %q must be %d bytes", id, keySize)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key %q: new cipher: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key %q: new gcm: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Sealer{current: currentKeyID, keys: aeads}, nil
}

func (s *Sealer) CurrentKeyID() string { return s.current }

func (s *Sealer) Seal(purpose, plaintext string) (string, error) {
	aead := s.keys[s.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := sealed{
		KeyID: s.current,
		Nonce: base64.RawStdEncoding.EncodeToString(nonce),
		Data:  base64.RawStdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(plaintext), []byte(purpose))),
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}
	return string(b), nil
}

func (s *Sealer) Open(purpose, raw string) (string, error) {
	var in sealed
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return "", fmt.Errorf("unmarshal sealed value: %w", err)
	}
	aead, ok := s.keys[in.KeyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, in.KeyID)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(in.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	data, err := base64.RawStdEncoding.DecodeString(in.Data)
	if err != nil {
		return "", fmt.Errorf("decode data: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce has %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	plain, err := aead.Open(nil, nonce, data, []byte(purpose))
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

// Reseal reports whether raw was sealed with a retired key and, if so,
// returns it sealed again under the current one.
func (s *Sealer) Reseal(purpose, raw string) (string, bool, error) {
	var in sealed
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return "", false, fmt.Errorf("unmarshal sealed value: %w", err)
	}
	if in.KeyID == s.current {
		return raw, false, nil
	}
	plain, err := s.Open(purpose, raw)
	if err != nil {
		return "", false, err
	}
	out, err := s.Seal(purpose, plain)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}
