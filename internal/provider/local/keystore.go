package local

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	keyFileName      = "identity.key"
	keyFormatVersion = 1
)

var (
	errWrongPassword = errors.New("local: wrong password or corrupted key")
	errKeyFormat     = errors.New("local: unreadable key file")
)

// ScryptParams are the key-derivation cost parameters.
type ScryptParams struct {
	N int
	R int
	P int
}

func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 1 << 15, R: 8, P: 1}
}

// keyFile is the on-disk sealed identity. Alias stays in clear so a locked
// store can still report who it belongs to.
type keyFile struct {
	V      int    `json:"v"`
	Alias  string `json:"alias"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

func keyPath(dir string) string {
	return filepath.Join(dir, keyFileName)
}

// sealKey encrypts the ed25519 seed under password.
func sealKey(alias, password string, priv ed25519.PrivateKey, params ScryptParams) (keyFile, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return keyFile{}, err
	}
	aead, err := deriveAEAD(password, salt, params)
	if err != nil {
		return keyFile{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return keyFile{}, err
	}
	return keyFile{
		V:      keyFormatVersion,
		Alias:  alias,
		Salt:   salt,
		N:      params.N,
		R:      params.R,
		P:      params.P,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, priv.Seed(), []byte(alias)),
	}, nil
}

// openKey decrypts kf and rebuilds the private key.
func openKey(kf keyFile, password string) (ed25519.PrivateKey, error) {
	aead, err := deriveAEAD(password, kf.Salt, ScryptParams{N: kf.N, R: kf.R, P: kf.P})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errKeyFormat, err)
	}
	if len(kf.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size", errKeyFormat)
	}
	seed, err := aead.Open(nil, kf.Nonce, kf.Cipher, []byte(kf.Alias))
	if err != nil {
		return nil, errWrongPassword
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed size", errKeyFormat)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func deriveAEAD(password string, salt []byte, params ScryptParams) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

func readKeyFile(dir string) (keyFile, error) {
	raw, err := os.ReadFile(keyPath(dir))
	if err != nil {
		return keyFile{}, err
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return keyFile{}, fmt.Errorf("%w: %v", errKeyFormat, err)
	}
	if kf.V > keyFormatVersion {
		return keyFile{}, fmt.Errorf("%w: unsupported version %d", errKeyFormat, kf.V)
	}
	if kf.Alias == "" || len(kf.Salt) == 0 || len(kf.Cipher) == 0 {
		return keyFile{}, fmt.Errorf("%w: missing fields", errKeyFormat)
	}
	return kf, nil
}

// writeKeyFile writes via a temp file then rename.
func writeKeyFile(dir string, kf keyFile) error {
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	path := keyPath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
