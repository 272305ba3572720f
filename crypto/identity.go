package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// RSAKeySize is the size of the identity key in bits
const RSAKeySize = 2048

const identityFile = "identity.pem"

// Identity is the long-lived key pair a receiver announces when joining
type Identity struct {
	privateKey *rsa.PrivateKey
	publicPEM  string
}

// LoadOrCreateIdentity loads the key pair stored in dir, generating and
// saving a new one on first use.
func LoadOrCreateIdentity(logger *zap.Logger, dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}
	path := filepath.Join(dir, identityFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := parseIdentity(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		logger.Debug("Loaded identity", zap.String("fingerprint", id.Fingerprint()))
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	logger.Info("Generating new RSA identity")
	privateKey, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	if err := os.WriteFile(path, privatePEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to save private key: %w", err)
	}
	return newIdentity(privateKey)
}

func parseIdentity(data []byte) (*Identity, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to parse private key PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newIdentity(privateKey)
}

func newIdentity(privateKey *rsa.PrivateKey) (*Identity, error) {
	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return &Identity{
		privateKey: privateKey,
		publicPEM: string(pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: der,
		})),
	}, nil
}

// PublicKeyPEM returns the PEM-encoded public key
func (id *Identity) PublicKeyPEM() string {
	return id.publicPEM
}

// Fingerprint is a short hex digest of the public key
func (id *Identity) Fingerprint() string {
	return Fingerprint(&id.privateKey.PublicKey)
}

// Fingerprint returns the first 8 bytes of the SHA-256 of key's DER form
func Fingerprint(key *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}

// ParsePublicKeyPEM decodes a public key announced by a peer
func ParsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("failed to parse public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaKey, nil
}
