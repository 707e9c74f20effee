package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Build-time constants for client binaries, set with
//
//	-ldflags "-X licensegate/internal/license.publicKey=<base64> -X licensegate/internal/license.productID=<id>"
//
// They are deliberately not configurable at runtime.
var (
	publicKey string
	productID = "localendar-mvp"
)

const (
	privateKeyPEMType = "PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"

	// File names written by WriteKeyFiles.
	PrivateKeyFile = "license_private_key.pem"
	PublicKeyFile  = "license_public_key.txt"
	EnvExampleFile = ".env.example"
)

// KeyPair holds the issuer signing key and its public half.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// PublicKeyString returns the base64 public key, the value embedded into
// client builds.
func (k KeyPair) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// SeedString returns the base64 32-byte seed of the private key.
func (k KeyPair) SeedString() string {
	return base64.StdEncoding.EncodeToString(k.Private.Seed())
}

// Generate creates a fresh Ed25519 key pair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// KeyManager loads the issuer private key from external configuration.
// It is created once at startup and passed to the issuer explicitly.
type KeyManager struct {
	seed string
	path string
}

// NewKeyManager creates a key manager. seed is a base64 encoded 32-byte
// seed or 64-byte private key; path points at a PEM or base64 key file.
// The inline seed wins when both are set.
func NewKeyManager(seed, path string) *KeyManager {
	return &KeyManager{
		seed: strings.TrimSpace(seed),
		path: strings.TrimSpace(path),
	}
}

// LoadPrivate returns the configured private key. Missing or unusable key
// material is reported as ErrConfig.
func (km *KeyManager) LoadPrivate() (ed25519.PrivateKey, error) {
	switch {
	case km.seed != "":
		return parsePrivateKey([]byte(km.seed))
	case km.path != "":
		data, err := os.ReadFile(km.path)
		if err != nil {
			return nil, fmt.Errorf("%w: read private key file %s: %v", ErrConfig, km.path, err)
		}
		return parsePrivateKey(data)
	default:
		return nil, fmt.Errorf("%w: no private key configured", ErrConfig)
	}
}

// LoadKeyPair returns the private key together with its public half.
func (km *KeyManager) LoadKeyPair() (KeyPair, error) {
	priv, err := km.LoadPrivate()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// parsePrivateKey accepts a PEM block or bare base64 (standard or URL
// alphabet) holding either a seed or a full private key.
func parsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	var raw []byte
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != privateKeyPEMType {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrConfig, block.Type)
		}
		raw = block.Bytes
	} else {
		decoded, err := decodeBase64(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: private key is not valid base64: %v", ErrConfig, err)
		}
		raw = decoded
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !priv.Equal(ed25519.PrivateKey(raw)) {
			return nil, fmt.Errorf("%w: private key public half does not match its seed", ErrConfig)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: private key must be %d or %d bytes, got %d",
			ErrConfig, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// ParsePublicKey decodes a base64 or PEM encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	var raw []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		if block.Type != publicKeyPEMType {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		raw = block.Bytes
	} else {
		decoded, err := decodeBase64(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("public key is not valid base64: %w", err)
		}
		raw = decoded
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EmbeddedPublicKey returns the public key compiled into this binary.
func EmbeddedPublicKey() (ed25519.PublicKey, error) {
	if publicKey == "" {
		return nil, errors.New("no public key embedded in this build")
	}
	return ParsePublicKey(publicKey)
}

// EmbeddedProductID returns the product identifier compiled into this
// binary.
func EmbeddedProductID() string {
	return productID
}

// WriteKeyFiles writes a freshly generated key pair into dir: the private
// key as PEM (0600), the public key as base64 text (0644) and an env
// example for the issuer. An existing private key is only replaced when
// force is set, since that invalidates every issued token.
func WriteKeyFiles(dir string, kp KeyPair, force bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create key directory %s: %w", dir, err)
	}

	privPath := filepath.Join(dir, PrivateKeyFile)
	if _, err := os.Stat(privPath); err == nil && !force {
		return fmt.Errorf("private key %s already exists", privPath)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: kp.Private.Seed()})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	pubPath := filepath.Join(dir, PublicKeyFile)
	if err := os.WriteFile(pubPath, []byte(kp.PublicKeyString()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	env := fmt.Sprintf("LICENSE_ISSUER_PRIVATE_KEY_FILE=%s\nLICENSE_ISSUER_PRODUCT_ID=%s\nLICENSE_SERVER_PORT=3001\n",
		PrivateKeyFile, EmbeddedProductID())
	if err := os.WriteFile(filepath.Join(dir, EnvExampleFile), []byte(env), 0o644); err != nil {
		return fmt.Errorf("failed to write env example: %w", err)
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
