// Package vault encrypts credential payloads at rest and generates SSH key
// pairs. Ciphertext is bound to the owning credential's id: the fernet key
// for each row is derived from the master key with the credential id as
// HKDF info, so a token copied under another id fails verification instead
// of decrypting to the wrong plaintext.
package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ssh"
)

// Key pair kinds accepted by GenerateKeyPair.
const (
	KindEd25519 = "ed25519"
	KindRSA4096 = "rsa-4096"
)

// ErrNoMasterKey is returned when a credential operation is attempted
// without a configured master key. There is no default-key fallback.
var ErrNoMasterKey = errors.New("vault: master key not configured")

// ErrInvalidToken is returned when a ciphertext fails verification, which
// includes decrypting under a different credential id than it was
// encrypted for.
var ErrInvalidToken = errors.New("vault: invalid token")

// Vault performs pure encrypt/decrypt/keygen transformations. It holds no
// connections and never persists anything itself.
type Vault struct {
	masterKey string
}

// New creates a Vault around the configured master key. An empty or
// malformed key is not rejected here; it surfaces as a configuration
// error from the first credential operation.
func New(masterKey string) *Vault {
	return &Vault{masterKey: strings.TrimSpace(masterKey)}
}

// credentialKey derives the per-credential fernet key from the master key
// and the credential's own id.
func (v *Vault) credentialKey(credentialID string) (*fernet.Key, error) {
	if v.masterKey == "" {
		return nil, ErrNoMasterKey
	}
	master, err := fernet.DecodeKey(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("vault: malformed master key: %w", err)
	}

	r := hkdf.New(sha256.New, master[:], nil, []byte("muxgate-credential:"+credentialID))
	var derived fernet.Key
	if _, err := io.ReadFull(r, derived[:]); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &derived, nil
}

// Encrypt seals the secret for the given credential id and returns the
// fernet token.
func (v *Vault) Encrypt(secret []byte, credentialID string) (string, error) {
	key, err := v.credentialKey(credentialID)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(secret, key)
	if err != nil {
		return "", fmt.Errorf("vault: encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a token previously sealed for the same credential id.
func (v *Vault) Decrypt(token, credentialID string) ([]byte, error) {
	key, err := v.credentialKey(credentialID)
	if err != nil {
		return nil, err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}

// KeyPair is the result of GenerateKeyPair. PrivateKeyPEM is the only
// secret part; PublicKey is OpenSSH authorized_keys format.
type KeyPair struct {
	PublicKey     string
	PrivateKeyPEM []byte
	Fingerprint   string
}

// GenerateKeyPair creates a new SSH key pair of the requested kind.
func GenerateKeyPair(kind string) (*KeyPair, error) {
	var priv interface{}
	var pub interface{}

	switch kind {
	case KindEd25519:
		p, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		priv, pub = k, p
	case KindRSA4096:
		k, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		priv, pub = k, &k.PublicKey
	default:
		return nil, fmt.Errorf("unsupported key kind %q", kind)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("create ssh public key: %w", err)
	}

	return &KeyPair{
		PublicKey:     string(ssh.MarshalAuthorizedKey(sshPub)),
		PrivateKeyPEM: privPEM,
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
	}, nil
}
