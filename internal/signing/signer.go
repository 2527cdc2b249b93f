// Package signing signs and verifies migration packages with RSA-PSS over
// SHA-256. Signatures travel base64-encoded next to the payload; verification
// never reports why it failed, only that it did.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// MinKeyBits is the smallest accepted RSA modulus size.
const MinKeyBits = 2048

// Verifier checks package signatures. Split from Signer so importers only
// needing verification can take the narrow dependency.
type Verifier interface {
	Verify(data []byte, signature string) bool
}

// Signer holds the RSA keypair for package signing
type Signer struct {
	key *rsa.PrivateKey
}

// Generate creates a signer with a fresh RSA key
func Generate(bits int) (*Signer, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("signing: key size %d below minimum %d", bits, MinKeyBits)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}

	return &Signer{key: key}, nil
}

// LoadFromFile loads a PEM encoded PKCS#1 private key
func LoadFromFile(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read key file: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("signing: %s does not contain an RSA private key", path)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse key: %w", err)
	}

	if key.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("signing: key in %s is %d bits, minimum is %d", path, key.N.BitLen(), MinKeyBits)
	}

	return &Signer{key: key}, nil
}

// LoadOrGenerate loads the key at path, generating and persisting a new one
// when the file does not exist.
func LoadOrGenerate(path string, bits int) (*Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadFromFile(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("signing: stat key file: %w", err)
	}

	s, err := Generate(bits)
	if err != nil {
		return nil, err
	}

	if err := s.SaveToFile(path); err != nil {
		return nil, err
	}

	return s, nil
}

// SaveToFile writes the private key as PEM, readable only by the owner.
func (s *Signer) SaveToFile(path string) error {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(s.key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("signing: write key file: %w", err)
	}
	return nil
}

// Sign returns the base64 RSA-PSS signature over data.
func (s *Signer) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)

	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("signing: sign: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid RSA-PSS signature over data.
// Any failure, from base64 decoding to the PSS check itself, returns false.
func (s *Signer) Verify(data []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(data)

	err = rsa.VerifyPSS(&s.key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

// PublicKeyPEM exports the public key as PEM (PKIX SubjectPublicKeyInfo),
// the format exchanged with remote instances ahead of a transfer.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("signing: marshal public key: %w", err)
	}

	block := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// KeyBits returns the modulus size of the loaded key.
func (s *Signer) KeyBits() int {
	return s.key.N.BitLen()
}
