package canopy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ZoneKey is a zone's identity key: an ECDSA P256 key with a printable
// fingerprint. NewService does not generate one and neither transport
// handshake carries one; callers create and exchange it themselves.
type ZoneKey struct {
	priv *ecdsa.PrivateKey
	pub  ssh.PublicKey
}

// GenerateZoneKey creates a fresh ECDSA P256 identity key for a zone.
func GenerateZoneKey() (*ZoneKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &ZoneKey{priv: priv, pub: pub}, nil
}

// PEM encodes the private key for storage or transmission during a
// handshake that pins a long-lived zone identity across restarts.
func (k *ZoneKey) PEM() ([]byte, error) {
	b, err := x509.MarshalECPrivateKey(k.priv)
	if err != nil {
		return nil, fmt.Errorf("marshal zone key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}

// Fingerprint returns a colon-separated MD5 fingerprint of the public key,
// the value a peer transport logs and can optionally pin across reconnects.
func (k *ZoneKey) Fingerprint() string {
	return FingerprintPublicKey(k.pub)
}

// FingerprintPublicKey returns a standard colon-separated MD5 fingerprint
// for an SSH-encoded public key.
func FingerprintPublicKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}
