// Package security manages CURVE key material for encrypted sockets.
// Certificates are stored as small key-value files so that keys generated
// by other tooling can be dropped in.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	zmq "github.com/pebbe/zmq4"
)

const (
	PublicKeysDir  = "public_keys"
	PrivateKeysDir = "private_keys"
)

// Certificate is a CURVE keypair. Secret is empty for public-only certs.
type Certificate struct {
	Public string
	Secret string
}

// NewCertificate generates a fresh CURVE keypair.
func NewCertificate() (*Certificate, error) {
	public, secret, err := zmq.NewCurveKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate curve keypair: %w", err)
	}
	return &Certificate{Public: public, Secret: secret}, nil
}

// Save writes the certificate under dir: public part to
// public_keys/<name>.key and, when the secret is present, the full pair
// to private_keys/<name>.key_secret.
func (c *Certificate) Save(dir, name string) error {
	publicDir := filepath.Join(dir, PublicKeysDir)
	if err := os.MkdirAll(publicDir, 0o755); err != nil {
		return err
	}
	public := fmt.Sprintf("public-key = %q\n", c.Public)
	if err := os.WriteFile(filepath.Join(publicDir, name+".key"), []byte(public), 0o644); err != nil {
		return err
	}
	if c.Secret == "" {
		return nil
	}
	privateDir := filepath.Join(dir, PrivateKeysDir)
	if err := os.MkdirAll(privateDir, 0o700); err != nil {
		return err
	}
	full := public + fmt.Sprintf("secret-key = %q\n", c.Secret)
	return os.WriteFile(filepath.Join(privateDir, name+".key_secret"), []byte(full), 0o600)
}

// LoadCertificate parses a certificate file written by Save.
func LoadCertificate(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cert := &Certificate{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.TrimSpace(key) {
		case "public-key":
			cert.Public = value
		case "secret-key":
			cert.Secret = value
		}
	}
	if cert.Public == "" {
		return nil, fmt.Errorf("no public key in %s", path)
	}
	return cert, nil
}

// LoadOrCreate returns the certificate named name under dir, generating
// and saving a fresh one when none exists.
func LoadOrCreate(dir, name string) (*Certificate, error) {
	path := filepath.Join(dir, PrivateKeysDir, name+".key_secret")
	if _, err := os.Stat(path); err == nil {
		return LoadCertificate(path)
	}
	cert, err := NewCertificate()
	if err != nil {
		return nil, err
	}
	if err := cert.Save(dir, name); err != nil {
		return nil, err
	}
	return cert, nil
}

// StartBrokerAuth starts the ZAP handler and allows any client holding
// a valid CURVE key. The socket must have ServerAuthCurve applied by the
// caller before bind.
func StartBrokerAuth() error {
	if err := zmq.AuthStart(); err != nil {
		return fmt.Errorf("start zmq auth: %w", err)
	}
	zmq.AuthCurveAdd("*", zmq.CURVE_ALLOW_ANY)
	return nil
}

// StopBrokerAuth shuts the ZAP handler down.
func StopBrokerAuth() {
	zmq.AuthStop()
}

// BrokerPublicKeyPath is where workers and clients look for the broker's
// public key after an out-of-band copy.
func BrokerPublicKeyPath(dir string) string {
	return filepath.Join(dir, PublicKeysDir, "broker.key")
}
