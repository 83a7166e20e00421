// Package security owns the local TLS identity and the pinned-peer trust
// decisions made during every handshake.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	privateKeyFile  = "private_key.pem"
	publicKeyFile   = "public_key.pem"
	certificateFile = "certificate.pem"
	fingerprintFile = "fingerprint.txt"

	rsaKeyBits = 2048
	// certValidity matches the ten-year self-signed certificate lifetime.
	certValidity = 10 * 365 * 24 * time.Hour
)

// SecurityContext holds the local key pair, certificate, and fingerprint.
// It is created on first run and loaded from disk afterwards.
type SecurityContext struct {
	PrivateKeyPEM  []byte
	PublicKeyPEM   []byte
	CertificatePEM []byte
	Fingerprint    string
}

// FingerprintOf returns the lowercase hex SHA-256 digest of a certificate's
// PEM encoding. 64 characters, stable across restarts.
func FingerprintOf(certificatePEM []byte) string {
	sum := sha256.Sum256(certificatePEM)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4
// uppercase chars for display during pairing.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

// EnsureSecurityContext loads the persisted identity from certsDir,
// generating and persisting a fresh one on first run.
func EnsureSecurityContext(certsDir string) (*SecurityContext, error) {
	ctx, err := loadSecurityContext(certsDir)
	if err == nil {
		return ctx, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	ctx, err = generateSecurityContext()
	if err != nil {
		return nil, err
	}
	if err := persistSecurityContext(certsDir, ctx); err != nil {
		return nil, err
	}

	return ctx, nil
}

func loadSecurityContext(certsDir string) (*SecurityContext, error) {
	privateKeyPEM, err := os.ReadFile(filepath.Join(certsDir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	publicKeyPEM, err := os.ReadFile(filepath.Join(certsDir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	certificatePEM, err := os.ReadFile(filepath.Join(certsDir, certificateFile))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	if _, err := tls.X509KeyPair(certificatePEM, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("parse stored key pair: %w", err)
	}

	ctx := &SecurityContext{
		PrivateKeyPEM:  privateKeyPEM,
		PublicKeyPEM:   publicKeyPEM,
		CertificatePEM: certificatePEM,
		Fingerprint:    FingerprintOf(certificatePEM),
	}

	// fingerprint.txt is derived state; rewrite it if it drifted.
	fingerprintPath := filepath.Join(certsDir, fingerprintFile)
	stored, err := os.ReadFile(fingerprintPath)
	if err != nil || strings.TrimSpace(string(stored)) != ctx.Fingerprint {
		if err := atomicWriteFile(fingerprintPath, []byte(ctx.Fingerprint+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("rewrite fingerprint file: %w", err)
		}
	}

	return ctx, nil
}

func generateSecurityContext() (*SecurityContext, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "lansend"
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:         hostname,
			Organization:       []string{"LanSend"},
			OrganizationalUnit: []string{"Self-Signed"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}

	certificatePEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	ctx := &SecurityContext{
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		PublicKeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}),
		CertificatePEM: certificatePEM,
		Fingerprint:    FingerprintOf(certificatePEM),
	}

	return ctx, nil
}

func persistSecurityContext(certsDir string, ctx *SecurityContext) error {
	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return fmt.Errorf("create certs directory: %w", err)
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{privateKeyFile, ctx.PrivateKeyPEM, 0o600},
		{publicKeyFile, ctx.PublicKeyPEM, 0o600},
		{certificateFile, ctx.CertificatePEM, 0o600},
		{fingerprintFile, []byte(ctx.Fingerprint + "\n"), 0o600},
	}

	for _, f := range files {
		if err := atomicWriteFile(filepath.Join(certsDir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("persist %s: %w", f.name, err)
		}
	}

	return nil
}

func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, mode); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}
