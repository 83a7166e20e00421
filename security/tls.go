package security

import (
	"crypto/tls"
	"fmt"
)

// ServerTLSConfig builds the listener config. Every accepted handshake gets a
// per-connection clone whose verification callback knows the client's remote
// address, so pinned clients are checked and unpinned ones go through the
// registration policy.
func ServerTLSConfig(store *Store) (*tls.Config, error) {
	identity := store.Identity()
	certificate, err := tls.X509KeyPair(identity.CertificatePEM, identity.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}

	base := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequireAnyClientCert,
	}
	base.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		ip, port := remoteEndpoint(hello.Conn.RemoteAddr())

		perConn := base.Clone()
		perConn.VerifyPeerCertificate = store.verifyFor(ip, port)
		return perConn, nil
	}

	return base, nil
}

// ClientTLSConfig builds the dial config for one peer endpoint. Certificates
// here are self-signed, so chain verification is disabled and the fingerprint
// comparison in VerifyPeerCertificate is the entire trust decision.
func ClientTLSConfig(store *Store, ip string, port int) (*tls.Config, error) {
	identity := store.Identity()
	certificate, err := tls.X509KeyPair(identity.CertificatePEM, identity.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{certificate},
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: store.verifyFor(ip, port),
		Renegotiation:         tls.RenegotiateNever,
	}, nil
}
