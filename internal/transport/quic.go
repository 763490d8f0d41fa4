// Package transport owns the QUIC plumbing shared by the hub and the
// outbound client: a deterministic dev certificate, the ALPN tag, and
// listen/dial helpers. One bidirectional stream per connection carries
// length-prefixed envelope frames.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

const alpn = "syncbridge-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a stable self-signed certificate from a fixed seed so
// hub and client agree without provisioning. Production deployments replace
// this with real certificates via the TLS overrides below.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("syncbridge-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// ServerTLSConfig returns the hub-side TLS config.
func ServerTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// ClientTLSConfig returns the dialing-side TLS config, trusting the dev
// certificate only.
func ClientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpn},
	}, nil
}

// Listen opens the hub's QUIC listener.
func Listen(addr string) (*quic.Listener, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return quic.ListenAddr(addr, tlsConf, nil)
}

// Dial connects to the hub and opens the envelope stream. The stream is
// opened eagerly so the hub's accept loop sees it immediately.
func Dial(ctx context.Context, addr string) (*quic.Conn, *quic.Stream, error) {
	tlsConf, err := ClientTLSConfig()
	if err != nil {
		return nil, nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, nil, err
	}
	return conn, stream, nil
}
