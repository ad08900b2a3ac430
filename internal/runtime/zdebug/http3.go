package zdebug

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// certValidity is how long the generated debug certificate is valid.
const certValidity = 24 * time.Hour

func (s *DebugServer) listenQUIC(h http.Handler) (string, func(context.Context) error, error) {
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid debug address %q: %w", s.Addr, err)
	}
	if host == "" {
		host = "localhost"
	}
	tlsCfg, err := debugTLS(host, certValidity)
	if err != nil {
		return "", nil, err
	}

	pc, err := net.ListenPacket("udp", s.Addr)
	if err != nil {
		return "", nil, fmt.Errorf("debug listener: %w", err)
	}
	server := &http3.Server{TLSConfig: tlsCfg, Handler: h}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(pc)
	}()

	shutdown := func(ctx context.Context) error {
		err := server.Shutdown(ctx)
		_ = pc.Close()
		select {
		case <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return pc.LocalAddr().String(), shutdown, nil
}

// debugTLS builds a TLS 1.3 server config around a fresh self-signed P-256
// certificate for host.
func debugTLS(host string, validFor time.Duration) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("debug certificate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("debug certificate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("debug certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{http3.NextProtoH3},
	}, nil
}
