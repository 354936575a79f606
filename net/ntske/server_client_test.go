package ntske

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/thekuwayama/cfnts/net/rotation"
)

func generateSelfSigned(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, cert
}

func TestNTSKEHappyPath(t *testing.T) {
	tlsCert, cert := generateSelfSigned(t)

	engine := rotation.New(rotation.Config{MasterKey: make([]byte, 32)}, nil)
	if err := engine.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
	})
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer listener.Close()

	srv := &Server{Rotation: engine, NumCookies: 8, NextPort: DefaultNTPPort}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		tlsConn := conn.(*tls.Conn)
		_ = srv.HandleConnection(tlsConn)
		tlsConn.Close()
	}()

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatalf("LookupPort: %v", err)
	}

	result, err := Exchange(ClientConfig{
		Host:        "127.0.0.1",
		Port:        uint16(port),
		TrustedCert: cert,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if len(result.Cookies) != 8 {
		t.Fatalf("got %d cookies, want 8", len(result.Cookies))
	}
	if result.AEADScheme != AESSIVCMAC256 {
		t.Fatalf("got AEAD scheme %d, want %d", result.AEADScheme, AESSIVCMAC256)
	}
	if result.NextPort != DefaultNTPPort {
		t.Fatalf("got next port %d, want %d", result.NextPort, DefaultNTPPort)
	}
	if result.Keys.C2S == ([32]byte{}) {
		t.Fatal("expected non-zero c2s key")
	}
}
