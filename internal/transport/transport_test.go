package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOptionsAddr(t *testing.T) {
	opts := Options{Host: "relay.example.org", Port: 8388}
	if got := opts.Addr(); got != "relay.example.org:8388" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestClientTLSConfigDefaults(t *testing.T) {
	cfg, err := clientTLSConfig(Options{Host: "relay.example.org", Port: 443})
	if err != nil {
		t.Fatalf("clientTLSConfig() error = %v", err)
	}

	if cfg.ServerName != "relay.example.org" {
		t.Errorf("ServerName = %q, want relay host", cfg.ServerName)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %#x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.InsecureSkipVerify {
		t.Error("verification skipped by default")
	}
}

func TestClientTLSConfigSNI(t *testing.T) {
	cfg, err := clientTLSConfig(Options{
		Host: "203.0.113.5",
		Port: 443,
		SNI:  "cdn.example.net",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerName != "cdn.example.net" {
		t.Errorf("ServerName = %q, want SNI override", cfg.ServerName)
	}
}

// selfSignedPEM generates a throwaway self-signed certificate.
func selfSignedPEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay.test"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestLoadCAPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, selfSignedPEM(t), 0644); err != nil {
		t.Fatal(err)
	}

	pool, err := LoadCAPool(path)
	if err != nil {
		t.Fatalf("LoadCAPool() error = %v", err)
	}
	if pool == nil {
		t.Fatal("LoadCAPool() returned nil pool")
	}
}

func TestLoadCAPoolErrors(t *testing.T) {
	if _, err := LoadCAPool(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("LoadCAPool(missing) succeeded")
	}

	path := filepath.Join(t.TempDir(), "junk.pem")
	os.WriteFile(path, []byte("not a certificate"), 0644)
	if _, err := LoadCAPool(path); err == nil {
		t.Error("LoadCAPool(junk) succeeded")
	}
}

func TestDialUnknownKind(t *testing.T) {
	if _, err := Dial(context.Background(), Kind("pigeon"), Options{Host: "x", Port: 1}); err == nil {
		t.Error("Dial(pigeon) succeeded")
	}
}

func TestDialRefused(t *testing.T) {
	// Nothing listens on this port; the dial must fail quickly rather than
	// hang.
	opts := Options{
		Host:               "127.0.0.1",
		Port:               1,
		InsecureSkipVerify: true,
		Timeout:            2 * time.Second,
	}
	if _, err := Dial(context.Background(), KindTLS, opts); err == nil {
		t.Error("Dial to a closed port succeeded")
	}
}
