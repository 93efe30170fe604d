package cipher

import (
	"bytes"
	"testing"
)

func testSettings(method, obfsName string) Settings {
	return Settings{
		Method:   method,
		Password: "context-test",
		Protocol: "origin",
		Obfs:     obfsName,
		Host:     "relay.example.org",
		Port:     8388,
	}
}

func TestContextRoundTrip(t *testing.T) {
	// A second context with the same settings stands in for the relay's
	// decrypting end.
	client, err := NewContext(testSettings("chacha20-ietf", "plain"), 1452)
	if err != nil {
		t.Fatalf("NewContext(client) error = %v", err)
	}
	relay, err := NewContext(testSettings("chacha20-ietf", "plain"), 1452)
	if err != nil {
		t.Fatalf("NewContext(relay) error = %v", err)
	}

	for _, payload := range [][]byte{
		[]byte("destination record"),
		[]byte("request body"),
		bytes.Repeat([]byte{0x55}, 2000),
	} {
		wire, err := client.Encrypt(payload)
		if err != nil {
			t.Fatalf("Encrypt error = %v", err)
		}
		plain, sendback, err := relay.Decrypt(wire)
		if err != nil {
			t.Fatalf("Decrypt error = %v", err)
		}
		if sendback != nil {
			t.Fatal("plain obfs produced a sendback frame")
		}
		if !bytes.Equal(plain, payload) {
			t.Errorf("round trip mismatch: got %d bytes, want %d", len(plain), len(payload))
		}
	}
}

func TestContextNeedFeedback(t *testing.T) {
	tests := []struct {
		obfs string
		want bool
	}{
		{"plain", false},
		{"http-simple", false},
		{"tls-ticket", true},
	}

	for _, tt := range tests {
		t.Run(tt.obfs, func(t *testing.T) {
			ctx, err := NewContext(testSettings("none", tt.obfs), 1452)
			if err != nil {
				t.Fatalf("NewContext error = %v", err)
			}
			if got := ctx.NeedFeedback(); got != tt.want {
				t.Errorf("NeedFeedback() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContextServerInfo(t *testing.T) {
	ctx, err := NewContext(testSettings("none", "plain"), 1452)
	if err != nil {
		t.Fatal(err)
	}

	info := ctx.ServerInfo()
	if info.Host != "relay.example.org" {
		t.Errorf("Host = %q", info.Host)
	}
	if info.MTU != 1452 {
		t.Errorf("MTU = %d, want 1452", info.MTU)
	}

	// Seeding must stick: the tunnel writes these before the first payload.
	info.BufferSize = 16 * 1024
	info.HeadLen = 7
	if ctx.ServerInfo().BufferSize != 16*1024 {
		t.Error("BufferSize seed did not persist")
	}
}

func TestContextUnknownSettings(t *testing.T) {
	if _, err := NewContext(testSettings("rot13", "plain"), 1452); err == nil {
		t.Error("unknown method accepted")
	}
	if _, err := NewContext(testSettings("none", "nope"), 1452); err == nil {
		t.Error("unknown obfs accepted")
	}
	bad := testSettings("none", "plain")
	bad.Protocol = "nope"
	if _, err := NewContext(bad, 1452); err == nil {
		t.Error("unknown protocol accepted")
	}
}

func TestContextReleaseIdempotent(t *testing.T) {
	ctx, err := NewContext(testSettings("aes-128-ctr", "plain"), 1452)
	if err != nil {
		t.Fatal(err)
	}
	ctx.Release()
	ctx.Release()
}
