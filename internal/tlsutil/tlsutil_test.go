package tlsutil

import (
	"crypto/tls"
	"testing"
	"time"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tls.VersionTLS12)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("CipherSuites should not be empty")
	}
	// Verify all cipher suites are AEAD
	for _, cs := range cfg.CipherSuites {
		switch cs {
		case tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305:
			// OK: AEAD cipher suite
		default:
			t.Errorf("unexpected non-AEAD cipher suite: %d", cs)
		}
	}
}

func TestSecureTransport(t *testing.T) {
	tr := SecureTransport()
	if tr.TLSClientConfig == nil {
		t.Fatal("TLSClientConfig should not be nil")
	}
	if tr.TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("Transport TLS MinVersion = %d, want %d",
			tr.TLSClientConfig.MinVersion, tls.VersionTLS12)
	}

	// h2 must be wired explicitly rather than via ForceAttemptHTTP2
	if _, ok := tr.TLSNextProto["h2"]; !ok {
		t.Error("transport should register an h2 handler")
	}
	advertised := false
	for _, proto := range tr.TLSClientConfig.NextProtos {
		if proto == "h2" {
			advertised = true
		}
	}
	if !advertised {
		t.Error("TLS config should advertise h2 via ALPN")
	}
}

func TestSecureHTTPClient(t *testing.T) {
	timeout := 15 * time.Second
	client := SecureHTTPClient(timeout)
	if client.Timeout != timeout {
		t.Errorf("Timeout = %v, want %v", client.Timeout, timeout)
	}
	if client.Transport == nil {
		t.Fatal("Transport should not be nil")
	}
}
