package web

import (
	"bytes"
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

func writeKeyPair(t *testing.T, dir, commonName string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestTLSFilesValidation(t *testing.T) {
	cfg, err := TLSFiles{}.Config()
	if err != nil || cfg != nil {
		t.Fatalf("expected no TLS when unset, got %v, %v", cfg, err)
	}
	if _, err := (TLSFiles{Cert: "cert.pem"}).Config(); err == nil {
		t.Fatal("expected error for cert without key")
	}
	missing := filepath.Join(t.TempDir(), "missing.pem")
	if _, err := (TLSFiles{Cert: missing, Key: missing}).Config(); err == nil {
		t.Fatal("expected error for unreadable key pair")
	}
}

func TestTLSFilesClientCA(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir, "admitq")
	cfg, err := TLSFiles{Cert: certFile, Key: keyFile, ClientCA: certFile}.Config()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Fatal("expected mutual TLS to be required")
	}
	if _, err := (TLSFiles{Cert: certFile, Key: keyFile, ClientCA: keyFile}).Config(); err == nil {
		t.Fatal("expected error for client CA without certificates")
	}
}

func TestTLSFilesReloadRotatedCert(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir, "first")
	cfg, err := TLSFiles{Cert: certFile, Key: keyFile}.Config()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := cfg.GetCertificate(nil)
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}

	writeKeyPair(t, dir, "second")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(certFile, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	second, err := cfg.GetCertificate(nil)
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	if bytes.Equal(first.Certificate[0], second.Certificate[0]) {
		t.Fatal("expected rotated certificate to be served")
	}

	if err := os.WriteFile(certFile, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	evenLater := later.Add(time.Minute)
	if err := os.Chtimes(certFile, evenLater, evenLater); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	kept, err := cfg.GetCertificate(nil)
	if err != nil || !bytes.Equal(kept.Certificate[0], second.Certificate[0]) {
		t.Fatalf("expected previous certificate on a broken rotation, got %v", err)
	}
}
