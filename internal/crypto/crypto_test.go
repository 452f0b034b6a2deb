package crypto

import (
	"testing"

	"github.com/fernet/fernet-go"
)

func testKey(t *testing.T) string {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k.Encode()
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := NewBox(testKey(t))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}

	enc, err := box.Encrypt("signing-secret-value")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if enc == "signing-secret-value" {
		t.Fatal("Encrypt() returned plaintext")
	}

	dec, err := box.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if dec != "signing-secret-value" {
		t.Fatalf("Decrypt() = %q, want original secret", dec)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	box, err := NewBox(testKey(t))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	if _, err := box.Decrypt("not-a-fernet-token"); err == nil {
		t.Fatal("Decrypt() accepted garbage input")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	box1, err := NewBox(testKey(t))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	box2, err := NewBox(testKey(t))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}

	enc, err := box1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := box2.Decrypt(enc); err == nil {
		t.Fatal("Decrypt() accepted ciphertext from a different key")
	}
}

func TestNewBoxRejectsBadKey(t *testing.T) {
	if _, err := NewBox("short"); err == nil {
		t.Fatal("NewBox() accepted an undecodable key")
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abcdef123456"); got != "****3456" {
		t.Fatalf("Mask() = %q", got)
	}
	if got := Mask("ab"); got != "****" {
		t.Fatalf("Mask() short = %q", got)
	}
	if got := Mask(""); got != "" {
		t.Fatalf("Mask() empty = %q", got)
	}
}
