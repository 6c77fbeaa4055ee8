package security

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestSignGoldenVector(t *testing.T) {
	a, err := NewAuthenticator("12345")
	if err != nil {
		t.Fatal(err)
	}

	want, _ := hex.DecodeString("23b0431cd43544fc9ed7e686011d7ea2d80cbd17af43df970bd389e385fefbc0")
	got := a.Sign([]byte("a"), []byte("b"), []byte("c"))
	if !bytes.Equal(got, want) {
		t.Fatalf("digest mismatch:\n got %x\nwant %x", got, want)
	}
	if len(got) != DigestSize {
		t.Fatalf("expected %d-byte digest, got %d", DigestSize, len(got))
	}
}

func TestNewAuthenticatorInvalidKey(t *testing.T) {
	if _, err := NewAuthenticator(string([]byte{0xff, 0xfe})); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestNewAuthenticatorEmptyKey(t *testing.T) {
	a, err := NewAuthenticator("")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Sign([]byte("x"))) != DigestSize {
		t.Fatal("empty key should still sign")
	}
}

func TestSignReusable(t *testing.T) {
	a, _ := NewAuthenticator("reuse")

	first := a.Sign([]byte("a"), []byte("b"))
	_ = a.Sign([]byte("something"), []byte("else"))
	second := a.Sign([]byte("a"), []byte("b"))
	if !bytes.Equal(first, second) {
		t.Fatal("authenticator state leaked between Sign calls")
	}
}

func TestSignSensitiveToEveryByte(t *testing.T) {
	a, _ := NewAuthenticator("12345")
	parts := [][]byte{[]byte("header"), []byte("parent"), []byte("meta"), []byte("content")}
	base := a.Sign(parts...)

	for i := range parts {
		for j := range parts[i] {
			mutated := make([][]byte, len(parts))
			for k := range parts {
				mutated[k] = bytes.Clone(parts[k])
			}
			mutated[i][j] ^= 0x01
			if bytes.Equal(a.Sign(mutated...), base) {
				t.Fatalf("flipping part %d byte %d did not change digest", i, j)
			}
		}
	}
}

func TestSignOrderMatters(t *testing.T) {
	a, _ := NewAuthenticator("k")
	if bytes.Equal(a.Sign([]byte("ab"), []byte("c")), a.Sign([]byte("c"), []byte("ab"))) {
		t.Fatal("part order should change the digest")
	}
}

func TestVerify(t *testing.T) {
	a, _ := NewAuthenticator("k")
	sig := a.Sign([]byte("a"), []byte("b"))

	if !a.Verify(sig, []byte("a"), []byte("b")) {
		t.Fatal("valid signature should verify")
	}
	if a.Verify(sig, []byte("a"), []byte("c")) {
		t.Fatal("changed part should not verify")
	}
	if a.Verify(sig[:16], []byte("a"), []byte("b")) {
		t.Fatal("truncated signature should not verify")
	}

	other, _ := NewAuthenticator("other")
	if other.Verify(sig, []byte("a"), []byte("b")) {
		t.Fatal("different key should not verify")
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(k1) != 2*KeySize {
		t.Fatalf("expected %d hex chars, got %d", 2*KeySize, len(k1))
	}
	k2, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k2 {
		t.Fatal("two generated keys should not be equal")
	}
}

func TestComputeAndVerifyToken(t *testing.T) {
	key := []byte("test-key")
	material := []byte("tls-exporter-material-for-test")

	token := ComputeAuthToken(key, material)
	if !VerifyAuthToken(key, material, token) {
		t.Fatal("valid token should verify")
	}
	if VerifyAuthToken([]byte("wrong"), material, token) {
		t.Fatal("wrong key should not verify")
	}
	if VerifyAuthToken(key, []byte("other-session"), token) {
		t.Fatal("different TLS session material should not verify")
	}

	token[0] ^= 0xFF
	if VerifyAuthToken(key, material, token) {
		t.Fatal("tampered token should not verify")
	}
}

func TestKeyReturnsCopy(t *testing.T) {
	a, err := NewAuthenticator("secret")
	if err != nil {
		t.Fatal(err)
	}
	k := a.Key()
	if string(k) != "secret" {
		t.Fatalf("Key() = %q", k)
	}
	k[0] = 'X'
	if string(a.Key()) != "secret" {
		t.Fatal("mutating the returned key changed the authenticator")
	}
}
