package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	e, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	plaintext := []byte("sk-ant-secret-token")
	ciphertext, err := e.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains the plaintext")
	}

	decrypted, err := e.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	e, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	a, err := e.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := e.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestNewEncryptorRejectsBadKey(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33} {
		if _, err := NewEncryptor(make([]byte, size)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key size %d: err = %v, want ErrInvalidKey", size, err)
		}
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	e, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	if _, err := e.Decrypt([]byte("tiny")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	e1, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	otherKey := testKey()
	otherKey[0] ^= 0xff
	e2, err := NewEncryptor(otherKey)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	ciphertext, err := e1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := e2.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}

	// Tampering breaks authentication the same way.
	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err := e1.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered err = %v, want ErrDecryptionFailed", err)
	}
}

func TestJSONRoundtrip(t *testing.T) {
	e, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	type creds struct {
		Token string `json:"token"`
		Model string `json:"model"`
	}
	in := creds{Token: "tok-123", Model: "opus"}

	ciphertext, err := e.EncryptJSON(in)
	if err != nil {
		t.Fatalf("EncryptJSON failed: %v", err)
	}
	var out creds
	if err := e.DecryptJSON(ciphertext, &out); err != nil {
		t.Fatalf("DecryptJSON failed: %v", err)
	}
	if out != in {
		t.Errorf("roundtrip = %+v, want %+v", out, in)
	}
}
