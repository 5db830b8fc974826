package gateway

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

// encryptToken builds a token the way the web frontend does: JWT plaintext,
// AES-256-CBC with PKCS7 padding, wrapped in a base64 {iv, value} envelope.
func encryptToken(t *testing.T, key []byte, plaintext string) string {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append([]byte(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)

	iv := bytes.Repeat([]byte{0x24}, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	envelope, err := json.Marshal(map[string]string{
		"iv":    base64.StdEncoding.EncodeToString(iv),
		"value": base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(envelope)
}

func testJWT(t *testing.T, claims string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(claims))
	return header + "." + payload + ".unverified-signature"
}

func TestTokenAuthenticatorUserID(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	a := &TokenAuthenticator{Header: "spark_token", CipherKey: key}

	tests := []struct {
		name   string
		claims string
		want   string
	}{
		{"string sub", `{"sub":"user-42"}`, "user-42"},
		{"numeric sub", `{"sub":42}`, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := encryptToken(t, key, testJWT(t, tt.claims))
			r := httptest.NewRequest("GET", "/ws/chat", nil)
			r.Header.Set("spark_token", token)

			got, err := a.UserID(r)
			if err != nil {
				t.Fatalf("UserID: %v", err)
			}
			if got != tt.want {
				t.Fatalf("UserID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTokenAuthenticatorRejects(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	wrongKey := bytes.Repeat([]byte{0x08}, 32)
	a := &TokenAuthenticator{Header: "spark_token", CipherKey: key}

	tests := []struct {
		name  string
		token string
	}{
		{"missing header", ""},
		{"not base64", "%%%"},
		{"wrong key", encryptToken(t, wrongKey, testJWT(t, `{"sub":"u"}`))},
		{"plaintext not a jwt", encryptToken(t, key, "just some text")},
		{"missing sub claim", encryptToken(t, key, testJWT(t, `{"aud":"x"}`))},
		{"empty sub", encryptToken(t, key, testJWT(t, `{"sub":""}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws/chat", nil)
			if tt.token != "" {
				r.Header.Set("spark_token", tt.token)
			}
			if _, err := a.UserID(r); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestNewTokenAuthenticatorKeyValidation(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := NewTokenAuthenticator("spark_token", short); err == nil {
		t.Fatal("expected error for a non-32-byte key")
	}

	ok := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	a, err := NewTokenAuthenticator("", ok)
	if err != nil {
		t.Fatalf("NewTokenAuthenticator: %v", err)
	}
	if a.Header != "spark_token" {
		t.Fatalf("default header = %q", a.Header)
	}
}
