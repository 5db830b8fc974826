package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator resolves the user behind an incoming websocket request.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

// ErrInvalidToken covers every way a client token can fail to resolve.
var ErrInvalidToken = errors.New("invalid token")

// TokenAuthenticator decrypts the session token the web frontend sends: a
// base64 JSON envelope of {iv, value}, AES-256-CBC encrypted and PKCS7
// padded, whose plaintext is a JWT carrying the user id in the sub claim.
// The JWT signature was already checked upstream, so only the claim is read.
type TokenAuthenticator struct {
	Header    string
	CipherKey []byte
}

func NewTokenAuthenticator(header string, base64Key string) (*TokenAuthenticator, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode cipher key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cipher key must be 32 bytes, got %d", len(key))
	}
	if header == "" {
		header = "spark_token"
	}
	return &TokenAuthenticator{Header: header, CipherKey: key}, nil
}

func (a *TokenAuthenticator) UserID(r *http.Request) (string, error) {
	token := r.Header.Get(a.Header)
	if token == "" {
		return "", ErrInvalidToken
	}
	plaintext, err := a.decrypt(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	sub, err := jwtSubject(plaintext)
	if err != nil {
		return "", ErrInvalidToken
	}
	return sub, nil
}

func (a *TokenAuthenticator) decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	var envelope struct {
		IV    string `json:"iv"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return "", err
	}
	value, err := base64.StdEncoding.DecodeString(envelope.Value)
	if err != nil {
		return "", err
	}
	if len(iv) != aes.BlockSize || len(value) == 0 || len(value)%aes.BlockSize != 0 {
		return "", errors.New("malformed ciphertext")
	}

	block, err := aes.NewCipher(a.CipherKey)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(value))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, value)
	return pkcs7Unpad(plaintext)
}

func pkcs7Unpad(data []byte) (string, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return "", errors.New("bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return "", errors.New("bad padding")
		}
	}
	return string(data[:len(data)-n]), nil
}

// jwtSubject reads the sub claim from a JWT without verifying it.
func jwtSubject(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", errors.New("not a jwt")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", err
	}
	var claims struct {
		Sub any `json:"sub"`
	}
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return "", err
	}
	switch sub := claims.Sub.(type) {
	case string:
		if sub == "" {
			return "", errors.New("missing sub claim")
		}
		return sub, nil
	case json.Number:
		return sub.String(), nil
	default:
		return "", errors.New("missing sub claim")
	}
}
