package shihuatong

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// CryptoError reports malformed key material, padding or ciphertext.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return "shihuatong crypto " + e.Op + ": " + e.Err.Error() }
func (e *CryptoError) Unwrap() error { return e.Err }

// DecodeKeyMaterial base64-decodes the stored AES key and IV and checks their lengths.
func DecodeKeyMaterial(keyB64, ivB64 string) (key, iv []byte, err error) {
	key, err = base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, nil, &CryptoError{Op: "decode key", Err: err}
	}
	iv, err = base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, nil, &CryptoError{Op: "decode iv", Err: err}
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, nil, &CryptoError{Op: "decode key", Err: fmt.Errorf("invalid key length %d", len(key))}
	}
	if len(iv) != aes.BlockSize {
		return nil, nil, &CryptoError{Op: "decode iv", Err: fmt.Errorf("invalid iv length %d", len(iv))}
	}
	return key, iv, nil
}

// Encrypt PKCS#7-pads plaintext and encrypts it with AES-CBC, returning base64.
func Encrypt(plaintext, key, iv []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	if len(iv) != block.BlockSize() {
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("invalid iv length %d", len(iv))}
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertextB64 string, key, iv []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	if len(iv) != block.BlockSize() {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("invalid iv length %d", len(iv))}
	}
	if len(raw) == 0 || len(raw)%block.BlockSize() != 0 {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("ciphertext length %d not a multiple of block size", len(raw))}
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	return pkcs7Unpad(out, block.BlockSize())
}

// Sign returns base64(HMAC-SHA256(secret, data)).
func Sign(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ContentHash is the lowercased base64 SHA-256 of data. The same value goes
// into the signed string and the Content-sha256 header.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return strings.ToLower(base64.StdEncoding.EncodeToString(sum[:]))
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, &CryptoError{Op: "unpad", Err: fmt.Errorf("empty input")}
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, &CryptoError{Op: "unpad", Err: fmt.Errorf("invalid padding")}
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, &CryptoError{Op: "unpad", Err: fmt.Errorf("invalid padding")}
		}
	}
	return b[:len(b)-n], nil
}
