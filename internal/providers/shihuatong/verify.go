package shihuatong

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

var (
	ErrBadSignature = errors.New("signature mismatch")
	ErrBadHash      = errors.New("content hash mismatch")
)

var authRe = regexp.MustCompile(`accesskey="([^"]*)".*signature="([^"]*)"`)

// VerifyRequest checks the signing headers of an incoming push against body
// and returns the decrypted envelope. It is the receiving half of Client.Send.
func VerifyRequest(h http.Header, body []byte, creds Credentials) (Envelope, error) {
	hash := h.Get("Content-sha256")
	if hash == "" || hash != ContentHash(body) {
		return Envelope{}, ErrBadHash
	}
	m := authRe.FindStringSubmatch(h.Get("Authorization"))
	if m == nil || m[1] != creds.AppKey {
		return Envelope{}, ErrBadSignature
	}
	expected := Sign(StringToSign(h.Get("X-Date"), hash), creds.AppSecret)
	if !hmac.Equal([]byte(expected), []byte(m[2])) {
		return Envelope{}, ErrBadSignature
	}

	var rb RequestBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return Envelope{}, fmt.Errorf("decode body: %w", err)
	}
	if rb.AppCode != creds.AppCode {
		return Envelope{}, fmt.Errorf("unknown appCode %q", rb.AppCode)
	}
	key, iv, err := DecodeKeyMaterial(creds.AESKey, creds.AESIV)
	if err != nil {
		return Envelope{}, err
	}
	plain, err := Decrypt(rb.Content, key, iv)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return Envelope{}, &CryptoError{Op: "decode envelope", Err: err}
	}
	return env, nil
}
