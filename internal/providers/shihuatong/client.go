package shihuatong

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a single webhook POST.
	DefaultTimeout = 30 * time.Second

	gmtLayout = "Mon, 02 Jan 2006 15:04:05 GMT"
	// StatusAccepted is the gateway body status for an accepted push.
	StatusAccepted = "0"
)

// Credentials are the per-integration secrets needed to sign and encrypt.
type Credentials struct {
	WebhookURL string
	AppCode    string
	AppKey     string
	AppSecret  string
	AESKey     string // base64
	AESIV      string // base64
}

// RequestBody is the JSON posted to the webhook.
type RequestBody struct {
	Content string `json:"content"`
	AppCode string `json:"appCode"`
}

// Response is the gateway's JSON answer.
type Response struct {
	Status     string `json:"status"`
	FailureMsg string `json:"failureMsg"`
}

// Result is what came back from one POST, successful or not.
type Result struct {
	Request    RequestBody
	HTTPStatus int
	Raw        []byte
	Response   Response
}

// Decoded returns the raw body as a JSON object for storage, falling back to text.
func (r Result) Decoded() map[string]any {
	out := map[string]any{}
	if len(r.Raw) > 0 && json.Unmarshal(r.Raw, &out) == nil {
		return out
	}
	return map[string]any{"status_code": r.HTTPStatus, "text": string(r.Raw)}
}

// TransportError wraps network and timeout failures reaching the gateway.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "shihuatong transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError is an HTTP 200 whose body status is not accepted.
type RejectedError struct {
	Status  string
	Message string
}

func (e *RejectedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("gateway rejected (status %s): %s", e.Status, msg)
}

// HTTPError is a non-200 answer.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body) }

type Client struct {
	HTTP *http.Client
	Now  func() time.Time
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Send encrypts, signs and posts one envelope, then classifies the answer.
// The returned Result is populated as far as the call got, even on error.
func (c *Client) Send(ctx context.Context, creds Credentials, env Envelope) (Result, error) {
	var res Result

	key, iv, err := DecodeKeyMaterial(creds.AESKey, creds.AESIV)
	if err != nil {
		return res, err
	}
	plain, err := marshal(env)
	if err != nil {
		return res, &CryptoError{Op: "marshal envelope", Err: err}
	}
	content, err := Encrypt(plain, key, iv)
	if err != nil {
		return res, err
	}

	res.Request = RequestBody{Content: content, AppCode: creds.AppCode}
	body, err := marshal(res.Request)
	if err != nil {
		return res, err
	}

	hash := ContentHash(body)
	date := GMT(c.now())
	sig := Sign(StringToSign(date, hash), creds.AppSecret)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return res, &TransportError{Err: err}
	}
	httpReq.Header.Set("Authorization", AuthorizationHeader(creds.AppKey, sig))
	httpReq.Header.Set("X-Date", date)
	httpReq.Header.Set("Content-sha256", hash)
	httpReq.Header.Set("Content-Type", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return res, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, &TransportError{Err: err}
	}
	res.HTTPStatus = resp.StatusCode
	res.Raw = raw

	if resp.StatusCode != http.StatusOK {
		return res, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res.Response); err != nil {
			return res, &RejectedError{Message: "unparsable response: " + err.Error()}
		}
	}
	if res.Response.Status != StatusAccepted {
		return res, &RejectedError{Status: res.Response.Status, Message: res.Response.FailureMsg}
	}
	return res, nil
}

// GMT formats t in UTC the way the gateway expects the X-Date header.
func GMT(t time.Time) string {
	return t.UTC().Format(gmtLayout)
}

func StringToSign(date, contentHash string) string {
	return "x-date: " + date + "\ncontent-sha256: " + contentHash
}

func AuthorizationHeader(appKey, signature string) string {
	return fmt.Sprintf(`hmac accesskey="%s", algorithm="hmac-sha256", headers="x-date content-sha256", signature="%s"`, appKey, signature)
}

// Unhealthy reports whether err says something about gateway availability
// (as opposed to a business rejection or a local problem). Used to trip the breaker.
func Unhealthy(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500 || he.StatusCode == http.StatusTooManyRequests
	}
	return false
}
