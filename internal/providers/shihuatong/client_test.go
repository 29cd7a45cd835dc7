package shihuatong

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testCreds(t *testing.T, url string) Credentials {
	t.Helper()
	key, iv := testKeyMaterial(t, 32)
	return Credentials{
		WebhookURL: url,
		AppCode:    "APP",
		AppKey:     "ak",
		AppSecret:  "as",
		AESKey:     key,
		AESIV:      iv,
	}
}

func gatewayServer(t *testing.T, creds *Credentials, status int, body string, seen *Envelope) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		env, err := VerifyRequest(r.Header, raw, *creds)
		if err != nil {
			t.Errorf("verify: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if seen != nil {
			*seen = env
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestClientSendSuccess(t *testing.T) {
	var creds Credentials
	var seen Envelope
	srv := gatewayServer(t, &creds, http.StatusOK, `{"status":"0"}`, &seen)
	defer srv.Close()
	creds = testCreds(t, srv.URL)

	fixed := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("CST", 8*3600))
	c := &Client{HTTP: srv.Client(), Now: func() time.Time { return fixed }}
	env, id, _ := BuildEnvelope(Outgoing{HookToken: "hook", Title: "T", Content: "C", UserIDs: []string{"u1"}})

	res, err := c.Send(context.Background(), creds, env)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.HTTPStatus != 200 || res.Response.Status != "0" {
		t.Fatalf("unexpected result %+v", res)
	}
	if seen.ID != id || seen.HookToken != "hook" {
		t.Fatalf("gateway saw %+v", seen)
	}
	if res.Request.AppCode != "APP" || res.Request.Content == "" {
		t.Fatalf("request body not recorded: %+v", res.Request)
	}
}

func TestGMTUsesUTC(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("CST", 8*3600))
	if got := GMT(at); got != "Fri, 01 Mar 2024 01:30:00 GMT" {
		t.Fatalf("got %q", got)
	}
}

func TestClientSendRejected(t *testing.T) {
	var creds Credentials
	srv := gatewayServer(t, &creds, http.StatusOK, `{"status":"1","failureMsg":"bad token"}`, nil)
	defer srv.Close()
	creds = testCreds(t, srv.URL)

	env, _, _ := BuildEnvelope(Outgoing{HookToken: "hook", Title: "T"})
	res, err := (&Client{HTTP: srv.Client()}).Send(context.Background(), creds, env)
	var re *RejectedError
	if !errors.As(err, &re) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if re.Message != "bad token" || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("unexpected rejection %+v", re)
	}
	if res.Decoded()["failureMsg"] != "bad token" {
		t.Fatalf("decoded response %v", res.Decoded())
	}
	if Unhealthy(err) {
		t.Fatalf("rejection must not count against gateway health")
	}
}

func TestClientSendHTTPError(t *testing.T) {
	var creds Credentials
	srv := gatewayServer(t, &creds, http.StatusBadGateway, `upstream down`, nil)
	defer srv.Close()
	creds = testCreds(t, srv.URL)

	env, _, _ := BuildEnvelope(Outgoing{HookToken: "hook", Title: "T"})
	res, err := (&Client{HTTP: srv.Client()}).Send(context.Background(), creds, env)
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPError 502, got %v", err)
	}
	if res.Decoded()["text"] != "upstream down" {
		t.Fatalf("decoded response %v", res.Decoded())
	}
	if !Unhealthy(err) {
		t.Fatalf("5xx should count against gateway health")
	}
}

func TestClientSendTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	creds := testCreds(t, srv.URL)
	srv.Close()

	env, _, _ := BuildEnvelope(Outgoing{HookToken: "hook", Title: "T"})
	_, err := (&Client{HTTP: &http.Client{Timeout: time.Second}}).Send(context.Background(), creds, env)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestClientSendBadKeyMaterial(t *testing.T) {
	creds := testCreds(t, "http://127.0.0.1:1")
	creds.AESIV = "short"
	env, _, _ := BuildEnvelope(Outgoing{HookToken: "hook", Title: "T"})
	_, err := (&Client{}).Send(context.Background(), creds, env)
	var ce *CryptoError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CryptoError, got %v", err)
	}
}

func TestVerifyRequestRejectsTamperedBody(t *testing.T) {
	creds := testCreds(t, "")
	h := http.Header{}
	body := []byte(`{"content":"x","appCode":"APP"}`)
	hash := ContentHash(body)
	h.Set("Content-sha256", hash)
	h.Set("X-Date", "Fri, 01 Mar 2024 01:30:00 GMT")
	h.Set("Authorization", AuthorizationHeader("ak", Sign(StringToSign("Fri, 01 Mar 2024 01:30:00 GMT", hash), "wrong")))
	if _, err := VerifyRequest(h, body, creds); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if _, err := VerifyRequest(h, append(body, ' '), creds); !errors.Is(err, ErrBadHash) {
		t.Fatalf("expected ErrBadHash, got %v", err)
	}
}
