package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tasknotif/internal/config"
	"tasknotif/internal/providers/shihuatong"
)

const (
	testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
	testIV  = "YWJjZGVmMDEyMzQ1Njc4OQ=="
)

func TestMockGatewayRoundRobin(t *testing.T) {
	s := newServer(config.MockGatewayConfig{
		AppCode: "app", AppKey: "key", AppSecret: "secret", AESKey: testKey, AESIV: testIV,
		OutcomeMode: "round_robin", Outcomes: "ok,reject:40002,http500",
	})
	srv := httptest.NewServer(http.HandlerFunc(s.handlePush))
	defer srv.Close()

	creds := shihuatong.Credentials{
		WebhookURL: srv.URL, AppCode: "app", AppKey: "key", AppSecret: "secret", AESKey: testKey, AESIV: testIV,
	}
	env, _, err := shihuatong.BuildEnvelope(shihuatong.Outgoing{HookToken: "h", Title: "T", Content: "C", UserIDs: []string{"u1"}})
	if err != nil {
		t.Fatal(err)
	}
	c := &shihuatong.Client{}

	if _, err := c.Send(context.Background(), creds, env); err != nil {
		t.Fatalf("first push: %v", err)
	}
	_, err = c.Send(context.Background(), creds, env)
	var rej *shihuatong.RejectedError
	if !errors.As(err, &rej) || rej.Status != "40002" {
		t.Fatalf("second push: %v", err)
	}
	_, err = c.Send(context.Background(), creds, env)
	var he *shihuatong.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusInternalServerError {
		t.Fatalf("third push: %v", err)
	}
}

func TestMockGatewayRejectsBadSignature(t *testing.T) {
	s := newServer(config.MockGatewayConfig{AppCode: "app", AppKey: "key", AppSecret: "secret", AESKey: testKey, AESIV: testIV})
	srv := httptest.NewServer(http.HandlerFunc(s.handlePush))
	defer srv.Close()

	creds := shihuatong.Credentials{
		WebhookURL: srv.URL, AppCode: "app", AppKey: "key", AppSecret: "wrong", AESKey: testKey, AESIV: testIV,
	}
	env, _, _ := shihuatong.BuildEnvelope(shihuatong.Outgoing{HookToken: "h", Title: "T", MentionAll: true})
	_, err := (&shihuatong.Client{}).Send(context.Background(), creds, env)
	var he *shihuatong.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got %v", err)
	}
}

func TestPickWeighted(t *testing.T) {
	items := parseWeightedOutcomes("reject:1, http500:3,bad,zero:0")
	if len(items) != 2 {
		t.Fatalf("parsed %v", items)
	}
	if got := pickWeighted(0.2, items); got != "reject" {
		t.Fatalf("0.2 -> %s", got)
	}
	if got := pickWeighted(0.9, items); got != "http500" {
		t.Fatalf("0.9 -> %s", got)
	}
}
