package main

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/voxgate/internal/auth"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIssueVerifiesWithSameSecret(t *testing.T) {
	out, err := runCLI(t, "issue", "--device-id", "dev-42", "--mac", "11:22:33:44:55:66", "--secret", "cli-secret", "--hours", "1")
	if err != nil {
		t.Fatalf("issue error = %v", err)
	}
	token := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])

	v, err := auth.NewVerifier("cli-secret", auth.DefaultAlgorithm)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.DeviceID != "dev-42" || claims.MACAddress != "11:22:33:44:55:66" {
		t.Fatalf("claims = %+v", claims)
	}
	if !strings.Contains(out, "expires: ") {
		t.Fatalf("output missing expiry line: %q", out)
	}
}

func TestIssuePrintsURL(t *testing.T) {
	out, err := runCLI(t, "issue", "--secret", "s", "--print-url", "ws://localhost:8000/xiaozhi/v1/")
	if err != nil {
		t.Fatalf("issue error = %v", err)
	}
	var raw string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "url: ") {
			raw = strings.TrimPrefix(line, "url: ")
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	if u.Path != "/xiaozhi/v1/" || u.Query().Get("token") == "" {
		t.Fatalf("url = %q, want token query on /xiaozhi/v1/", raw)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	cases := map[string][]string{
		"zero hours":    {"issue", "--secret", "s", "--hours", "0"},
		"bad algorithm": {"issue", "--secret", "s", "--alg", "RS256"},
		"http url":      {"issue", "--secret", "s", "--print-url", "http://localhost/"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := runCLI(t, args...); err == nil {
				t.Fatalf("expected error for %v", args)
			}
		})
	}
}

func TestInspectReportsExpiry(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer, err := auth.NewIssuer("s", "HS256", auth.WithClock(func() time.Time { return issuedAt }))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	token, _, err := issuer.Issue("dev-1", "AA", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	out, err := runCLI(t, "inspect", token)
	if err != nil {
		t.Fatalf("inspect error = %v", err)
	}
	var got struct {
		Header  map[string]any `json:"header"`
		Claims  map[string]any `json:"claims"`
		Expired bool           `json:"expired"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if got.Header["alg"] != "HS256" || got.Claims["deviceId"] != "dev-1" {
		t.Fatalf("inspection = %+v", got)
	}
	if !got.Expired {
		t.Fatalf("expired = false, want true for a 2026-01-01 token")
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	if _, err := runCLI(t, "inspect", "not-a-token"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}
