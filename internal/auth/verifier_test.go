package auth

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "device-secret-for-tests"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clockAt(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func mustVerifier(t *testing.T, secret string) *Verifier {
	t.Helper()
	v, err := NewVerifier(secret, "HS384", clockAt(fixedNow))
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return v
}

func mustIssue(t *testing.T, secret string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	iss, err := NewIssuer(secret, "HS384", clockAt(issuedAt))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	token, _, err := iss.Issue("dev-1", "AA:BB:CC:DD:EE:FF", ttl)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func signRaw(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	token := mustIssue(t, testSecret, fixedNow.Add(-time.Hour), 24*time.Hour)

	claims, err := mustVerifier(t, testSecret).Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.DeviceID != "dev-1" || claims.MACAddress != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.ExpiresAt.Equal(fixedNow.Add(23 * time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want %v", claims.ExpiresAt, fixedNow.Add(23*time.Hour))
	}
}

func TestVerifyExpiredRegardlessOfSignature(t *testing.T) {
	expiredGood := mustIssue(t, testSecret, fixedNow.Add(-48*time.Hour), time.Hour)
	expiredBad := mustIssue(t, "some-other-secret", fixedNow.Add(-48*time.Hour), time.Hour)

	v := mustVerifier(t, testSecret)
	for name, token := range map[string]string{"good signature": expiredGood, "bad signature": expiredBad} {
		_, err := v.Verify(token)
		if !errors.Is(err, ErrExpired) {
			t.Fatalf("%s: Verify() error = %v, want ErrExpired", name, err)
		}
	}
}

func TestVerifyExpiryBoundaryIsExpired(t *testing.T) {
	token := mustIssue(t, testSecret, fixedNow.Add(-time.Hour), time.Hour)
	if _, err := mustVerifier(t, testSecret).Verify(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify() error = %v, want ErrExpired at exp == now", err)
	}
}

func TestVerifyMissingClaimBeforeExpiry(t *testing.T) {
	token := signRaw(t, jwt.SigningMethodHS384, testSecret, jwt.MapClaims{
		"macAddress": "AA:BB:CC:DD:EE:FF",
		"exp":        fixedNow.Add(-time.Hour).Unix(),
		"iat":        fixedNow.Add(-2 * time.Hour).Unix(),
	})

	_, err := mustVerifier(t, testSecret).Verify(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Fatalf("Verify() error = %v, want ErrMissingClaim", err)
	}
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Claim != ClaimDeviceID {
		t.Fatalf("missing claim = %+v, want %q", authErr, ClaimDeviceID)
	}
}

func TestVerifyRequiresEveryClaim(t *testing.T) {
	full := jwt.MapClaims{
		"deviceId":   "dev-1",
		"macAddress": "AA:BB:CC:DD:EE:FF",
		"exp":        fixedNow.Add(time.Hour).Unix(),
		"iat":        fixedNow.Unix(),
	}
	v := mustVerifier(t, testSecret)
	for _, name := range []string{ClaimDeviceID, ClaimMACAddress, ClaimExpiresAt, ClaimIssuedAt} {
		claims := jwt.MapClaims{}
		for k, val := range full {
			if k != name {
				claims[k] = val
			}
		}
		_, err := v.Verify(signRaw(t, jwt.SigningMethodHS384, testSecret, claims))
		var authErr *Error
		if !errors.As(err, &authErr) || authErr.Kind != KindMissingClaim || authErr.Claim != name {
			t.Fatalf("without %s: Verify() error = %v, want missing claim", name, err)
		}
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	token := mustIssue(t, "some-other-secret", fixedNow, time.Hour)
	if _, err := mustVerifier(t, testSecret).Verify(token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Verify() error = %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsAlgorithmMismatch(t *testing.T) {
	token := signRaw(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"deviceId":   "dev-1",
		"macAddress": "AA:BB:CC:DD:EE:FF",
		"exp":        fixedNow.Add(time.Hour).Unix(),
		"iat":        fixedNow.Unix(),
	})
	if _, err := mustVerifier(t, testSecret).Verify(token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Verify() error = %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsMalformedAndEmpty(t *testing.T) {
	v := mustVerifier(t, testSecret)
	if _, err := v.Verify("not-a-token"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Verify(malformed) error = %v, want ErrInvalid", err)
	}
	if _, err := v.Verify("  "); !errors.Is(err, ErrMissing) {
		t.Fatalf("Verify(empty) error = %v, want ErrMissing", err)
	}
}

func TestNewVerifierRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := NewVerifier(testSecret, "RS256"); err == nil {
		t.Fatalf("expected unsupported algorithm error")
	}
	if _, err := NewVerifier("", "HS384"); err == nil {
		t.Fatalf("expected empty secret error")
	}
}

func TestExtractTokenPrefersQuery(t *testing.T) {
	hc := HandshakeContext{
		Query:  url.Values{"token": {"from-query"}},
		Header: http.Header{"Authorization": {"Bearer from-header"}},
	}
	got, err := ExtractToken(hc)
	if err != nil {
		t.Fatalf("ExtractToken() error = %v", err)
	}
	if got != "from-query" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "from-query")
	}
}

func TestExtractTokenFallsBackToBearer(t *testing.T) {
	hc := HandshakeContext{Header: http.Header{"Authorization": {"bearer  abc.def.ghi "}}}
	got, err := ExtractToken(hc)
	if err != nil {
		t.Fatalf("ExtractToken() error = %v", err)
	}
	if got != "abc.def.ghi" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "abc.def.ghi")
	}
}

func TestExtractTokenMissing(t *testing.T) {
	hc := HandshakeContext{Header: http.Header{"Authorization": {"Basic Zm9vOmJhcg=="}}}
	if _, err := ExtractToken(hc); !errors.Is(err, ErrMissing) {
		t.Fatalf("ExtractToken() error = %v, want ErrMissing", err)
	}
}

func TestInspectDecodesWithoutVerifying(t *testing.T) {
	token := mustIssue(t, "some-other-secret", fixedNow.Add(-2*time.Hour), time.Hour)
	in, err := Inspect(token)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if in.Header["alg"] != "HS384" {
		t.Fatalf("alg = %v, want HS384", in.Header["alg"])
	}
	if in.Claims["deviceId"] != "dev-1" {
		t.Fatalf("deviceId = %v, want dev-1", in.Claims["deviceId"])
	}
	if !in.Expired(fixedNow) {
		t.Fatalf("Expired() = false, want true")
	}
}
