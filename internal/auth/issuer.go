package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer mints device tokens. The gateway never issues tokens itself; this is
// used by provisioning tooling and tests.
type Issuer struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

func NewIssuer(secret, algorithm string, opts ...Option) (*Issuer, error) {
	method, err := hmacMethod(algorithm)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	o := applyOptions(opts)
	return &Issuer{secret: []byte(secret), method: method, now: o.now}, nil
}

// Issue signs a token for deviceID valid for ttl from now.
func (i *Issuer) Issue(deviceID, macAddress string, ttl time.Duration) (string, time.Time, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", time.Time{}, errors.New("device id is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be positive")
	}
	now := i.now().UTC()
	exp := now.Add(ttl)
	token := jwt.NewWithClaims(i.method, jwt.MapClaims{
		ClaimDeviceID:   deviceID,
		ClaimMACAddress: strings.TrimSpace(macAddress),
		ClaimExpiresAt:  exp.Unix(),
		ClaimIssuedAt:   now.Unix(),
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Inspection is the unverified content of a token.
type Inspection struct {
	Header    map[string]any `json:"header"`
	Claims    map[string]any `json:"claims"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
	IssuedAt  time.Time      `json:"issued_at,omitempty"`
}

// Expired reports whether the token's exp claim is at or before now.
func (in Inspection) Expired(now time.Time) bool {
	if in.ExpiresAt.IsZero() {
		return false
	}
	return !in.ExpiresAt.After(now)
}

// Inspect decodes header and claims without checking the signature.
func Inspect(token string) (Inspection, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Inspection{}, failure(KindInvalid, fmt.Errorf("token has %d segments, want 3", len(parts)))
	}
	header := map[string]any{}
	if err := decodeSegment(parts[0], &header); err != nil {
		return Inspection{}, failure(KindInvalid, fmt.Errorf("header: %w", err))
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Inspection{}, failure(KindInvalid, err)
	}
	out := Inspection{Header: header, Claims: claims}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time.UTC()
	}
	return out, nil
}

func decodeSegment(seg string, out any) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
