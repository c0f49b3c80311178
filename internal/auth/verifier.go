package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names carried by device tokens.
const (
	ClaimDeviceID   = "deviceId"
	ClaimMACAddress = "macAddress"
	ClaimExpiresAt  = "exp"
	ClaimIssuedAt   = "iat"
)

const DefaultAlgorithm = "HS384"

// Claims is the verified identity of a device.
type Claims struct {
	DeviceID   string    `json:"device_id"`
	MACAddress string    `json:"mac_address"`
	ExpiresAt  time.Time `json:"expires_at"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Verifier checks HMAC signed device tokens against a shared secret.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

// Option configures a Verifier or Issuer.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func NewVerifier(secret, algorithm string, opts ...Option) (*Verifier, error) {
	method, err := hmacMethod(algorithm)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	o := applyOptions(opts)
	return &Verifier{secret: []byte(secret), method: method, now: o.now}, nil
}

// Verify decodes the token and validates it. Checks run in a fixed order:
// structure, required claims, expiry, then signature and algorithm. An expired
// token is reported as expired whether or not its signature is valid.
func (v *Verifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissing
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mapClaims); err != nil {
		return Claims{}, failure(KindInvalid, err)
	}

	claims, err := claimsFromMap(mapClaims)
	if err != nil {
		return Claims{}, err
	}
	if !claims.ExpiresAt.After(v.now()) {
		return Claims{}, failure(KindExpired, fmt.Errorf("token expired at %s", claims.ExpiresAt.Format(time.RFC3339)))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err = parser.ParseWithClaims(token, jwt.MapClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, failure(KindInvalid, err)
	}
	return claims, nil
}

func claimsFromMap(m jwt.MapClaims) (Claims, error) {
	deviceID, ok := stringClaim(m, ClaimDeviceID)
	if !ok {
		return Claims{}, missingClaim(ClaimDeviceID)
	}
	mac, ok := stringClaim(m, ClaimMACAddress)
	if !ok {
		return Claims{}, missingClaim(ClaimMACAddress)
	}

	exp, err := m.GetExpirationTime()
	if err != nil {
		return Claims{}, failure(KindInvalid, err)
	}
	if exp == nil {
		return Claims{}, missingClaim(ClaimExpiresAt)
	}
	iat, err := m.GetIssuedAt()
	if err != nil {
		return Claims{}, failure(KindInvalid, err)
	}
	if iat == nil {
		return Claims{}, missingClaim(ClaimIssuedAt)
	}

	return Claims{
		DeviceID:   deviceID,
		MACAddress: mac,
		ExpiresAt:  exp.Time.UTC(),
		IssuedAt:   iat.Time.UTC(),
	}, nil
}

func stringClaim(m jwt.MapClaims, name string) (string, bool) {
	raw, ok := m[name]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func hmacMethod(algorithm string) (jwt.SigningMethod, error) {
	alg := strings.ToUpper(strings.TrimSpace(algorithm))
	if alg == "" {
		alg = DefaultAlgorithm
	}
	switch alg {
	case "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
