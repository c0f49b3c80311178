// Package handshake agrees audio and transport parameters with a device and
// builds the hello announcement sent back to it.
package handshake

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ent0n29/voxgate/internal/protocol"
)

// DefaultAudioParams is used whenever a device sends no params or any
// invalid field.
var DefaultAudioParams = protocol.AudioParams{
	SampleRate:    16000,
	Format:        "opus",
	Channels:      1,
	FrameDuration: 60,
}

// Result is the outcome of one hello exchange.
type Result struct {
	SessionID   string
	Transport   string
	AudioParams protocol.AudioParams
	Hello       protocol.Hello
	// Degraded is set when the device asked for something and got defaults.
	Degraded bool
	Problems []string
}

type Negotiator struct {
	defaults protocol.AudioParams
	validate *validator.Validate
}

func NewNegotiator(defaults protocol.AudioParams) *Negotiator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	if defaults == (protocol.AudioParams{}) {
		defaults = DefaultAudioParams
	}
	return &Negotiator{defaults: defaults, validate: v}
}

// Negotiate never rejects a device. sessionID is kept if non-empty, otherwise
// a fresh one is assigned.
func (n *Negotiator) Negotiate(req *protocol.Hello, sessionID string) Result {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}
	res := Result{
		SessionID:   sessionID,
		Transport:   protocol.TransportWebSocket,
		AudioParams: n.defaults,
	}

	if req != nil && req.AudioParams != nil {
		requested := *req.AudioParams
		requested.Format = strings.ToLower(strings.TrimSpace(requested.Format))
		if err := n.validate.Struct(requested); err != nil {
			res.Degraded = true
			res.Problems = describe(err)
		} else {
			res.AudioParams = requested
		}
	}
	if req != nil {
		if t := strings.ToLower(strings.TrimSpace(req.Transport)); t != "" && t != protocol.TransportWebSocket {
			res.Degraded = true
			res.Problems = append(res.Problems, fmt.Sprintf("transport %q is not supported", req.Transport))
		}
	}

	params := res.AudioParams
	res.Hello = protocol.Hello{
		Type:        protocol.TypeHello,
		Transport:   res.Transport,
		AudioParams: &params,
		SessionID:   res.SessionID,
	}
	return res
}

func describe(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, e := range verrs {
		out = append(out, fmt.Sprintf("%s %s", e.Field(), message(e)))
	}
	return out
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
