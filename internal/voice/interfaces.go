package voice

import (
	"context"

	"github.com/ent0n29/voxgate/internal/protocol"
)

// Activity is the detector's verdict for one frame.
type Activity struct {
	VoiceActive  bool
	StopDetected bool
}

// Detector classifies frames of one session. Implementations may keep state
// between calls; Reset clears it at an utterance boundary.
type Detector interface {
	Detect(ctx context.Context, chunk []byte) (Activity, error)
	Reset()
}

// DetectorFactory creates a Detector for a session using its negotiated
// audio parameters.
type DetectorFactory func(params protocol.AudioParams) (Detector, error)

type Transcript struct {
	Text         string
	ArtifactPath string
}

// Recognizer turns one buffered utterance into text.
type Recognizer interface {
	Transcribe(ctx context.Context, chunks [][]byte, sessionID string) (Transcript, error)
}

// Session is the view of a device connection handed to intent and chat
// providers.
type Session interface {
	ID() string
	DeviceID() string
	Send(msg any) error
	Close(code int, reason string) error
}

// IntentHandler gets the first look at recognized text. Returning true stops
// the text from reaching the Chatter.
type IntentHandler interface {
	Handle(ctx context.Context, sess Session, text string) (bool, error)
}

// Chatter produces a reply for text and sends it to the session.
type Chatter interface {
	Chat(ctx context.Context, sess Session, text string) error
}

type audioParamsKey struct{}

// WithAudioParams attaches a session's negotiated params to ctx so
// recognizers can label the audio they receive.
func WithAudioParams(ctx context.Context, p protocol.AudioParams) context.Context {
	return context.WithValue(ctx, audioParamsKey{}, p)
}

// AudioParamsFrom returns params attached by WithAudioParams.
func AudioParamsFrom(ctx context.Context) (protocol.AudioParams, bool) {
	p, ok := ctx.Value(audioParamsKey{}).(protocol.AudioParams)
	return p, ok
}
