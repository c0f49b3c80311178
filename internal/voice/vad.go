package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voxgate/internal/audio"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/reliability"
)

const defaultFrameDuration = 60 * time.Millisecond

// endpointer turns per-frame voice decisions into an end-of-utterance signal
// after a run of silence following speech.
type endpointer struct {
	silenceLimit time.Duration
	frame        time.Duration
	heard        bool
	silent       time.Duration
}

func newEndpointer(silence time.Duration, params protocol.AudioParams) endpointer {
	frame := time.Duration(params.FrameDuration) * time.Millisecond
	if frame <= 0 {
		frame = defaultFrameDuration
	}
	if silence <= 0 {
		silence = 700 * time.Millisecond
	}
	return endpointer{silenceLimit: silence, frame: frame}
}

func (e *endpointer) step(voiced bool) Activity {
	if voiced {
		e.heard = true
		e.silent = 0
		return Activity{VoiceActive: true}
	}
	if !e.heard {
		return Activity{}
	}
	e.silent += e.frame
	return Activity{StopDetected: e.silent >= e.silenceLimit}
}

func (e *endpointer) reset() {
	e.heard = false
	e.silent = 0
}

// EnergyConfig tunes the built-in detector.
type EnergyConfig struct {
	// Threshold is the RMS level in [0, 1] above which a PCM16 frame is voiced.
	Threshold float64 `yaml:"threshold"`
	// MinOpusBytes is the packet size above which an opus frame is voiced.
	// Encoders emit tiny packets for silence when DTX is on.
	MinOpusBytes int           `yaml:"min_opus_bytes"`
	Silence      time.Duration `yaml:"silence"`
}

// EnergyDetector classifies frames locally without decoding opus.
type EnergyDetector struct {
	cfg    EnergyConfig
	format string
	ep     endpointer
}

func NewEnergyDetectorFactory(cfg EnergyConfig) DetectorFactory {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.01
	}
	if cfg.MinOpusBytes <= 0 {
		cfg.MinOpusBytes = 12
	}
	return func(params protocol.AudioParams) (Detector, error) {
		return &EnergyDetector{
			cfg:    cfg,
			format: strings.ToLower(params.Format),
			ep:     newEndpointer(cfg.Silence, params),
		}, nil
	}
}

func (d *EnergyDetector) Detect(_ context.Context, chunk []byte) (Activity, error) {
	var voiced bool
	switch d.format {
	case "pcm16":
		voiced = audio.RMSPCM16(chunk) >= d.cfg.Threshold
	default:
		voiced = len(chunk) >= d.cfg.MinOpusBytes
	}
	return d.ep.step(voiced), nil
}

func (d *EnergyDetector) Reset() { d.ep.reset() }

// HTTPVADConfig points at a remote frame classifier.
type HTTPVADConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Silence time.Duration `yaml:"silence"`
}

type vadRequest struct {
	AudioData string         `json:"audio_data"`
	Config    map[string]any `json:"config"`
}

type vadResponse struct {
	Status string `json:"status"`
	Result bool   `json:"result"`
}

// HTTPDetector posts each frame to a VAD service and endpoints locally.
type HTTPDetector struct {
	url    string
	client *http.Client
	params protocol.AudioParams
	ep     endpointer
}

func NewHTTPDetectorFactory(cfg HTTPVADConfig) (DetectorFactory, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("http vad requires a url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return func(params protocol.AudioParams) (Detector, error) {
		return &HTTPDetector{
			url:    url,
			client: client,
			params: params,
			ep:     newEndpointer(cfg.Silence, params),
		}, nil
	}, nil
}

func (d *HTTPDetector) Detect(ctx context.Context, chunk []byte) (Activity, error) {
	payload, err := json.Marshal(vadRequest{
		AudioData: base64.StdEncoding.EncodeToString(chunk),
		Config: map[string]any{
			"sample_rate": d.params.SampleRate,
			"format":      d.params.Format,
			"channels":    d.params.Channels,
		},
	})
	if err != nil {
		return Activity{}, fmt.Errorf("marshal vad request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return Activity{}, fmt.Errorf("create vad request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return Activity{}, fmt.Errorf("send vad request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Activity{}, &reliability.StatusError{Service: "vad", Code: res.StatusCode, Body: string(body)}
	}

	var out vadResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Activity{}, fmt.Errorf("decode vad response: %w", err)
	}
	if out.Status != "" && !strings.EqualFold(out.Status, "success") && !strings.EqualFold(out.Status, "ok") {
		return Activity{}, fmt.Errorf("vad status %q", out.Status)
	}
	return d.ep.step(out.Result), nil
}

func (d *HTTPDetector) Reset() { d.ep.reset() }

type noopDetector struct{}

// NoopDetectorFactory never reports voice. Devices using it must declare
// voice with manual listen messages.
func NoopDetectorFactory(protocol.AudioParams) (Detector, error) { return noopDetector{}, nil }

func (noopDetector) Detect(context.Context, []byte) (Activity, error) { return Activity{}, nil }
func (noopDetector) Reset()                                          {}
