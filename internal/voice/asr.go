package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voxgate/internal/audio"
	"github.com/ent0n29/voxgate/internal/handshake"
	"github.com/ent0n29/voxgate/internal/reliability"
)

// HTTPASRConfig configures the remote recognizer.
type HTTPASRConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	Language     string        `yaml:"language"`
	MaxAudioSize int           `yaml:"max_audio_size"`
	// ArtifactDir, when set, receives a WAV copy of every pcm16 utterance.
	ArtifactDir string             `yaml:"artifact_dir"`
	Retry       reliability.Policy `yaml:"retry"`
}

type asrRequest struct {
	AudioData []string       `json:"audio_data"`
	Config    map[string]any `json:"config"`
}

type asrResponse struct {
	Status string `json:"status"`
	Text   string `json:"text"`
}

// HTTPRecognizer sends base64 frames to a speech service in one request.
type HTTPRecognizer struct {
	cfg    HTTPASRConfig
	client *http.Client
}

func NewHTTPRecognizer(cfg HTTPASRConfig) (*HTTPRecognizer, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("http asr requires a url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAudioSize <= 0 {
		cfg.MaxAudioSize = 2 << 20
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = reliability.DefaultPolicy
	}
	return &HTTPRecognizer{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (r *HTTPRecognizer) Transcribe(ctx context.Context, chunks [][]byte, sessionID string) (Transcript, error) {
	if len(chunks) == 0 {
		return Transcript{}, fmt.Errorf("no audio to recognize")
	}
	size := 0
	encoded := make([]string, 0, len(chunks))
	for _, c := range chunks {
		size += len(c)
		encoded = append(encoded, base64.StdEncoding.EncodeToString(c))
	}
	if size > r.cfg.MaxAudioSize {
		return Transcript{}, fmt.Errorf("utterance of %d bytes exceeds limit %d", size, r.cfg.MaxAudioSize)
	}

	params, ok := AudioParamsFrom(ctx)
	if !ok {
		params = handshake.DefaultAudioParams
	}
	out := Transcript{}
	if r.cfg.ArtifactDir != "" && params.Format == "pcm16" {
		path := filepath.Join(r.cfg.ArtifactDir, fmt.Sprintf("%s-%s.wav", sessionID, uuid.NewString()[:8]))
		if err := audio.WriteWAVFile(path, chunks, params.SampleRate, params.Channels); err != nil {
			return Transcript{}, fmt.Errorf("write utterance artifact: %w", err)
		}
		out.ArtifactPath = path
	}

	payload, err := json.Marshal(asrRequest{
		AudioData: encoded,
		Config: map[string]any{
			"sample_rate": params.SampleRate,
			"format":      params.Format,
			"channels":    params.Channels,
			"language":    r.cfg.Language,
			"session_id":  sessionID,
		},
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("marshal asr request: %w", err)
	}

	var text string
	err = r.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		text, callErr = r.call(ctx, payload)
		return callErr
	})
	if err != nil {
		return Transcript{}, err
	}
	out.Text = text
	return out, nil
}

func (r *HTTPRecognizer) call(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create asr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send asr request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &reliability.StatusError{Service: "asr", Code: res.StatusCode, Body: string(body)}
	}

	var out asrResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode asr response: %w", err)
	}
	if out.Status != "" && !strings.EqualFold(out.Status, "success") && !strings.EqualFold(out.Status, "ok") {
		return "", fmt.Errorf("asr status %q", out.Status)
	}
	return strings.TrimSpace(out.Text), nil
}

// MockRecognizer returns canned text. Useful for local runs and tests.
type MockRecognizer struct {
	Text  string
	Err   error
	Delay time.Duration

	mu    sync.Mutex
	calls [][][]byte
}

func (m *MockRecognizer) Transcribe(ctx context.Context, chunks [][]byte, _ string) (Transcript, error) {
	m.mu.Lock()
	m.calls = append(m.calls, chunks)
	m.mu.Unlock()
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Transcript{}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.Err != nil {
		return Transcript{}, m.Err
	}
	return Transcript{Text: m.Text}, nil
}

// Calls returns the utterances received so far.
func (m *MockRecognizer) Calls() [][][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][][]byte, len(m.calls))
	copy(out, m.calls)
	return out
}

type noopRecognizer struct{}

func (noopRecognizer) Transcribe(context.Context, [][]byte, string) (Transcript, error) {
	return Transcript{}, nil
}
