package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/reliability"
)

// HTTPChatConfig configures the dialogue backend.
type HTTPChatConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	Text      string `json:"text"`
}

// HTTPChatter forwards text to a dialogue endpoint and relays the reply.
// Streaming responses (SSE or NDJSON) are relayed one llm message per delta.
type HTTPChatter struct {
	url    string
	client *http.Client
}

func NewHTTPChatter(cfg HTTPChatConfig) (*HTTPChatter, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("http chat requires a url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPChatter{url: url, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *HTTPChatter) Chat(ctx context.Context, sess Session, text string) error {
	payload, err := json.Marshal(chatRequest{SessionID: sess.ID(), DeviceID: sess.DeviceID(), Text: text})
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send chat request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &reliability.StatusError{Service: "chat", Code: res.StatusCode, Body: string(body)}
	}

	reply := func(text, emotion string) error {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return sess.Send(protocol.LLM{Type: protocol.TypeLLM, SessionID: sess.ID(), Text: text, Emotion: emotion})
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStream(res.Body, reply)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read chat response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return reply(strings.TrimSpace(string(body)), "")
	}
	return reply(extractText(obj), extractString(obj, "emotion"))
}

func consumeStream(body io.Reader, reply func(text, emotion string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}
		delta, emotion := line, ""
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
			emotion = extractString(obj, "emotion")
		}
		if err := reply(delta, emotion); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("chat stream read: %w", err)
	}
	return nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message", "reply"} {
		if s := extractString(obj, k); s != "" {
			return s
		}
	}
	return ""
}

func extractString(obj map[string]any, key string) string {
	if v, ok := obj[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// EchoChatter replies with the recognized text. Handy for device bring-up.
type EchoChatter struct{}

func (EchoChatter) Chat(_ context.Context, sess Session, text string) error {
	return sess.Send(protocol.LLM{Type: protocol.TypeLLM, SessionID: sess.ID(), Text: text})
}

type noopChatter struct{}

func (noopChatter) Chat(context.Context, Session, string) error { return nil }
