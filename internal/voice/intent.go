package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voxgate/internal/protocol"
)

// KeywordIntentConfig lists phrases that end the conversation.
type KeywordIntentConfig struct {
	ExitPhrases []string `yaml:"exit_phrases"`
	Goodbye     string   `yaml:"goodbye"`
}

var defaultExitPhrases = []string{"退出", "关闭", "再见", "拜拜", "goodbye", "bye bye", "stop talking"}

// KeywordIntent closes the session when the whole utterance is an exit phrase.
type KeywordIntent struct {
	phrases map[string]struct{}
	goodbye string
}

func NewKeywordIntent(cfg KeywordIntentConfig) *KeywordIntent {
	phrases := cfg.ExitPhrases
	if len(phrases) == 0 {
		phrases = defaultExitPhrases
	}
	k := &KeywordIntent{phrases: make(map[string]struct{}, len(phrases)), goodbye: cfg.Goodbye}
	if k.goodbye == "" {
		k.goodbye = "Goodbye."
	}
	for _, p := range phrases {
		if norm := normalizePhrase(p); norm != "" {
			k.phrases[norm] = struct{}{}
		}
	}
	return k
}

func (k *KeywordIntent) Handle(_ context.Context, sess Session, text string) (bool, error) {
	if _, ok := k.phrases[normalizePhrase(text)]; !ok {
		return false, nil
	}
	if err := sess.Send(protocol.LLM{Type: protocol.TypeLLM, SessionID: sess.ID(), Text: k.goodbye}); err != nil {
		return true, fmt.Errorf("send goodbye: %w", err)
	}
	if err := sess.Close(protocol.CloseNormal, "goodbye"); err != nil {
		return true, fmt.Errorf("close after goodbye: %w", err)
	}
	return true, nil
}

func normalizePhrase(s string) string {
	return strings.ToLower(StripPunctuation(s))
}

type noopIntent struct{}

func (noopIntent) Handle(context.Context, Session, string) (bool, error) { return false, nil }
