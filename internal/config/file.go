package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/voxgate/internal/voice"
)

// fileConfig is the YAML overlay layout:
//
//	selected_module:
//	  vad: energy
//	  asr: http
//	providers:
//	  http_asr:
//	    url: http://127.0.0.1:8001/asr
//	    timeout: 15s
type fileConfig struct {
	SelectedModule voice.Selection `yaml:"selected_module"`
	Providers      voice.Options   `yaml:"providers"`
	Turn           struct {
		IdleTimeout        time.Duration `yaml:"idle_timeout"`
		MinUtteranceFrames int           `yaml:"min_utterance_frames"`
		FarewellPrompt     string        `yaml:"farewell_prompt"`
		CloseAfterFarewell *bool         `yaml:"close_after_farewell"`
		ListenMode         string        `yaml:"listen_mode"`
	} `yaml:"turn"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	sel := fc.SelectedModule
	if sel.VAD != "" {
		cfg.Providers.VAD = sel.VAD
	}
	if sel.ASR != "" {
		cfg.Providers.ASR = sel.ASR
	}
	if sel.Intent != "" {
		cfg.Providers.Intent = sel.Intent
	}
	if sel.Chat != "" {
		cfg.Providers.Chat = sel.Chat
	}
	cfg.Provider = fc.Providers

	t := fc.Turn
	if t.IdleTimeout > 0 {
		cfg.IdleTimeout = t.IdleTimeout
	}
	if t.MinUtteranceFrames > 0 {
		cfg.MinUtteranceFrames = t.MinUtteranceFrames
	}
	if t.FarewellPrompt != "" && os.Getenv("FAREWELL_PROMPT") == "" {
		cfg.FarewellPrompt = t.FarewellPrompt
	}
	if t.CloseAfterFarewell != nil {
		cfg.IdleCloseAfterFarewell = *t.CloseAfterFarewell
	}
	if t.ListenMode != "" && os.Getenv("LISTEN_MODE") == "" {
		cfg.ListenMode = strings.ToLower(t.ListenMode)
	}
	return nil
}
