package voice

import (
	"fmt"
	"sort"
	"strings"
)

// Options carries provider settings. Each factory reads only its own block.
type Options struct {
	Energy  EnergyConfig        `yaml:"energy"`
	HTTPVAD HTTPVADConfig       `yaml:"http_vad"`
	HTTPASR HTTPASRConfig       `yaml:"http_asr"`
	MockASR string              `yaml:"mock_asr_text"`
	Keyword KeywordIntentConfig `yaml:"keyword"`
	Chat    HTTPChatConfig      `yaml:"http_chat"`
}

// Selection names one provider per capability.
type Selection struct {
	VAD    string `yaml:"vad"`
	ASR    string `yaml:"asr"`
	Intent string `yaml:"intent"`
	Chat   string `yaml:"chat"`
}

type Providers struct {
	Detectors  DetectorFactory
	Recognizer Recognizer
	Intent     IntentHandler
	Chat       Chatter
}

type (
	DetectorBuilder   func(Options) (DetectorFactory, error)
	RecognizerBuilder func(Options) (Recognizer, error)
	IntentBuilder     func(Options) (IntentHandler, error)
	ChatBuilder       func(Options) (Chatter, error)
)

// Registry maps provider names to constructors.
type Registry struct {
	detectors   map[string]DetectorBuilder
	recognizers map[string]RecognizerBuilder
	intents     map[string]IntentBuilder
	chatters    map[string]ChatBuilder
}

func NewRegistry() *Registry {
	return &Registry{
		detectors:   make(map[string]DetectorBuilder),
		recognizers: make(map[string]RecognizerBuilder),
		intents:     make(map[string]IntentBuilder),
		chatters:    make(map[string]ChatBuilder),
	}
}

// DefaultRegistry has every built-in provider registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterDetector("energy", func(o Options) (DetectorFactory, error) {
		return NewEnergyDetectorFactory(o.Energy), nil
	})
	r.RegisterDetector("http", func(o Options) (DetectorFactory, error) {
		return NewHTTPDetectorFactory(o.HTTPVAD)
	})
	r.RegisterDetector("noop", func(Options) (DetectorFactory, error) {
		return NoopDetectorFactory, nil
	})

	r.RegisterRecognizer("http", func(o Options) (Recognizer, error) {
		return NewHTTPRecognizer(o.HTTPASR)
	})
	r.RegisterRecognizer("mock", func(o Options) (Recognizer, error) {
		text := o.MockASR
		if text == "" {
			text = "simulated voice input"
		}
		return &MockRecognizer{Text: text}, nil
	})
	r.RegisterRecognizer("noop", func(Options) (Recognizer, error) { return noopRecognizer{}, nil })

	r.RegisterIntent("keyword", func(o Options) (IntentHandler, error) {
		return NewKeywordIntent(o.Keyword), nil
	})
	r.RegisterIntent("noop", func(Options) (IntentHandler, error) { return noopIntent{}, nil })

	r.RegisterChat("http", func(o Options) (Chatter, error) { return NewHTTPChatter(o.Chat) })
	r.RegisterChat("echo", func(Options) (Chatter, error) { return EchoChatter{}, nil })
	r.RegisterChat("noop", func(Options) (Chatter, error) { return noopChatter{}, nil })
	return r
}

func (r *Registry) RegisterDetector(name string, b DetectorBuilder) {
	r.detectors[key(name)] = b
}

func (r *Registry) RegisterRecognizer(name string, b RecognizerBuilder) {
	r.recognizers[key(name)] = b
}

func (r *Registry) RegisterIntent(name string, b IntentBuilder) {
	r.intents[key(name)] = b
}

func (r *Registry) RegisterChat(name string, b ChatBuilder) {
	r.chatters[key(name)] = b
}

// Build constructs the selected providers. Unknown names are an error.
func (r *Registry) Build(sel Selection, opts Options) (Providers, error) {
	var out Providers

	db, ok := r.detectors[key(sel.VAD)]
	if !ok {
		return Providers{}, unknown("vad", sel.VAD, r.detectors)
	}
	df, err := db(opts)
	if err != nil {
		return Providers{}, fmt.Errorf("vad %q: %w", sel.VAD, err)
	}
	out.Detectors = df

	rb, ok := r.recognizers[key(sel.ASR)]
	if !ok {
		return Providers{}, unknown("asr", sel.ASR, r.recognizers)
	}
	if out.Recognizer, err = rb(opts); err != nil {
		return Providers{}, fmt.Errorf("asr %q: %w", sel.ASR, err)
	}

	ib, ok := r.intents[key(sel.Intent)]
	if !ok {
		return Providers{}, unknown("intent", sel.Intent, r.intents)
	}
	if out.Intent, err = ib(opts); err != nil {
		return Providers{}, fmt.Errorf("intent %q: %w", sel.Intent, err)
	}

	cb, ok := r.chatters[key(sel.Chat)]
	if !ok {
		return Providers{}, unknown("chat", sel.Chat, r.chatters)
	}
	if out.Chat, err = cb(opts); err != nil {
		return Providers{}, fmt.Errorf("chat %q: %w", sel.Chat, err)
	}
	return out, nil
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func unknown[T any](kind, name string, known map[string]T) error {
	names := make([]string, 0, len(known))
	for n := range known {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("unknown %s provider %q (known: %s)", kind, name, strings.Join(names, ", "))
}
