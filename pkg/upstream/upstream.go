// Package upstream adapts streaming text-generation APIs to a single pull-based
// fragment stream.
//
// A Stream yields ordered text fragments via Recv and reports io.EOF once the
// provider has finished. Close releases the underlying request; it is safe to
// call more than once and is how the relay cancels an in-flight generation.
package upstream

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ProviderGemini   = "gemini"
	ProviderOpenAI   = "openai"
	ProviderScripted = "scripted"
)

// Stream is a single in-flight generation.
type Stream interface {
	// Recv blocks for the next fragment. It returns io.EOF after the last one.
	Recv() (string, error)
	Close()
}

// Generator opens generation streams for rendered prompts.
type Generator interface {
	Name() string
	Stream(ctx context.Context, prompt string) (Stream, error)
}

// Settings selects and configures a provider.
type Settings struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`

	// Script and ScriptDelay configure the offline scripted provider.
	Script      []string      `yaml:"script"`
	ScriptDelay time.Duration `yaml:"script_delay"`
}

// New builds the generator named by s.Provider. The returned io.Closer releases
// provider clients and may be a no-op.
func New(ctx context.Context, s Settings) (Generator, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case ProviderGemini, "":
		g, err := NewGemini(ctx, s)
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	case ProviderOpenAI:
		g, err := NewOpenAI(s)
		if err != nil {
			return nil, nil, err
		}
		return g, nopCloser{}, nil
	case ProviderScripted:
		if len(s.Script) == 0 {
			return nil, nil, errors.New("scripted provider needs at least one fragment")
		}
		return &Scripted{Fragments: s.Script, Delay: s.ScriptDelay}, nopCloser{}, nil
	default:
		return nil, nil, errors.Errorf("unknown provider %q", s.Provider)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Collect drains a stream into a single string. Used by tests and tools.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
}
