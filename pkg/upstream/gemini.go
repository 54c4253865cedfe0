package upstream

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const DefaultGeminiModel = "gemini-1.5-flash"

// Gemini streams completions from the Google Generative Language API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGemini(ctx context.Context, s Settings) (*Gemini, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("gemini: api key is required (GOOGLE_API_KEY)")
	}
	opts := []option.ClientOption{option.WithAPIKey(s.APIKey)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(s.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "gemini: create client")
	}
	model := s.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{client: client, model: model, temperature: float32(s.Temperature)}, nil
}

func (g *Gemini) Name() string { return ProviderGemini + ":" + g.model }

func (g *Gemini) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *Gemini) Stream(ctx context.Context, prompt string) (Stream, error) {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(g.temperature)

	streamCtx, cancel := context.WithCancel(ctx)
	it := m.GenerateContentStream(streamCtx, genai.Text(prompt))
	log.Debug().Str("component", "upstream").Str("provider", ProviderGemini).Str("model", g.model).Msg("stream opened")
	return &geminiStream{it: it, cancel: cancel}, nil
}

type geminiStream struct {
	it     *genai.GenerateContentResponseIterator
	cancel context.CancelFunc

	closeOnce sync.Once
	// a single response may carry several text parts; they are handed out one by one
	pending []string
}

func (s *geminiStream) Recv() (string, error) {
	for len(s.pending) == 0 {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", errors.Wrap(err, "gemini stream")
		}
		s.pending = append(s.pending, responseText(resp)...)
	}
	frag := s.pending[0]
	s.pending = s.pending[1:]
	return frag, nil
}

func (s *geminiStream) Close() {
	s.closeOnce.Do(s.cancel)
}

func responseText(resp *genai.GenerateContentResponse) []string {
	if resp == nil {
		return nil
	}
	var out []string
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok && t != "" {
				out = append(out, string(t))
			}
		}
	}
	return out
}
