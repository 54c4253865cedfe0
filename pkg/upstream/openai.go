package upstream

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
// The rendered prompt is sent as a single user message.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAI(s Settings) (*OpenAI, error) {
	if strings.TrimSpace(s.APIKey) == "" && s.BaseURL == "" {
		return nil, errors.New("openai: api key is required (OPENAI_API_KEY)")
	}
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	model := s.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: float32(s.Temperature),
	}, nil
}

func (o *OpenAI) Name() string { return ProviderOpenAI + ":" + o.model }

func (o *OpenAI) Stream(ctx context.Context, prompt string) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: o.temperature,
		Stream:      true,
	}
	stream, err := o.client.CreateChatCompletionStream(streamCtx, req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "openai: open stream")
	}
	log.Debug().Str("component", "upstream").Str("provider", ProviderOpenAI).Str("model", o.model).Msg("stream opened")
	return &openAIStream{stream: stream, cancel: cancel}, nil
}

type openAIStream struct {
	stream    *openai.ChatCompletionStream
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", errors.Wrap(err, "openai stream")
		}
		if len(resp.Choices) == 0 {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.stream.Close()
	})
}
