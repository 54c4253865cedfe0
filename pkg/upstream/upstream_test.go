package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func openAICompatServer(t *testing.T, fragments []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i, f := range fragments {
			chunk := map[string]any{
				"id":      fmt.Sprintf("chunk-%d", i),
				"object":  "chat.completion.chunk",
				"created": 0,
				"model":   req["model"],
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": f}}},
			}
			b, _ := json.Marshal(chunk)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_StreamsFragmentsInOrder(t *testing.T) {
	srv := openAICompatServer(t, []string{"Hello", " there", "!"})
	g, err := NewOpenAI(Settings{Provider: ProviderOpenAI, Model: "test-model", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "openai:test-model", g.Name())

	s, err := g.Stream(context.Background(), "User: hi\nAssistant:")
	require.NoError(t, err)
	got, err := Collect(s)
	require.NoError(t, err)
	require.Equal(t, "Hello there!", got)
}

func TestNew_UnknownProvider(t *testing.T) {
	_, _, err := New(context.Background(), Settings{Provider: "nope"})
	require.Error(t, err)
}

func TestNew_GeminiRequiresKey(t *testing.T) {
	_, _, err := New(context.Background(), Settings{Provider: ProviderGemini})
	require.Error(t, err)
}

func TestScripted_ReplaysThenEOF(t *testing.T) {
	g := &Scripted{Fragments: []string{"a", "b"}}
	s, err := g.Stream(context.Background(), "p")
	require.NoError(t, err)

	f, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, "a", f)
	f, err = s.Recv()
	require.NoError(t, err)
	require.Equal(t, "b", f)
	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)

	s.Close()
	require.True(t, g.AllClosed())
	require.Equal(t, []string{"p"}, g.Prompts())
}

func TestScripted_TrailingError(t *testing.T) {
	boom := errors.New("boom")
	g := &Scripted{Fragments: []string{"a"}, Err: boom}
	s, err := g.Stream(context.Background(), "p")
	require.NoError(t, err)
	got, err := Collect(s)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "a", got)
}

func TestScripted_ContextCancelClosesStream(t *testing.T) {
	g := &Scripted{HoldOpen: true}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := g.Stream(ctx, "p")
	require.NoError(t, err)

	cancel()
	_, err = s.Recv()
	require.ErrorIs(t, err, ErrStreamClosed)
	require.True(t, g.AllClosed())
}
