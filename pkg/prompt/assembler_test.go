package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/chatsession"
)

func TestRender_EmptyHistory(t *testing.T) {
	a := NewAssembler("Be kind.")
	got := a.Render(nil, "I feel anxious today")
	require.Equal(t, "Be kind.\n\nUser: I feel anxious today\nAssistant:", got)
}

func TestRender_WithHistory(t *testing.T) {
	a := NewAssembler("Be kind.")
	history := []chatsession.Turn{
		{UserText: "hi", AssistantText: "Hello! How are you?"},
		{UserText: "tired", AssistantText: "That sounds hard."},
	}
	got := a.Render(history, "and stressed")
	want := "Be kind.\n\n" +
		"User: hi\nAssistant: Hello! How are you?\n" +
		"User: tired\nAssistant: That sounds hard.\n" +
		"User: and stressed\nAssistant:"
	require.Equal(t, want, got)
	require.True(t, strings.HasSuffix(got, "Assistant:"))
}

func TestRender_IsDeterministic(t *testing.T) {
	a := NewAssembler("")
	history := []chatsession.Turn{{UserText: "a", AssistantText: "b"}}
	first := a.Render(history, "c")
	for i := 0; i < 10; i++ {
		require.Equal(t, first, a.Render(history, "c"))
	}
	require.Equal(t, first, NewAssembler("").Render(history, "c"))
}

func TestNewAssembler_DefaultPreamble(t *testing.T) {
	require.Equal(t, DefaultPreamble, NewAssembler("  ").Preamble())
}

func TestCountTokens_EstimatesWithoutLoadedEncoding(t *testing.T) {
	a := NewAssembler("")
	prompt := a.Render(nil, "I feel anxious today")
	require.Equal(t, len(prompt)/4, a.CountTokens(prompt))
	require.Equal(t, 0, a.CountTokens(""))
	require.Nil(t, a.enc.Load(), "counting must not load the encoding")
}
