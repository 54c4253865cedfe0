package prompt

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"

	"github.com/go-go-golems/chat-relay/pkg/chatsession"
)

// DefaultPreamble fixes the assistant persona and its boundaries.
const DefaultPreamble = "You are a warm, supportive mental wellness companion. " +
	"Listen with empathy, reflect what the user shares, and offer general, evidence-informed coping ideas. " +
	"You are not a therapist: do not diagnose conditions, prescribe treatment or give medical advice. " +
	"If the user mentions self-harm or being in danger, encourage them to contact local emergency services or a crisis line right away."

const (
	userLabel      = "User: "
	assistantLabel = "Assistant:"
	tokenEncoding  = "cl100k_base"
)

// Assembler renders the upstream prompt for one relay invocation.
// Render is a pure function of the preamble, the history and the new message.
type Assembler struct {
	preamble string
	enc      atomic.Pointer[tiktoken.Tiktoken]
}

func NewAssembler(preamble string) *Assembler {
	if strings.TrimSpace(preamble) == "" {
		preamble = DefaultPreamble
	}
	return &Assembler{preamble: preamble}
}

func (a *Assembler) Preamble() string { return a.preamble }

// Render concatenates the preamble, each past turn as a User/Assistant line pair,
// and the new user line followed by an open "Assistant:" marker.
func (a *Assembler) Render(history []chatsession.Turn, userText string) string {
	var b strings.Builder
	b.WriteString(a.preamble)
	b.WriteString("\n\n")
	for _, t := range history {
		writeLine(&b, userLabel, t.UserText)
		writeLine(&b, assistantLabel+" ", t.AssistantText)
	}
	writeLine(&b, userLabel, userText)
	b.WriteString(assistantLabel)
	return b.String()
}

func writeLine(b *strings.Builder, label, text string) {
	b.WriteString(label)
	b.WriteString(text)
	b.WriteString("\n")
}

// LoadEncoding fetches the cl100k_base encoding used by CountTokens. The
// first load may download the BPE ranks, so call it off the request path. It
// returns early with ctx.Err() when ctx ends; the load then completes in the
// background.
func (a *Assembler) LoadEncoding(ctx context.Context) error {
	if a.enc.Load() != nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err == nil {
			a.enc.Store(enc)
		}
		done <- err
	}()
	select {
	case err := <-done:
		return errors.Wrapf(err, "load %s encoding", tokenEncoding)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountTokens estimates the prompt size for logging. It never blocks: before
// LoadEncoding has succeeded it returns a characters/4 estimate.
func (a *Assembler) CountTokens(text string) int {
	enc := a.enc.Load()
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
