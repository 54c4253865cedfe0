package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type askFlags struct {
	server    string
	sessionID string
	render    bool
	style     string
}

func newAskCommand(rf *rootFlags) *cobra.Command {
	af := &askFlags{}
	cmd := &cobra.Command{
		Use:   "ask [message...]",
		Short: "Send one message to a running relay and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadSettings(cmd, rf, nil); err != nil {
				return err
			}
			sessionID := af.sessionID
			if sessionID == "" {
				sessionID = uuid.NewString()
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", sessionID)
			}
			out := cmd.OutOrStdout()
			reply, err := ask(cmd.Context(), http.DefaultClient, af.server, sessionID, strings.Join(args, " "), func(frag string) error {
				_, err := io.WriteString(out, frag)
				return err
			})
			_, _ = fmt.Fprintln(out)
			if err != nil {
				return err
			}
			if af.render && isatty.IsTerminal(os.Stdout.Fd()) {
				rendered, err := glamour.Render(reply, af.style)
				if err != nil {
					log.Warn().Err(err).Msg("markdown render failed")
					return nil
				}
				_, _ = fmt.Fprint(out, rendered)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&af.server, "server", "http://localhost:8000", "Base URL of the relay")
	f.StringVar(&af.sessionID, "session-id", "", "Session to continue (a new one is created when empty)")
	f.BoolVar(&af.render, "render", false, "Render the full reply as markdown when stdout is a terminal")
	f.StringVar(&af.style, "style", "dark", "glamour style for --render")
	return cmd
}

// ask streams one reply from the relay's SSE endpoint, calling onFragment for
// every event, and returns the concatenated reply.
func ask(ctx context.Context, client *http.Client, server, sessionID, message string, onFragment func(string) error) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	q := url.Values{"session_id": {sessionID}, "contents": {message}}
	u := strings.TrimRight(server, "/") + "/stream-chat?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "request relay")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Errorf("relay returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var reply strings.Builder
	err = readSSE(resp.Body, func(data string) error {
		reply.WriteString(data)
		return onFragment(data)
	})
	return reply.String(), err
}

// readSSE calls fn with the data of every event in r. Multi-line data is
// joined with "\n"; comments and other fields are ignored.
func readSSE(r io.Reader, fn func(data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	has := false
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if has {
				if err := fn(strings.Join(lines, "\n")); err != nil {
					return err
				}
			}
			lines, has = lines[:0], false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		lines = append(lines, strings.TrimPrefix(value, " "))
		has = true
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read event stream")
	}
	return nil
}
