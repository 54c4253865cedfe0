package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/pkg/config"
	"github.com/go-go-golems/chat-relay/pkg/logging"
)

var version = "dev"

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	withCaller bool
}

func newRootCommand() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:           "chat-relay",
		Short:         "Stream LLM replies to browsers over SSE with bounded per-session history",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&rf.configPath, "config", "", "Path to a YAML config file")
	pf.StringVar(&rf.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&rf.logFormat, "log-format", "", "Log format (text, json); defaults to text on a terminal")
	pf.BoolVar(&rf.withCaller, "with-caller", false, "Include caller file:line in log lines")

	root.AddCommand(newServeCommand(rf), newAskCommand(rf), newJournalCommand(rf))
	return root
}

// loadSettings resolves the layered configuration and initializes logging.
// Flags changed on cmd are applied last by apply.
func loadSettings(cmd *cobra.Command, rf *rootFlags, apply func(*config.Settings)) (config.Settings, error) {
	s, err := config.Load(rf.configPath, ".env")
	if err != nil {
		return s, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		s.Logging.Level = rf.logLevel
	}
	if flags.Changed("log-format") {
		s.Logging.Format = rf.logFormat
	}
	if flags.Changed("with-caller") {
		s.Logging.WithCaller = rf.withCaller
	}
	if apply != nil {
		apply(&s)
	}
	s.Normalize()
	if err := logging.Init(s.Logging); err != nil {
		return s, errors.Wrap(err, "init logging")
	}
	return s, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
