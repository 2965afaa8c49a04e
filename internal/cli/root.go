// Package cli provides the command-line interface for tweet-digest.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/store"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	logFormat  string
	out        io.Writer
	errOut     io.Writer
	log        *slog.Logger
}

// NewRootCmd builds the tweet-digest command tree. Output goes to out and
// logs to errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "tweet-digest",
		Short: "Monitor Twitter accounts and send AI summaries",
		Long: "tweet-digest polls Twitter accounts for new posts, keeps them in a local store, " +
			"summarizes them through an OpenAI-compatible API and sends the summary to Feishu " +
			"or other publishers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(a.errOut, a.logFormat)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "log format: text, json")

	root.AddCommand(
		a.monitorCmd(),
		a.summarizeCmd(),
		a.sendCmd(),
		a.publishCmd(),
		a.serveCmd(),
		a.exportCmd(),
		a.statsCmd(),
		a.daysCmd(),
		a.clearCmd(),
		a.versionCmd(),
	)
	return root
}

// Execute runs the root command with stdout and stderr. Interrupt and
// SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.out, "tweet-digest %s (%s)\n", Version, Commit)
		},
	}
}

func newLogger(w io.Writer, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, failure.Newf(failure.ErrConfig, "cli", "unknown log format %q (want text or json)", format)
	}
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st, err := store.Open(ctx, cfg, a.log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
