package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
	"github.com/ryosukesatoh/tweet-digest/internal/retry"
	"github.com/ryosukesatoh/tweet-digest/internal/runner"
)

func (a *app) monitorCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll the watched accounts and store new posts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateMonitor(); err != nil {
				return err
			}

			f, err := fetcher.New(cfg)
			if err != nil {
				return err
			}
			sched, err := runner.Schedule(cfg.Monitor)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			st, err := a.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			r := runner.New(cfg.Monitor.Accounts, f, st, sched, a.log,
				runner.WithRetry(retry.Config{MaxRetries: cfg.Monitor.Retries, BaseDelay: time.Second}))
			if err := r.Run(ctx, once); err != nil {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&once, "once", "o", false, "run a single pass and exit")
	return cmd
}
