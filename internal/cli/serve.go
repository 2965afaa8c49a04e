package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/tweet-digest/internal/publisher"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the newest summary over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Publisher.Web.Addr
			}

			web := publisher.NewWebPublisher(addr, cfg.Summarizer.OutputDir, a.log)
			if err := web.Start(); err != nil {
				return err
			}

			<-cmd.Context().Done()
			a.log.Info("Shutting down web server")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return web.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
