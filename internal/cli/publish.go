package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/publisher"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

func (a *app) publishCmd() *cobra.Command {
	var (
		latest bool
		daily  bool
		file   string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Send a summary artifact to the configured publishers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" && !daily && !latest {
				return failure.Newf(failure.ErrConfig, "cli", "nothing to publish: pass --latest, --daily or --file")
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Publisher.Types) == 0 {
				return failure.Newf(failure.ErrConfig, "cli", "publisher.types is empty")
			}
			pubs, err := publisher.New(cfg, a.log)
			if err != nil {
				return err
			}

			path, err := summaryPath(cfg, file, daily)
			if err != nil {
				return err
			}
			s, err := summarizer.ReadFile(path)
			if err != nil {
				return err
			}

			if err := publisher.PublishAll(cmd.Context(), pubs, s, a.log); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Published %s to %d publisher(s)\n", path, len(pubs))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&latest, "latest", "l", true, "publish the newest summary in the output directory (default; --file and --daily take precedence)")
	cmd.Flags().BoolVar(&daily, "daily", false, "publish the newest summary written today")
	cmd.Flags().StringVarP(&file, "file", "f", "", "publish a summary file")
	cmd.MarkFlagsMutuallyExclusive("daily", "file")
	return cmd
}
