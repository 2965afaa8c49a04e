package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/publisher"
	"github.com/ryosukesatoh/tweet-digest/internal/store"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

const testMessage = "tweet-digest: Feishu connection test"

func (a *app) sendCmd() *cobra.Command {
	var (
		latest bool
		daily  bool
		file   string
		text   string
		test   bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a summary or a text message to Feishu",
		Example: `  tweet-digest send --test          # check the app credentials
  tweet-digest send --text 'hello'  # send a text message
  tweet-digest send --file x.md     # send a summary file
  tweet-digest send --latest        # send the newest summary`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !latest && !daily && file == "" && text == "" && !test {
				return cmd.Help()
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateFeishu(); err != nil {
				return err
			}
			feishu := publisher.NewFeishuPublisher(cfg.Feishu, a.log)
			ctx := cmd.Context()

			switch {
			case test:
				if err := feishu.CheckConnection(ctx); err != nil {
					return fmt.Errorf("feishu connection test failed: %w", err)
				}
				fmt.Fprintln(a.out, "Feishu credentials OK.")
				if err := feishu.SendText(ctx, testMessage); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "Test message sent.")
				return nil
			case text != "":
				if err := feishu.SendText(ctx, text); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "Message sent.")
				return nil
			}

			path, err := summaryPath(cfg, file, daily)
			if err != nil {
				return err
			}
			s, err := summarizer.ReadFile(path)
			if err != nil {
				return err
			}
			if err := feishu.Publish(ctx, s); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Sent %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&latest, "latest", "l", false, "send the newest summary in the output directory")
	cmd.Flags().BoolVar(&daily, "daily", false, "send the newest summary written today")
	cmd.Flags().StringVarP(&file, "file", "f", "", "send a summary file")
	cmd.Flags().StringVarP(&text, "text", "t", "", "send a text message")
	cmd.Flags().BoolVarP(&test, "test", "T", false, "check the Feishu connection")
	cmd.MarkFlagsMutuallyExclusive("latest", "daily", "file", "text", "test")
	return cmd
}

// summaryPath picks the artifact to send: an explicit file, today's newest
// summary, or the newest summary overall.
func summaryPath(cfg *config.Config, file string, daily bool) (string, error) {
	switch {
	case file != "":
		return file, nil
	case daily:
		return summarizer.LatestFileOn(cfg.Summarizer.OutputDir, store.DayKey(time.Now(), time.Local))
	default:
		return summarizer.LatestFile(cfg.Summarizer.OutputDir)
	}
}
