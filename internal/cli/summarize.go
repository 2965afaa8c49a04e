package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/publisher"
	"github.com/ryosukesatoh/tweet-digest/internal/runner"
	"github.com/ryosukesatoh/tweet-digest/internal/store"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

func (a *app) summarizeCmd() *cobra.Command {
	var (
		source  string
		date    string
		show    bool
		publish bool
	)

	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize stored posts into a Markdown artifact",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if source == "" {
				source = cfg.Summarizer.Source
			}
			view, filter, err := viewFilter(cfg, source, date)
			if err != nil {
				return err
			}
			cfg.Summarizer.Source = string(view)

			s, err := summarizer.New(cfg)
			if err != nil {
				return err
			}
			var pubs []publisher.Publisher
			if publish {
				if pubs, err = publisher.New(cfg, a.log); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			st, err := a.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			d := runner.NewDigest(st, s, pubs, cfg.Summarizer.OutputDir, a.log)
			summary, path, err := d.Run(ctx, view, filter)
			if errors.Is(err, summarizer.ErrNoPosts) {
				fmt.Fprintf(a.out, "No posts to summarize in %s.\n", describeView(view, filter))
				return nil
			}
			if summary != nil && show {
				fmt.Fprintln(a.out, summary.Markdown)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Summary saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "posts to summarize: latest, daily, all (default from config)")
	cmd.Flags().StringVarP(&date, "date", "d", "", "day for the daily source, YYYY-MM-DD (default today)")
	cmd.Flags().BoolVarP(&show, "print", "p", false, "print the summary")
	cmd.Flags().BoolVar(&publish, "publish", false, "send the summary to the configured publishers")
	return cmd
}

// viewFilter resolves a source name and an optional date. The daily view
// defaults to today in the storage time zone.
func viewFilter(cfg *config.Config, source, date string) (store.View, store.Filter, error) {
	view, err := store.ParseView(source)
	if err != nil {
		return "", store.Filter{}, err
	}
	var filter store.Filter
	if view == store.ViewDaily {
		filter.Date = date
		if filter.Date == "" {
			filter.Date = store.DayKey(time.Now(), cfg.Location())
		}
	}
	return view, filter, nil
}

func describeView(view store.View, filter store.Filter) string {
	if view == store.ViewDaily {
		return fmt.Sprintf("daily %s", filter.Date)
	}
	return string(view)
}
