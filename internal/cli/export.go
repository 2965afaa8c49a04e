package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/tweet-digest/internal/store"
)

func (a *app) exportCmd() *cobra.Command {
	var (
		source string
		date   string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored posts as Markdown",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			view, filter, err := viewFilter(cfg, source, date)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			st, err := a.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			posts, err := st.Read(ctx, view, filter)
			if err != nil {
				return err
			}
			if len(posts) == 0 {
				fmt.Fprintf(a.out, "No posts to export in %s.\n", describeView(view, filter))
				return nil
			}

			now := time.Now()
			if out == "-" {
				return store.ExportMarkdown(a.out, posts, now)
			}
			if out == "" {
				out = store.ExportFileName(now)
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if err := store.ExportMarkdown(f, posts, now); err != nil {
				f.Close()
				return fmt.Errorf("export: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Fprintf(a.out, "Exported %d posts to %s\n", len(posts), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "all", "posts to export: latest, daily, all")
	cmd.Flags().StringVarP(&date, "date", "d", "", "day for the daily source, YYYY-MM-DD (default today)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, - for stdout (default tweets_export_<time>.md)")
	return cmd
}
