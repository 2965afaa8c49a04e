package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/tweet-digest/internal/store"
)

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#1D7FD1", Dark: "#1DA1F2"}
	colorDim    = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorDim).
			Width(14)

	valueStyle = lipgloss.NewStyle().Bold(true)
)

// maxStatDays is how many daily buckets stats lists.
const maxStatDays = 7

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := a.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			renderStats(a.out, stats)
			return nil
		},
	}
}

func renderStats(w io.Writer, s store.Stats) {
	row := func(label, value string) {
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value)))
	}

	fmt.Fprintln(w, titleStyle.Render("tweet-digest store"))
	row("Driver", s.Driver)
	row("Location", s.Location)
	row("Total posts", fmt.Sprint(s.Total))
	row("Latest poll", fmt.Sprintf("%d posts", s.Latest))
	row("Daily buckets", fmt.Sprint(len(s.Days)))
	row("Size", formatBytes(s.SizeBytes))

	if len(s.Days) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Recent days"))
	for i, d := range s.Days {
		if i == maxStatDays {
			fmt.Fprintf(w, "  … %d more\n", len(s.Days)-maxStatDays)
			break
		}
		row("  "+d.Date, fmt.Sprintf("%d posts", d.Count))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (a *app) daysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "days",
		Short: "List the daily buckets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := a.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			if len(stats.Days) == 0 {
				fmt.Fprintln(a.out, "No daily buckets yet. Run 'tweet-digest monitor' first.")
				return nil
			}
			for _, d := range stats.Days {
				fmt.Fprintf(a.out, "%s  %d posts\n", d.Date, d.Count)
			}
			return nil
		},
	}
}

func (a *app) clearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored post",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("clear: refusing to delete stored posts without --yes")
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := a.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Store cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}
