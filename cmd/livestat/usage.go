package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/livestat/internal/config"
	"github.com/goodtune/livestat/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show today's usage counter",
	Long:  `Show how much of today's viewing budget has been used, read from the configured storage.`,
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	clock := usage.NewClock(store.Usage(), usage.Config{
		ClientID: cfg.Usage.ClientID,
		Limit:    config.ParseDuration(cfg.Usage.Limit, time.Hour),
	}, quartz.NewReal(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if err := clock.Load(ctx); err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}

	printUsage(cmd.OutOrStdout(), cfg.Usage.ClientID, clock.Counter())
	return nil
}

// usageColor is green below 80% of the limit, yellow until exhausted, then red.
func usageColor(c usage.Counter) *color.Color {
	switch {
	case c.Remaining() == 0:
		return color.New(color.FgRed, color.Bold)
	case c.SecondsUsed*5 >= c.LimitSeconds*4:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgGreen)
	}
}

func printUsage(out io.Writer, clientID string, c usage.Counter) {
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Fprintf(out, "Usage for %s on %s\n", clientID, c.DayStamp)
	_, _ = usageColor(c).Fprintf(out, "  used:      %s of %s\n",
		time.Duration(c.SecondsUsed)*time.Second, time.Duration(c.LimitSeconds)*time.Second)
	_, _ = fmt.Fprintf(out, "  remaining: %s\n", time.Duration(c.Remaining())*time.Second)
	if c.Remaining() == 0 {
		_, _ = color.New(color.FgRed, color.Bold).Fprintln(out, "  daily limit reached, viewing is halted until reset")
	}
}
