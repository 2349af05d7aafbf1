package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/adapters/objectstore"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/retention"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/logging"
)

func newRetentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Show the effective retention policy",
		Long: `Prints the clamped retention day count, the matching max-age in seconds and
the expiry instant for an object created now. With --sweep it also deletes
stored objects older than the retention period.`,
		RunE: runRetention,
	}
	cmd.Flags().String("days", "", "Raw retention value (overrides configuration)")
	cmd.Flags().String("now", "", "Reference time in RFC 3339 (default: current time)")
	cmd.Flags().Bool("sweep", false, "Delete expired objects under storage.root")
	return cmd
}

func runRetention(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	raw := cfg.Retention.Days
	if cmd.Flags().Changed("days") {
		raw, _ = cmd.Flags().GetString("days")
	}
	policy := retention.FromString(raw)

	now := time.Now().UTC()
	if s, _ := cmd.Flags().GetString("now"); s != "" {
		now, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "days:            %d\n", policy.Days())
	fmt.Fprintf(out, "max-age-seconds: %d\n", policy.MaxAgeSeconds())
	fmt.Fprintf(out, "expires-at:      %s\n", policy.ExpiryInstant(now).UTC().Format(time.RFC3339))

	sweep, _ := cmd.Flags().GetBool("sweep")
	if !sweep {
		return nil
	}

	store, err := objectstore.NewFileStore(objectstore.FileStoreConfig{
		Root:          cfg.Storage.Root,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		Limits:        cfg.Upload.Limits(),
		Logger:        logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Output: cmd.ErrOrStderr()}),
	})
	if err != nil {
		return err
	}
	removed, err := store.Sweep(cmd.Context(), policy.Cutoff(now))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed:         %d\n", removed)
	return nil
}
