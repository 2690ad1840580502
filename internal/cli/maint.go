package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/cookiepool/internal/attempts"
	"github.com/yangwenmai/cookiepool/internal/cookies"
)

func cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Evict stale artifacts and reset stuck attempts once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStorage(loadConfig())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := runCleanup(cmd, a)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

type cleanupResult struct {
	Evicted cookies.EvictionCounts `json:"evicted"`
	Reset   int                    `json:"stuck_reset"`
	Pruned  int64                  `json:"pruned"`
}

func runCleanup(cmd *cobra.Command, a *app) (cleanupResult, error) {
	var res cleanupResult
	var err error
	ctx := cmd.Context()

	if res.Evicted, err = a.pool.EvictExpiredAndFailed(ctx); err != nil {
		return res, err
	}
	if res.Reset, err = a.tracker.ResetStuck(ctx, a.cfg.StuckAfter); err != nil {
		return res, err
	}
	if res.Pruned, err = a.tracker.Prune(ctx, a.cfg.AttemptRetention); err != nil {
		return res, err
	}
	return res, nil
}

func statsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pool counts and recent attempt statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStorage(loadConfig())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := collectStats(cmd, a, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "number of recent attempts to aggregate")
	return cmd
}

type statsResult struct {
	ActiveArtifacts int            `json:"active_artifacts"`
	TotalArtifacts  int            `json:"total_artifacts"`
	Attempts        attempts.Stats `json:"attempts"`
}

func collectStats(cmd *cobra.Command, a *app, limit int) (statsResult, error) {
	var res statsResult
	var err error
	ctx := cmd.Context()

	if res.ActiveArtifacts, err = a.pool.Count(ctx, true); err != nil {
		return res, err
	}
	if res.TotalArtifacts, err = a.pool.Count(ctx, false); err != nil {
		return res, err
	}
	if res.Attempts, err = a.tracker.Stats(ctx, limit); err != nil {
		return res, err
	}
	return res, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
