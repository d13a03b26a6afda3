package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/splax/localvercel/internal/domain"
)

var (
	cleanupAppID string
	cleanupPR    int
)

var cleanupPreviewCmd = &cobra.Command{
	Use:   "cleanup-preview",
	Short: "Cancel deployments and remove the containers of a pull request preview",
	RunE:  runCleanupPreview,
}

func init() {
	rootCmd.AddCommand(cleanupPreviewCmd)
	cleanupPreviewCmd.Flags().StringVar(&cleanupAppID, "app", "", "application id (required)")
	cleanupPreviewCmd.Flags().IntVar(&cleanupPR, "pr", 0, "pull request id (required)")
	cleanupPreviewCmd.MarkFlagRequired("app")
	cleanupPreviewCmd.MarkFlagRequired("pr")
}

func runCleanupPreview(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	// Close waits for the scheduled teardown.
	defer a.Close()

	target, err := a.store.GetTarget(ctx, domain.TargetRef{Kind: domain.KindApplication, ID: cleanupAppID})
	if err != nil {
		return fmt.Errorf("load application: %w", err)
	}
	app, ok := target.(*domain.Application)
	if !ok {
		return fmt.Errorf("%s is not an application", cleanupAppID)
	}
	res, err := a.previews.Cleanup(ctx, app, cleanupPR, nil)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
