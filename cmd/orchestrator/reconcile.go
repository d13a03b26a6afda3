package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splax/localvercel/internal/domain"
)

var reconcileTarget string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one container status reconciliation pass",
	Long:  "Reconcile every target, or a single one given as kind:id, and exit.",
	RunE:  runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringVar(&reconcileTarget, "target", "", "only reconcile kind:id")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if reconcileTarget == "" {
		return a.aggregator.ReconcileAll(ctx)
	}
	ref, err := parseRef(reconcileTarget)
	if err != nil {
		return err
	}
	return a.aggregator.ReconcileRef(ctx, ref)
}

func parseRef(raw string) (domain.TargetRef, error) {
	kind, id, ok := strings.Cut(raw, ":")
	ref := domain.TargetRef{Kind: domain.TargetKind(kind), ID: id}
	if !ok || !ref.Kind.Valid() || id == "" {
		return domain.TargetRef{}, fmt.Errorf("invalid target %q, want kind:id", raw)
	}
	return ref, nil
}
