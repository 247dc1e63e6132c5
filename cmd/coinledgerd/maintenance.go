package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const outcomePending = "pending"

type unreconciledLine struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
	Outcome     string    `json:"outcome"`
	Summary     string    `json:"summary,omitempty"`
}

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "List claimed events that have no outcome or a failed one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			olderThan, _ := cmd.Flags().GetDuration(flagOlderThan)
			limit, _ := cmd.Flags().GetInt(flagLimit)
			return runReconcile(cmd, cfg, time.Now().UTC().Add(-olderThan), limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Duration(flagOlderThan, defaultOlderThan, "skip events claimed more recently than this")
	cmd.Flags().Int(flagLimit, 100, "maximum events to list (0 lists all)")
	return cmd
}

func runReconcile(cmd *cobra.Command, cfg *runtimeConfig, before time.Time, limit int, out io.Writer) error {
	store, _, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	events, err := store.ListUnreconciled(cmd.Context(), before, limit)
	if err != nil {
		return fmt.Errorf("list unreconciled: %w", err)
	}
	encoder := json.NewEncoder(out)
	for _, event := range events {
		line := unreconciledLine{EventID: event.EventID, EventType: event.EventType, ProcessedAt: event.ProcessedAt, Outcome: outcomePending}
		outcome, err := store.GetOutcome(cmd.Context(), event.EventID)
		switch {
		case errors.Is(err, ledger.ErrOutcomeNotFound):
		case err != nil:
			return fmt.Errorf("get outcome %s: %w", event.EventID, err)
		default:
			line.Outcome = string(outcome.Status)
			line.Summary = outcome.Summary
		}
		if err := encoder.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete processed event ids older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			removed, err := store.PruneEvents(cmd.Context(), time.Now().UTC().Add(-cfg.Retention))
			if err != nil {
				return fmt.Errorf("prune events: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d events older than %s\n", removed, cfg.Retention)
			return err
		},
	}
}
