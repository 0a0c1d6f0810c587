package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRepairCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Re-embed memories with missing or invalid vectors",
		Long: `Scan a user's memories for missing embeddings, recompute them,
and invalidate cached artifacts so the next read rebuilds.

Examples:
  mnemos repair --user 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(userID)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runRepair(userID int64) error {
	eng, err := bootstrap()
	if err != nil {
		return err
	}
	defer eng.close()

	count, err := eng.coordinator.Repair(contextForCommand(), userID)
	if err != nil {
		return err
	}

	fmt.Printf("repaired %d embeddings\n", count)
	return nil
}

// contextForCommand bounds one-shot CLI operations.
func contextForCommand() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	_ = cancel // the process exits when the command returns
	return ctx
}
