package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory and embedding counts for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(userID)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runStats(userID int64) error {
	eng, err := bootstrap()
	if err != nil {
		return err
	}
	defer eng.close()

	ctx := contextForCommand()
	total, err := eng.store.CountMemories(ctx, userID)
	if err != nil {
		return err
	}
	missing, err := eng.store.ListUnembedded(ctx, userID)
	if err != nil {
		return err
	}
	digest, err := eng.store.EmbeddingDigest(ctx, userID)
	if err != nil {
		return err
	}

	fmt.Printf("user:        %d\n", userID)
	fmt.Printf("memories:    %d\n", total)
	fmt.Printf("embedded:    %d\n", total-len(missing))
	fmt.Printf("unembedded:  %d\n", len(missing))
	fmt.Printf("digest:      %s\n", digest)
	return nil
}
