package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mnemos/internal/core"
	"mnemos/internal/pipeline"
)

func newIngestCmd() *cobra.Command {
	var (
		userID   int64
		memType  string
		summary  string
		keywords []string
	)

	cmd := &cobra.Command{
		Use:   "ingest [content]",
		Short: "Ingest a memory for a user",
		Long: `Persist a memory and schedule its embedding. Content is taken
from the argument, or from stdin when the argument is "-".

Examples:
  mnemos ingest --user 1 "Learned about goroutine leaks today"
  cat notes.txt | mnemos ingest --user 1 -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := args[0]
			if content == "-" {
				data, err := readStdin()
				if err != nil {
					return err
				}
				content = data
			}
			return runIngest(userID, content, memType, summary, keywords)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id (required)")
	cmd.Flags().StringVar(&memType, "type", "chat", "memory type: chat, summary, or test")
	cmd.Flags().StringVar(&summary, "summary", "", "optional short summary")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "comma-separated keywords")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runIngest(userID int64, content, memType, summary string, keywords []string) error {
	eng, err := bootstrap()
	if err != nil {
		return err
	}
	defer eng.close()

	id, err := eng.coordinator.Ingest(contextForCommand(), pipeline.IngestRequest{
		UserID:   userID,
		Content:  content,
		Type:     core.MemoryType(memType),
		Summary:  summary,
		Keywords: keywords,
	})
	if err != nil {
		return err
	}

	fmt.Println(id)
	return nil
}

func readStdin() (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
