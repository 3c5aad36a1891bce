package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/poller"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress until it finishes",
	Long: `Watch polls the job's progress log on a fixed interval and prints
each new entry in order. It stops when the job reaches a terminal state.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", poller.DefaultInterval, "Polling interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	logger := logging.NewLogger(logging.WARN, false)
	client := poller.New(serverURL, watchInterval, logger)

	fmt.Printf("Watching job %s (press Ctrl+C to stop)...\n\n", jobID)

	final, err := client.Watch(ctx, jobID,
		func(entry *models.ProgressLogEntry) {
			line := fmt.Sprintf("[%s] %5.1f%% %-11s %s",
				entry.Timestamp.Format("15:04:05"),
				entry.ProgressPercent,
				entry.Stage,
				entry.Message)
			if entry.Metrics != nil && entry.Metrics.ETASeconds > 0 {
				line += fmt.Sprintf(" (eta %s)", time.Duration(entry.Metrics.ETASeconds*float64(time.Second)).Round(time.Second))
			}
			fmt.Println(line)
		},
		nil,
	)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("\nStopped watching")
			return nil
		}
		return err
	}

	fmt.Printf("\nJob finished: %s\n", final.Status)
	if final.OutputRef != nil {
		fmt.Printf("Output: %s\n", final.OutputRef.URI())
	}
	if final.Error != nil {
		fmt.Printf("Error: [%s] %s\n", final.Error.Code, final.Error.Message)
	}
	return nil
}
