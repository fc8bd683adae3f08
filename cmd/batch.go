package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/clock/system"
	"github.com/atlosdotorg/atlos/internal/dispatcher"
	"github.com/atlosdotorg/atlos/internal/id/uuid"
	memqueue "github.com/atlosdotorg/atlos/internal/queue/memory"
	"github.com/atlosdotorg/atlos/internal/storage/memory"
	"github.com/atlosdotorg/atlos/internal/worker"
)

type batchOptions struct {
	input  string
	out    string
	strict bool
}

// batchSummary counts job outcomes after a batch drains.
type batchSummary struct {
	Total     int
	Succeeded int
	Failed    int
}

func newBatchCmd() *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Capture every URL listed in a file, one output directory per URL.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.input == "" {
				return errors.New("--input is required")
			}
			cfg := configFrom(cmd.Context())
			if opts.out == "" {
				opts.out = cfg.Output.Dir
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			f, err := os.Open(opts.input)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer f.Close()
			urls, err := readURLList(f)
			if err != nil {
				return err
			}

			summary, err := runBatch(cmd.Context(), appInstance, urls, cfg.Batch.Concurrency, cfg.Batch.QueueDepth, opts.out, loggerFrom(cmd.Context()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d captured, %d failed, %d total\n", summary.Succeeded, summary.Failed, summary.Total)
			if opts.strict && summary.Failed > 0 {
				return fmt.Errorf("%d of %d captures failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.input, "input", "", "file with one URL per line (# starts a comment)")
	cmd.Flags().StringVar(&opts.out, "out", "", "parent directory for per-URL output directories")
	cmd.Flags().Int("concurrency", 0, "number of captures to run at once")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit non-zero when any capture fails")
	bindConfig(cmd, flagBinding{flag: "concurrency", key: "batch.concurrency"})
	return cmd
}

// readURLList returns the non-empty, non-comment lines of r.
func readURLList(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return urls, nil
}

// runBatch pushes urls through a worker pool and waits for the queue to drain.
func runBatch(
	ctx context.Context,
	appInstance App,
	urls []string,
	concurrency, queueDepth int,
	outRoot string,
	logger *zap.Logger,
) (batchSummary, error) {
	queue := memqueue.NewQueue(queueDepth)
	jobStore := memory.NewJobStore()
	workers := dispatcher.NewPool(concurrency, queue, jobStore, worker.RunnerFunc(appInstance.Capture), worker.Config{OutputRoot: outRoot}, logger.Named("worker"))
	d := dispatcher.New(queue, jobStore, uuid.New(), system.New(), workers, logger.Named("dispatcher"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	jobIDs := make([]string, 0, len(urls))
	var submitErr error
	for _, u := range urls {
		job, err := d.Submit(ctx, archive.CaptureRequest{URL: u})
		if err != nil {
			submitErr = fmt.Errorf("submit %s: %w", u, err)
			break
		}
		jobIDs = append(jobIDs, job.ID)
	}
	d.Close()
	<-done
	if submitErr != nil {
		return batchSummary{}, submitErr
	}

	summary := batchSummary{Total: len(jobIDs)}
	for _, id := range jobIDs {
		job, err := jobStore.GetJob(ctx, id)
		if err != nil {
			return summary, fmt.Errorf("load job %s: %w", id, err)
		}
		switch job.Status {
		case archive.JobStatusSucceeded:
			summary.Succeeded++
		default:
			summary.Failed++
			logger.Warn("capture failed", zap.String("job_id", id), zap.String("url", job.Request.URL), zap.String("error", job.ErrorText))
		}
	}
	logger.Info("batch finished", zap.Int("total", summary.Total), zap.Int("succeeded", summary.Succeeded), zap.Int("failed", summary.Failed))
	return summary, nil
}
