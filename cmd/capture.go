package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
)

// errAllBackendsFailed is returned under --strict when no backend produced anything.
var errAllBackendsFailed = errors.New("all capture backends failed")

type captureOptions struct {
	url            string
	file           string
	out            string
	archiverConfig string
	strict         bool
}

func newCaptureCmd() *cobra.Command {
	opts := &captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one URL or local file into an output directory.",
		Example: `  archiver capture --url https://example.com/post/1 --out ./out/post-1
  archiver capture --file ./evidence.mp4 --out ./out/evidence`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.url == "" && opts.file == "" {
				return errors.New("one of --url or --file is required")
			}
			if opts.out == "" {
				return errors.New("--out is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := loggerFrom(cmd.Context())

			outcome, err := appInstance.Capture(cmd.Context(), archive.CaptureRequest{
				URL:            opts.url,
				LocalFile:      opts.file,
				OutputDir:      opts.out,
				ArchiverConfig: opts.archiverConfig,
			})
			if err != nil {
				return fmt.Errorf("capture: %w", err)
			}
			logger.Info("capture finished",
				zap.String("run_id", outcome.RunID),
				zap.String("report", outcome.ReportPath),
				zap.Int("artifacts", len(outcome.Report.Artifacts)),
				zap.Any("backend_status", outcome.Report.BackendStatus),
			)
			fmt.Fprintln(cmd.OutOrStdout(), outcome.ReportPath)

			if outcome.AllFailed() {
				logger.Warn("every capture backend failed", zap.String("url", opts.url))
				if opts.strict {
					return errAllBackendsFailed
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "URL to capture")
	cmd.Flags().StringVar(&opts.file, "file", "", "local file to include in the archive")
	cmd.Flags().StringVar(&opts.out, "out", "", "output directory; must not already hold a report")
	cmd.Flags().StringVar(&opts.archiverConfig, "auto-archiver-config", "", "general archiver config for this run (overrides configuration)")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit non-zero when every backend fails")
	return cmd
}
