package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/clock/system"
	"github.com/atlosdotorg/atlos/internal/export"
)

// apiKeyEnv names the environment variable (or .env entry) holding the API key.
const apiKeyEnv = "API_KEY"

type exportOptions struct {
	out     string
	envFile string
}

func newExportCmd() *cobra.Command {
	opts := &exportOptions{}
	cmd := &cobra.Command{
		Use:         "export",
		Short:       "Export every incident, source material item, and update of a project.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", opts.envFile, err)
			}
			cfg := configFrom(cmd.Context())
			logger := loggerFrom(cmd.Context()).Named("export")

			apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv))
			if apiKey == "" {
				apiKey = cfg.Export.APIKey
			}
			if apiKey == "" {
				return fmt.Errorf("%s not found in environment or %s", apiKeyEnv, opts.envFile)
			}

			client, err := export.NewClient(export.ClientConfig{
				BaseURL: cfg.Export.BaseURL,
				APIKey:  apiKey,
				Timeout: cfg.ExportTimeout(),
			}, logger)
			if err != nil {
				return err
			}
			summary, err := export.New(client, system.New(), cfg.Export.Concurrency, logger).Export(cmd.Context(), opts.out)
			if err != nil {
				return err
			}
			logger.Info("export summary", zap.Any("summary", summary))
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d incidents, %d source material items, %d updates to %s (%d files, %d failed)\n",
				summary.Incidents, summary.SourceMaterial, summary.Updates, opts.out, summary.Downloaded, summary.FailedDownloads)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.out, "out", "./export", "output directory")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to read "+apiKeyEnv+" from")
	cmd.Flags().String("base-url", "", "project API origin")
	bindConfig(cmd, flagBinding{flag: "base-url", key: "export.base_url"})
	return cmd
}
