package cmd

import (
	"github.com/spf13/cobra"

	"github.com/atlosdotorg/atlos/internal/api"
	"github.com/atlosdotorg/atlos/internal/server"
	"github.com/atlosdotorg/atlos/internal/worker"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture HTTP service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := configFrom(cmd.Context())
			apiKey := ""
			if cfg.Auth.Enabled {
				apiKey = cfg.Auth.APIKey
			}

			srv := server.New(server.Config{
				Port:           cfg.Server.Port,
				APIKey:         apiKey,
				RequestTimeout: cfg.RequestTimeout(),
				Workers:        cfg.Batch.Concurrency,
				QueueDepth:     cfg.Batch.QueueDepth,
				OutputRoot:     cfg.Output.Dir,
			}, worker.RunnerFunc(appInstance.Capture), loggerFrom(cmd.Context()).Named("server"),
				api.WithReadinessCheck("auto_archiver", appInstance.ArchiverReady),
			)
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 0, "HTTP listen port")
	bindConfig(cmd, flagBinding{flag: "port", key: "server.port"})
	return cmd
}
