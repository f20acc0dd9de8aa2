package orchestrator

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thomsoren/openar-it2901-ntnu/internal/config"
	"github.com/thomsoren/openar-it2901-ntnu/internal/notify"
	"github.com/thomsoren/openar-it2901-ntnu/internal/orchestrator"
)

// bootstrapStream is one entry of the streams bootstrap YAML file.
type bootstrapStream struct {
	StreamID  string `yaml:"stream_id"`
	SourceURL string `yaml:"source_url"`
	Loop      bool   `yaml:"loop"`
}

func loadBootstrapStreams(path string) ([]bootstrapStream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read streams file %s: %w", path, err)
	}
	var streams []bootstrapStream
	if err := yaml.Unmarshal(data, &streams); err != nil {
		return nil, fmt.Errorf("parse streams file %s: %w", path, err)
	}
	return streams, nil
}

// StreamsCommand lists the streams declared in a bootstrap YAML file and
// starts the ones marked protected in the loaded config, going through the
// orchestrator's normal StartStream call rather than reaching into its
// internals directly.
func StreamsCommand(cfg *config.Config) *cobra.Command {
	var streamsFile string

	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List bootstrap streams and start the protected ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamsFile == "" {
				return fmt.Errorf("--file is required")
			}
			streams, err := loadBootstrapStreams(streamsFile)
			if err != nil {
				return err
			}

			protected := cfg.ProtectedSet()

			notifier, err := notify.New(notify.Config{})
			if err != nil {
				return err
			}
			orch, _ := buildOrchestrator(cfg, prometheus.NewRegistry(), notifier)
			defer orch.Shutdown()

			for _, s := range streams {
				_, isProtected := protected[s.StreamID]
				fmt.Fprintf(cmd.OutOrStdout(), "stream %s (protected=%v)\n", s.StreamID, isProtected)
				if !isProtected {
					continue
				}
				if _, err := orch.StartStream(orchestrator.StreamConfig{
					StreamID:  s.StreamID,
					SourceURL: s.SourceURL,
					Loop:      s.Loop,
				}); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  failed to start %s: %v\n", s.StreamID, err)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&streamsFile, "file", "", "path to the streams bootstrap YAML file")

	return cmd
}
