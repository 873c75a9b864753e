package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/bootstrap"
	"github.com/cuongbtq/remote-scheduler/internal/config"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/dispatch"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/payload"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/signing"
	"github.com/cuongbtq/remote-scheduler/shared/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "schedulerctl",
		Short:         "Operate the remote scheduler queue",
		Long:          `schedulerctl pushes jobs to the remote scheduler, reads queue sizes and signs test callbacks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(newPushCmd(opts), newSizeCmd(opts), newSignCmd(opts))
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateSchedulerConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newPushCmd(opts *rootOptions) *cobra.Command {
	var (
		data       string
		delay      time.Duration
		connection string
		queue      string
		label      string
	)

	cmd := &cobra.Command{
		Use:   "push handler",
		Short: "Submit a named job to the remote scheduler",
		Example: `  schedulerctl push 'jobs.Ping@handle' --data '{"message":"hi"}'
  schedulerctl push jobs.Cleanup@sessions --delay 10m --connection reports`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data must be valid JSON")
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if connection == "" {
				connection = cfg.Scheduler.Connection
			}

			appLogger, err := bootstrap.InitLogger(&cfg.Logging, "schedulerctl")
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer appLogger.Close()

			api, err := dispatch.NewAPIClient(bootstrap.APIConfig(&cfg.Scheduler), appLogger.Logger)
			if err != nil {
				return err
			}
			queues, err := bootstrap.ConnectQueues(cfg, api, appLogger.Logger)
			if err != nil {
				return err
			}
			q, ok := queues[connection]
			if !ok {
				return fmt.Errorf("unknown connection: %s", connection)
			}

			id, err := q.LaterOn(cmd.Context(), queue, dispatch.After(delay), payload.NamedJob{
				Handler: args[0],
				Data:    json.RawMessage(data),
				Label:   label,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job submitted: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&data, "data", "null", "Job data as JSON")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the job starts")
	cmd.Flags().StringVar(&connection, "connection", "", "Connection name (defaults to scheduler.connection)")
	cmd.Flags().StringVar(&queue, "queue", domain.DefaultQueue, "Queue name")
	cmd.Flags().StringVar(&label, "label", "", "Label shown in the remote scheduler")
	return cmd
}

func newSizeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "size [connection]",
		Short: "Show the remote queue size of a connection",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			connection := cfg.Scheduler.Connection
			if len(args) == 1 {
				connection = args[0]
			}

			api, err := dispatch.NewAPIClient(bootstrap.APIConfig(&cfg.Scheduler), logger.NewDefault().Logger)
			if err != nil {
				return err
			}

			size, err := api.QueueSize(cmd.Context(), connection)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", connection, size)
			return nil
		},
	}
}

func newSignCmd(opts *rootOptions) *cobra.Command {
	var (
		jobID       string
		processedAt string
		body        string
		bodyFile    string
		key         string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print digest headers for a test callback",
		Long: `sign computes the callback digest for a request body so that the callback
endpoint can be exercised by hand, e.g. with curl.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(body)
			if bodyFile != "" {
				var err error
				raw, err = readBody(cmd.InOrStdin(), bodyFile)
				if err != nil {
					return err
				}
			}

			if key == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				keys := cfg.Scheduler.CandidateKeys()
				if len(keys) == 0 {
					return fmt.Errorf("no signing key configured; pass --key")
				}
				key = keys[0]
			}

			if processedAt == "" {
				processedAt = strconv.FormatInt(time.Now().Unix(), 10)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", domain.HeaderJobID, jobID)
			fmt.Fprintf(out, "%s: %s\n", domain.HeaderProcessedAt, processedAt)
			fmt.Fprintf(out, "%s: %s\n", domain.HeaderDigest, signing.Digest(key, jobID, processedAt, raw))
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "id", "", "Remote job id")
	cmd.Flags().StringVar(&processedAt, "processed-at", "", "Processed-at value (defaults to now, unix seconds)")
	cmd.Flags().StringVar(&body, "body", "", "Request body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read the request body from a file, - for stdin")
	cmd.Flags().StringVar(&key, "key", "", "Signing key (defaults to the first configured key)")
	_ = cmd.MarkFlagRequired("id")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
	return cmd
}

func readBody(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read body file: %w", err)
	}
	// editors add a trailing newline the remote scheduler never sends
	return []byte(strings.TrimRight(string(raw), "\n")), nil
}
