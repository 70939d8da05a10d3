package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"queuewatch/internal/config"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.Default()
	config.FromEnv(&cfg)

	if err := newRootCmd(&cfg).Execute(); err != nil {
		log.Error().Err(err).Msg("queuewatch")
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "queuewatch",
		Short:         "Watch registered queues and hand their messages to a handler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&cfg.Registry, "registry", cfg.Registry, "registry backend: sqlite or dynamodb")
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "queue transport: local, sqs or redis")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path")
	f.StringVar(&cfg.TableName, "table", cfg.TableName, "registry table name")
	f.BoolVar(&cfg.LegacyCompat, "legacy", cfg.LegacyCompat, "use the legacy sqsName attribute in DynamoDB")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	f.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database")
	f.StringVar(&cfg.AWSRegion, "aws-region", cfg.AWSRegion, "AWS region")
	f.StringVar(&cfg.AWSEndpoint, "aws-endpoint", cfg.AWSEndpoint, "override the AWS endpoint (e.g. LocalStack)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	f.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "log JSON instead of console output")

	root.AddCommand(
		newServeCmd(cfg),
		newAddCmd(cfg),
		newListCmd(cfg),
		newSetEnabledCmd(cfg, "enable", true),
		newSetEnabledCmd(cfg, "disable", false),
		newSendCmd(cfg),
	)
	return root
}

func setupLogging(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.LogJSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(level)
	cfg.Logger = log.Logger
	return nil
}
