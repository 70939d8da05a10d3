package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"queuewatch/internal/config"
	"queuewatch/internal/queue"
	"queuewatch/internal/registry"
)

const redisGroup = "queuewatch"

// stack holds the backends selected by the configuration.
type stack struct {
	registry  registry.Registry
	transport queue.Transport
	sender    queue.Sender
	closers   []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// openStack wires the registry and, when withTransport is set, the queue
// transport. ensureTable provisions a missing DynamoDB table.
func openStack(ctx context.Context, cfg config.Config, withTransport, ensureTable bool) (*stack, error) {
	s := &stack{}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var db *sql.DB
	if cfg.Registry == config.RegistrySQLite || (withTransport && cfg.Transport == config.TransportLocal) {
		var err error
		if db, err = openSQLite(cfg.DBPath); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
	}

	var awsCfg aws.Config
	if cfg.Registry == config.RegistryDynamo || (withTransport && cfg.Transport == config.TransportSQS) {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		var err error
		if awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...); err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	switch cfg.Registry {
	case config.RegistrySQLite:
		if err := registry.EnsureSchema(db, cfg.TableName); err != nil {
			return nil, fmt.Errorf("ensure registry schema: %w", err)
		}
		s.registry = registry.NewSQLite(db, cfg.TableName)
	case config.RegistryDynamo:
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
		d := registry.NewDynamo(client, cfg.TableName, cfg.LegacyCompat)
		if ensureTable {
			created, err := d.EnsureTable(ctx, 2*time.Minute)
			if err != nil {
				return nil, fmt.Errorf("ensure dynamodb table: %w", err)
			}
			if created {
				log.Info().Str("table", cfg.TableName).Msg("created registry table")
			} else {
				log.Info().Str("table", cfg.TableName).Msg("registry table exists")
			}
		}
		s.registry = d
	}

	if !withTransport {
		ok = true
		return s, nil
	}

	switch cfg.Transport {
	case config.TransportLocal:
		if err := queue.EnsureSchema(db); err != nil {
			return nil, fmt.Errorf("ensure queue schema: %w", err)
		}
		t := queue.NewSQLiteTransport(db)
		s.transport, s.sender = t, t
	case config.TransportSQS:
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
		t := queue.NewSQSTransport(client)
		s.transport, s.sender = t, t
	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		s.closers = append(s.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		t := queue.NewRedisTransport(client, redisGroup)
		s.transport, s.sender = t, t
	}
	ok = true
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}
