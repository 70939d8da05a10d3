package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"queuewatch/internal/api"
	"queuewatch/internal/config"
	"queuewatch/internal/confirm"
	"queuewatch/internal/handlers"
	httphandler "queuewatch/internal/handlers/http"
	"queuewatch/internal/handlers/shell"
	"queuewatch/internal/scheduler"
	"queuewatch/internal/watch"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var (
		handlerKind string
		execCmd     string
		execArgs    []string
		webhookURL  string
		handlerTO   time.Duration
		debug       bool
		ensureTable bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch every enabled queue and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := buildHandler(*cfg, handlerKind, execCmd, execArgs, webhookURL, handlerTO)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg, h, debug, ensureTable)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP bind address; empty disables the admin API")
	f.StringVar(&cfg.ResyncSchedule, "resync", cfg.ResyncSchedule, "cron schedule for re-reading the registry, e.g. \"@every 1m\"")
	f.BoolVar(&cfg.AutoConfirm, "auto-confirm", cfg.AutoConfirm, "confirm SNS subscriptions on every queue")
	f.StringSliceVar(&cfg.ConfirmAllowedHosts, "confirm-allowed-hosts", cfg.ConfirmAllowedHosts, "host suffixes a SubscribeURL may point at")
	f.BoolVar(&cfg.ConfirmAllowInsecure, "confirm-allow-insecure", cfg.ConfirmAllowInsecure, "allow http SubscribeURLs")
	f.DurationVar(&cfg.ConfirmTimeout, "confirm-timeout", cfg.ConfirmTimeout, "timeout for the confirmation request")
	f.DurationVar(&cfg.ProcessingVisibility, "processing-visibility", cfg.ProcessingVisibility, "visibility extension applied to every received message")
	f.IntVar(&cfg.Queue.Concurrency, "concurrency", cfg.Queue.Concurrency, "default in-flight messages per queue")
	f.IntVar(&cfg.Queue.BatchSize, "batch-size", cfg.Queue.BatchSize, "default messages per receive (max 10)")
	f.DurationVar(&cfg.Queue.VisibilityTimeout, "visibility", cfg.Queue.VisibilityTimeout, "default visibility timeout on receive")
	f.DurationVar(&cfg.Queue.PollInterval, "poll", cfg.Queue.PollInterval, "pause after an empty receive")
	f.DurationVar(&cfg.Queue.WaitTime, "wait", cfg.Queue.WaitTime, "long-poll wait time")
	f.StringVar(&handlerKind, "handler", "log", "message handler: log, exec or webhook")
	f.StringVar(&execCmd, "exec", "", "command run by the exec handler; the body is piped to stdin")
	f.StringArrayVar(&execArgs, "arg", nil, "argument for the exec command (repeatable)")
	f.StringVar(&webhookURL, "webhook-url", "", "URL the webhook handler POSTs bodies to")
	f.DurationVar(&handlerTO, "handler-timeout", 30*time.Second, "timeout for exec and webhook handlers")
	f.BoolVar(&debug, "debug", false, "expose pprof on the admin API")
	f.BoolVar(&ensureTable, "ensure-table", true, "create the DynamoDB registry table when it is missing")
	return cmd
}

func buildHandler(cfg config.Config, kind, execCmd string, execArgs []string, webhookURL string, timeout time.Duration) (handlers.MessageHandler, error) {
	switch kind {
	case "log":
		return handlers.Log{Logger: cfg.Logger, MaxBody: 2048}, nil
	case "exec":
		return shell.Shell{Command: execCmd, Args: execArgs, Timeout: timeout}, nil
	case "webhook":
		return httphandler.Webhook{URL: webhookURL, Timeout: timeout}, nil
	}
	return nil, fmt.Errorf("unknown handler %q", kind)
}

func serve(ctx context.Context, cfg config.Config, h handlers.MessageHandler, debug, ensureTable bool) error {
	st, err := openStack(ctx, cfg, true, ensureTable)
	if err != nil {
		return err
	}
	defer st.Close()

	confirmer := confirm.New(confirm.Options{
		Timeout:       cfg.ConfirmTimeout,
		AllowedHosts:  cfg.ConfirmAllowedHosts,
		AllowInsecure: cfg.ConfirmAllowInsecure,
	})
	orch, err := watch.New(cfg, st.registry, st.transport, confirmer)
	if err != nil {
		return err
	}
	// registry and transport failures are logged by the orchestrator; a
	// resync or an API reconcile can recover from them
	if err := orch.Start(ctx, watch.Simple(h.Handle)); err != nil {
		log.Warn().Err(err).Msg("started with errors")
	}
	defer orch.Stop()

	if cfg.ResyncSchedule != "" {
		svc, err := scheduler.NewService(orch, cfg.ResyncSchedule, time.Minute)
		if err != nil {
			return err
		}
		go func() {
			if err := svc.Start(ctx); err != nil {
				log.Error().Err(err).Msg("resync service")
			}
		}()
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServerWithDebug(orch, st.registry, st.sender, debug)}
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if srv != nil {
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		_ = srv.Shutdown(ctxTimeout)
	}
	return nil
}

func newAddCmd(cfg *config.Config) *cobra.Command {
	var (
		sets        []string
		extraJSON   string
		disabled    bool
		autoConfirm bool
	)
	cmd := &cobra.Command{
		Use:   "add <queue>",
		Short: "Register a queue to watch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := parseExtra(extraJSON, sets)
			if err != nil {
				return err
			}
			if autoConfirm {
				extra["autoConfirm"] = true
			}
			ctx := cmd.Context()
			st, err := openStack(ctx, *cfg, false, true)
			if err != nil {
				return err
			}
			defer st.Close()

			if exists, err := st.registry.Exists(ctx, args[0]); err == nil && exists {
				log.Warn().Str("queue", args[0]).Msg("queue is already registered; adding another record")
			}
			id, err := st.registry.Insert(ctx, args[0], extra, !disabled)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&sets, "set", nil, "extra attribute as key=value (repeatable)")
	f.StringVar(&extraJSON, "extra", "", "extra attributes as a JSON object")
	f.BoolVar(&disabled, "disabled", false, "register the queue disabled")
	f.BoolVar(&autoConfirm, "auto-confirm", false, "confirm SNS subscriptions delivered to this queue")
	return cmd
}

// parseExtra merges a JSON object with key=value pairs. Values that parse as
// an integer or bool are stored typed.
func parseExtra(raw string, sets []string) (map[string]any, error) {
	extra := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return nil, fmt.Errorf("invalid --extra: %w", err)
		}
	}
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			extra[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			extra[k] = b
		} else {
			extra[k] = v
		}
	}
	return extra, nil
}

func newListCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enabled queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStack(ctx, *cfg, false, false)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.registry.QueryEnabled(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUEUE\tAUTO CONFIRM\tEXTRA")
			for _, r := range recs {
				extra, _ := json.Marshal(r.Extra)
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.ID, r.QueueName, r.AutoConfirm, extra)
			}
			return tw.Flush()
		},
	}
}

func newSetEnabledCmd(cfg *config.Config, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a registered queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStack(ctx, *cfg, false, false)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.registry.SetEnabled(ctx, args[0], enabled); err != nil {
				return err
			}
			log.Info().Str("id", args[0]).Bool("enabled", enabled).Msg("updated watch")
			return nil
		},
	}
}

func newSendCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "send <queue> <body|->",
		Short: "Publish a message to a queue; - reads the body from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(args[1])
			if args[1] == "-" {
				var err error
				if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if len(body) == 0 {
				return errors.New("message body is empty")
			}
			ctx := cmd.Context()
			st, err := openStack(ctx, *cfg, true, false)
			if err != nil {
				return err
			}
			defer st.Close()
			id, err := st.sender.Send(ctx, args[0], body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
