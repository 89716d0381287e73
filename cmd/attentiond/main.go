// Command attentiond runs the attention backbone: the ledger poller, the
// injection drain and the recovery sweep, plus one-shot maintenance
// commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"mind-attention/internal/config"
	"mind-attention/internal/db"
	"mind-attention/pkg/card"
	"mind-attention/pkg/ledger"
	sig "mind-attention/pkg/signal"
	"mind-attention/pkg/task"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "attentiond",
		Short:        "attentiond - event ledger, cards and attention delivery",
		SilenceUsage: true,
	}
	root.AddCommand(
		migrateCmd(),
		runCmd(),
		pollCmd(),
		drainCmd(),
		recoverCmd(),
		emitCmd(),
		cardsCmd(),
		resolveCmd(),
	)
	return root
}

// withApp loads config, wires the app and runs fn with a context that is
// cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := db.Connect(cmd.Context(), cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", store.Dialect())
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the poller, injection drain and recovery sweep until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				// pending writes from a previous crash go first
				if _, err := a.sessions.RecoverAll(ctx); err != nil {
					a.log.Warn("startup recovery incomplete", "err", err)
				}

				c := cron.New(cron.WithSeconds())
				if _, err := c.AddFunc(a.cfg.DrainSchedule, func() {
					if _, err := a.injector.Drain(ctx, a.cfg.DrainBatch); err != nil {
						a.log.Error("drain failed", "err", err)
					}
				}); err != nil {
					return fmt.Errorf("drain schedule %q: %w", a.cfg.DrainSchedule, err)
				}
				if _, err := c.AddFunc(a.cfg.RecoverSchedule, func() {
					reports, err := a.sessions.RecoverAll(ctx)
					if err != nil {
						a.log.Error("recovery sweep failed", "err", err)
						return
					}
					for _, r := range reports {
						if r.FailedEventID != "" {
							a.log.Warn("session blocked on failed event",
								"session_id", r.SessionID, "event_id", r.FailedEventID, "err", r.Error)
						}
					}
				}); err != nil {
					return fmt.Errorf("recover schedule %q: %w", a.cfg.RecoverSchedule, err)
				}
				c.Start()
				defer func() { <-c.Stop().Done() }()

				a.log.Info("attentiond started", "driver", a.store.Dialect().String())
				a.poller.Run(ctx)
				return nil
			})
		},
	}
}

func pollCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Process one batch of ledger events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.poller.PollAndShapeOnce(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "batch size (default from config)")
	return cmd
}

func drainCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued chat injections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if limit <= 0 {
					limit = a.cfg.DrainBatch
				}
				res, err := a.injector.Drain(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum items to drain")
	return cmd
}

func recoverCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-apply pending and failed session writes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if sessionID != "" {
					report, err := a.sessions.RecoverPendingForSession(ctx, sessionID)
					if err != nil {
						return err
					}
					return printJSON(cmd, report)
				}
				reports, err := a.sessions.RecoverAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, reports)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "recover a single session")
	return cmd
}

func emitCmd() *cobra.Command {
	var (
		sessionID, source, key, payload string
	)
	cmd := &cobra.Command{
		Use:   "emit <event-type>",
		Short: "Append an observational event to the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				body = json.RawMessage(payload)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ev, err := a.ledger.AppendObserved(ctx, ledger.Observed{
					SessionID:      sessionID,
					Type:           args[0],
					Source:         source,
					IdempotencyKey: key,
					Payload:        body,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, ev)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (required)")
	cmd.Flags().StringVar(&source, "source", "cli", "event source")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func cardsCmd() *cobra.Command {
	var (
		scopeType, scopeID, show string
		limit                    int
	)
	cmd := &cobra.Command{
		Use:   "cards",
		Short: "List open cards, or show one card with --show",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if show != "" {
					view, err := a.cards.Transparency(ctx, show)
					if err != nil {
						return err
					}
					return printJSON(cmd, view)
				}
				cards, err := a.cards.ListOpen(ctx, sig.ScopeType(scopeType), scopeID, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, cards)
			})
		},
	}
	cmd.Flags().StringVar(&scopeType, "scope-type", "", "filter by scope type")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "filter by scope id")
	cmd.Flags().StringVar(&show, "show", "", "card id to show with its linked events and tasks")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum cards")
	return cmd
}

func resolveCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "resolve <card-id> <acknowledged|resolved|dismissed|deferred>",
		Short: "Record a resolution on a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.cards.SetResolution(ctx, args[0], card.Resolution(args[1]), by)
				if err != nil {
					return err
				}
				return printJSON(cmd, c)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "operator", "who resolved the card")
	return cmd
}

func tasksCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List follow-up tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tasks, err := a.tasks.List(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, tasks)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum tasks")
	cmd.AddCommand(taskCreateCmd(), taskStatusCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var subject, description, cardID, source string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a task, linking it to a card with --card",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if cardID != "" {
					// the card must exist before the task points at it
					if _, err := a.cards.Get(ctx, cardID); err != nil {
						return err
					}
				}
				t, err := a.tasks.Create(ctx, &task.Task{
					Subject:     subject,
					Description: description,
					CardID:      cardID,
					Source:      source,
				})
				if err != nil {
					return err
				}
				if cardID != "" {
					if err := a.cards.LinkTask(ctx, cardID, t.ID); err != nil {
						return err
					}
				}
				return printJSON(cmd, t)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "task subject (required)")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&cardID, "card", "", "card the task addresses")
	cmd.Flags().StringVar(&source, "source", "cli", "who opened the task")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <pending|in_progress|completed|blocked>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				t, err := a.tasks.SetStatus(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, t)
			})
		},
	}
}
