// Package main is the entry point for the triage service: a customer-service
// message orchestrator that routes banking messages to domain queues, asks
// for clarification when intent is ambiguous, and escalates frustrated or
// at-risk sessions to humans.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"triage/internal/bus"
	"triage/internal/clarify"
	"triage/internal/config"
	"triage/internal/domain"
	"triage/internal/escalation"
	"triage/internal/frustration"
	"triage/internal/intent"
	"triage/internal/logging"
	"triage/internal/memory"
	"triage/internal/metrics"
	"triage/internal/orchestrator"
	"triage/internal/pattern"
	"triage/internal/router"
	"triage/internal/server"
	"triage/internal/session"
	"triage/internal/storage"
	"triage/internal/ticket"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

const sweepInterval = time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:     "triage",
		Short:   "Customer-service message triage and session orchestration",
		Version: version,
		Long: `triage routes customer messages to banking domain queues (cards,
digital account, investments, credit, insurance), asks a bounded number of
clarifying questions when intent is ambiguous, and escalates to a human or
the security team when frustration or fraud signals demand it.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.triage/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd(), sendCmd(), sessionCmd(), statsCmd(), configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) error {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.Setup(logging.Config{
		Level:    level,
		FilePath: cfg.Logging.File,
		Console:  true,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the triage HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}
			log := logging.ForComponent("main")

			db, err := storage.Open(cfg.Storage.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store := memory.NewSQLiteStore(db)
			if err := store.InitSchema(ctx); err != nil {
				return fmt.Errorf("init session schema: %w", err)
			}
			tickets := ticket.NewSQLiteSystem(db)
			if err := tickets.InitSchema(ctx); err != nil {
				return fmt.Errorf("init ticket schema: %w", err)
			}

			var classifier intent.Classifier
			switch cfg.Classifier.Kind {
			case "http":
				classifier = intent.NewHTTPClassifier(cfg.Classifier.Endpoint, cfg.Classifier.Timeout)
			default:
				classifier = intent.NewKeywordClassifier()
			}

			b := bus.New()
			defer b.Close()

			rollups := metrics.NewStore(db)
			if err := rollups.InitSchema(ctx); err != nil {
				return fmt.Errorf("init metrics schema: %w", err)
			}
			collector := metrics.NewCollector(b, rollups)
			collector.Start()
			defer collector.Stop()

			orch := orchestrator.New(orchestrator.Config{
				ClassifierTimeout: cfg.Classifier.Timeout,
				TicketRetries:     cfg.Escalation.TicketRetries,
				TicketBackoff:     cfg.Escalation.TicketBackoff,
				CommitRetries:     orchestrator.DefaultConfig().CommitRetries,
				MaxFrustration:    cfg.Escalation.MaxFrustration,
			}, orchestrator.Deps{
				Frustration: frustration.New(),
				Patterns:    pattern.New(),
				Router: router.New(classifier, router.Config{
					RouteThreshold:        cfg.Routing.RouteThreshold,
					Margin:                cfg.Routing.Margin,
					ContinuationThreshold: cfg.Routing.ContinuationThreshold,
				}),
				Clarifier:  clarify.NewBuilder(cfg.Routing.MaxClarificationRounds),
				Escalation: escalation.NewManager(escalation.Config{
					LowWatermark:  cfg.Escalation.LowWatermark,
					HighWatermark: cfg.Escalation.HighWatermark,
					CalmTurns:     cfg.Escalation.CalmTurns,
				}),
				Tickets: tickets,
				Store:   store,
				Sessions: session.New(store, session.Config{
					MaxFrustration: cfg.Escalation.MaxFrustration,
					IdleTimeout:    cfg.Session.IdleTimeout,
				}),
				Bus: b,
			})

			srv := server.New(server.Config{Addr: cfg.Server.Addr}, orch, tickets, b, collector, rollups)

			log.Info().
				Str("addr", cfg.Server.Addr).
				Str("db", cfg.Storage.DBPath).
				Str("classifier", cfg.Classifier.Kind).
				Msg("starting triage service")

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(ctx) })
			g.Go(func() error { return orch.RunSweeper(ctx, sweepInterval) })
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var (
		addr      string
		sessionID string
		sender    string
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send one message to a running triage service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{
				"session_id": sessionID,
				"sender":     sender,
				"text":       args[0],
			})
			if err != nil {
				return err
			}
			resp, err := http.Post(addr+"/api/messages", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("post message: %w", err)
			}
			defer resp.Body.Close()

			var res domain.OrchestrationResult
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("service returned %s", resp.Status)
			}
			return printResult(res)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8420", "triage service base URL")
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session id")
	cmd.Flags().StringVar(&sender, "sender", "cli-user", "sender id")
	return cmd
}

func printResult(res domain.OrchestrationResult) error {
	switch res.Kind {
	case domain.ResultDispatch:
		fmt.Printf("dispatched to %s\n", res.Domain)
	case domain.ResultClarify:
		fmt.Println(res.Prompt)
	case domain.ResultEscalate:
		fmt.Printf("escalated (%s), protocol %s\n", res.Escalation, res.Protocol)
		if res.Degraded {
			fmt.Println("note: ticket creation was delayed; the escalation is registered")
		}
	default:
		return fmt.Errorf("unknown result kind %q", res.Kind)
	}
	return nil
}

func sessionCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "session [id]",
		Short: "Show a session snapshot from a running triage service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(addr + "/api/sessions/" + args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("session %s not found", args[0])
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("service returned %s", resp.Status)
			}

			var s domain.Session
			if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			out, err := yaml.Marshal(s)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8420", "triage service base URL")
	return cmd
}

func statsCmd() *cobra.Command {
	var (
		addr    string
		compact bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show live counters from a running triage service",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(addr + "/api/stats")
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("service returned %s", resp.Status)
			}

			var snap metrics.Snapshot
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				return fmt.Errorf("decode stats: %w", err)
			}

			dash := metrics.NewDashboard()
			if compact {
				fmt.Println(dash.RenderCompact(snap))
				return nil
			}
			fmt.Println(dash.Render(snap))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8420", "triage service base URL")
	cmd.Flags().BoolVar(&compact, "compact", false, "single-line output")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage triage configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cmd
}
