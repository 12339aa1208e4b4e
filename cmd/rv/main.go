package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rivalscan/internal/config"
	"rivalscan/internal/db"
	"rivalscan/internal/domain"
	"rivalscan/internal/engine"
	"rivalscan/internal/migrate"
	"rivalscan/internal/provider"
	"rivalscan/internal/server"
	"rivalscan/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "rv",
	Short: "RivalScan CLI",
	Long: `RivalScan runs competitor analyses as durable, resumable pipelines.
A run moves search -> analysis -> quality -> report; every transition is
checkpointed, so a crashed process picks up where it left off. When the
quality gate finds serious gaps the run suspends for human review; resolve
it with 'rv run decide'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("RIVALSCAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage analysis runs"}
	run.AddCommand(runSubmitCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runStatusCmd())
	run.AddCommand(runReviewCmd())
	run.AddCommand(runDecideCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runCheckpointsCmd())
	return run
}

func runSubmitCmd() *cobra.Command {
	var company, industry, targetMarket, businessModel, requirements string
	var maxCompetitors int
	var keywords, excluded []string
	var noWait bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an analysis run",
		Long:  "Creates a run and, unless --no-wait is given, drives it until it completes, fails, or suspends for review.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if company == "" {
				return fmt.Errorf("--company required")
			}
			if industry == "" {
				return fmt.Errorf("--industry required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Submit(ctx, domain.RunContext{
					ClientCompany:        company,
					Industry:             industry,
					TargetMarket:         targetMarket,
					BusinessModel:        businessModel,
					SpecificRequirements: requirements,
					MaxCompetitors:       maxCompetitors,
					SearchKeywords:       keywords,
					ExcludedDomains:      excluded,
				})
				if err != nil {
					return err
				}
				if noWait {
					return printJSON(run)
				}
				if err := e.Process(ctx, run.ID); err != nil {
					return err
				}
				final, err := e.Get(ctx, run.ID)
				if err != nil {
					return err
				}
				if final.Status == domain.StatusInterrupted {
					fmt.Printf("Run %s is awaiting review; inspect with 'rv run review %s'\n", final.ID, final.ID)
				}
				return printJSON(final)
			})
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "client company name")
	cmd.Flags().StringVar(&industry, "industry", "", "industry")
	cmd.Flags().StringVar(&targetMarket, "target-market", "", "target market")
	cmd.Flags().StringVar(&businessModel, "business-model", "", "business model")
	cmd.Flags().StringVar(&requirements, "requirements", "", "specific requirements")
	cmd.Flags().IntVar(&maxCompetitors, "max-competitors", 0, "competitor cap (default from config)")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "extra search keyword (repeatable)")
	cmd.Flags().StringSliceVar(&excluded, "exclude", nil, "excluded domain (repeatable)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "submit without processing")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("industry")
	return cmd
}

func runListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListRuns(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Company", "Stage", "Status", "Progress", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ClientCompany, s.Stage, s.Status, fmt.Sprintf("%d%%", s.Progress), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show full run state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	return cmd
}

func runStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Repo.GetRunSummary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Company", "Stage", "Status", "Progress", "Reason"})
				tw.AppendRow(table.Row{s.ID, s.ClientCompany, s.Stage, s.Status, fmt.Sprintf("%d%%", s.Progress), s.FailureReason})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <run-id>",
		Short: "Show pending quality review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				review, err := e.PendingReview(ctx, args[0])
				if errors.Is(err, engine.ErrNotAwaitingReview) {
					fmt.Println("No review pending.")
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(review)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Severity", "Issue", "Description", "Retry Target"})
				for _, issue := range review.Issues {
					tw.AppendRow(table.Row{issue.Severity, issue.IssueType, issue.Description, issue.RetryTarget})
				}
				tw.Render()
				fmt.Println("Available actions:", strings.Join(review.Actions, ", "))
				return nil
			})
		},
	}
	return cmd
}

func runDecideCmd() *cobra.Command {
	var decision, feedback, decisionID string
	var params []string
	var issues []string
	cmd := &cobra.Command{
		Use:   "decide <run-id>",
		Short: "Resolve a pending review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision == "" {
				return fmt.Errorf("--decision required")
			}
			modified, err := parseParams(params)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, resumed, err := e.Resume(ctx, args[0], domain.HumanDecision{
					ID:             decisionID,
					Decision:       decision,
					Feedback:       feedback,
					ModifiedParams: modified,
					SelectedIssues: issues,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if resumed {
					if err := e.Process(ctx, run.ID); err != nil {
						return err
					}
					run, err = e.Get(ctx, run.ID)
					if err != nil {
						return err
					}
				}
				return printJSON(run)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "proceed, retry_search, retry_analysis, modify_params, or abort")
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback")
	cmd.Flags().StringVar(&decisionID, "id", "", "decision id (idempotency key)")
	cmd.Flags().StringSliceVar(&params, "param", nil, "parameter override key=value (repeatable)")
	cmd.Flags().StringSliceVar(&issues, "issue", nil, "selected issue id (repeatable)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func runCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	return cmd
}

func runCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "Show checkpoint history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cps, err := e.Checkpoints.List(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Written At"})
				for _, cp := range cps {
					tw.AppendRow(table.Row{cp.Seq, cp.WrittenAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write default rivalscan.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only record of every run transition, written with the checkpoint it describes.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var runID string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.EventsAfter(ctx, n, after, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Run", "Stage", "Progress"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.RunID, evt.Stage, fmt.Sprintf("%d%%", evt.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, engine.Providers{
				Searcher: provider.NewSearchClient(cfg.Providers.Search),
				Analyzer: provider.NewLLMClient(cfg.Providers.LLM),
				Reporter: provider.NewLLMClient(cfg.Providers.LLM),
			})

			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("RIVALSCAN_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" && !cfg.Server.AllowLegacyActorHeader {
				return fmt.Errorf("RIVALSCAN_JWT_SECRET is required for bearer auth")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			pool := worker.New(e, cfg.Workers, time.Duration(cfg.Review.SweepIntervalSeconds)*time.Second, nil)
			poolDone := make(chan error, 1)
			go func() { poolDone <- pool.Run(ctx) }()
			server.StartWebhookDispatcher(ctx, e, cfg.Webhooks)

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				},
				Enqueue: pool.Enqueue,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving RivalScan API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			cancel()
			<-poolDone
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, engine.Providers{
		Searcher: provider.NewSearchClient(cfg.Providers.Search),
		Analyzer: provider.NewLLMClient(cfg.Providers.LLM),
		Reporter: provider.NewLLMClient(cfg.Providers.LLM),
	})
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseParams turns key=value pairs into an override map. Numeric values
// for max_competitors are converted so ApplyOverrides accepts them.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		if key == "max_competitors" {
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
				return nil, fmt.Errorf("invalid --param %q: %v", pair, err)
			}
			out[key] = n
			continue
		}
		if strings.Contains(value, ",") && (key == "search_keywords" || key == "excluded_domains") {
			out[key] = strings.Split(value, ",")
			continue
		}
		out[key] = value
	}
	return out, nil
}
