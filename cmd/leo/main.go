package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"leoline/internal/app"
	"leoline/internal/config"
	"leoline/internal/db"
	"leoline/internal/engine"
	"leoline/internal/migrate"
	"leoline/internal/repo"
	"leoline/internal/server"
	"leoline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "leo",
	Short: "LEO protocol lifecycle engine",
	Long: `leo drives strategic directives (SDs) through the LEO phase pipeline.
Progress is never typed in: it is derived from evidence.
- Phases: LEAD_APPROVAL -> PLAN_DESIGN -> EXEC_IMPLEMENTATION -> PLAN_VERIFICATION -> LEAD_FINAL_APPROVAL.
- Hand-offs: the seven-field package that moves an SD from one phase to the next.
- Verification: agents report verdicts; the gate passes on PASS or CONDITIONAL_PASS above the threshold.
- Evidence: PRD and retrospective artifacts, deliverables and user stories.
- Orchestrators: parent SDs whose progress is the mean of their children.
- Overrides: audited administrative bypass (leo override).
- Event log: every change, view with 'leo log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level"), viper.GetString("log-format")))
		return telemetry.Init(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("dsn", "", "store DSN (sqlite path or postgres:// URL)")
	pf.String("config", "", "engine config file (default <workspace>/leoline.yml)")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "dsn", "config", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sdCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitCode maps engine refusals to distinct statuses so scripts can branch on them.
func exitCode(err error) int {
	var (
		ve *engine.ValidationError
		te *engine.TransitionError
		iv *engine.IntegrityViolation
		lc *engine.LeaseConflictError
	)
	switch {
	case errors.As(err, &ve):
		return 2
	case errors.As(err, &te):
		return 3
	case errors.As(err, &iv):
		return 4
	case errors.As(err, &lc):
		return 5
	case errors.Is(err, repo.ErrNotFound):
		return 6
	}
	return 1
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, default config and store",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := filepath.Join(workspace, "leoline.yml")
			_, statErr := os.Stat(cfgPath)
			switch {
			case os.IsNotExist(statErr) || force:
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			case statErr != nil:
				return statErr
			default:
				fmt.Printf("Keeping existing %s\n", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace, DSN: viper.GetString("dsn")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if cmd.Flags().Changed("actor-id") {
				envPath := filepath.Join(workspace, ".env")
				if err := setEnvValue(envPath, "LEOLINE_ACTOR_ID", viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Set LEOLINE_ACTOR_ID=%s in %s\n", viper.GetString("actor-id"), envPath)
			}
			fmt.Println("Workspace ready")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect engine configuration"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Type", "SD", "Actor", "Payload")
				for _, evt := range items {
					tw.AppendRow(rowOf(evt.ID, evt.TS, evt.Type, deref(evt.SDID), evt.ActorID, evt.PayloadJSON))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.SDID, "sd", "", "sd id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: devHeader,
					Logger:           e.Logger,
				}
				if authCfg.JWTSecret == "" && !devHeader {
					return fmt.Errorf("LEOLINE_JWT_SECRET is required for bearer auth (or pass --dev-actor-header)")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: e.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				e.Logger.Info("serving LEO API", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving LEO API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devHeader, "dev-actor-header", false, "accept X-Actor-Id without a token (development only)")
	_ = viper.BindEnv("jwt-secret", "LEOLINE_JWT_SECRET")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(app.Options{
		Workspace:  viper.GetString("workspace"),
		DSN:        viper.GetString("dsn"),
		ConfigPath: viper.GetString("config"),
		Logger:     slog.Default(),
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrIndented(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
