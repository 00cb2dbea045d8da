package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"wolfpack/internal/app"
	"wolfpack/internal/config"
	"wolfpack/internal/db"
	"wolfpack/internal/domain"
	"wolfpack/internal/events"
	"wolfpack/internal/migrate"
	"wolfpack/internal/repo"
	"wolfpack/internal/server"
	wolfpacksdk "wolfpack/sdk/go"
)

const jwtSecretEnv = "WOLFPACK_JWT_SECRET"

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "wolf",
	Short: "Wolfpack CLI",
	Long: `Wolfpack runs games of Werewolf between language-model players.
- Workspace: a directory holding wolfpack.yml and the .wolfpack state directory with the session database.
- Session: one game, from dealing secret roles to a win or the day cap. Every session is stored with its seed and setup.
- Night: werewolves pick a victim, the seer checks one player, the doctor protects one player.
- Day: the night's death is announced, players speak in turn, then a poll, nominations and a final vote may eliminate someone.
- Responses: players answer in free text; answers are matched to the legal options and fall back to a safe default when nothing matches.
- Event log: the narration of every session, view with 'wolf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		l, err := newLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WOLFPACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on stderr")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/wolfpack.yml)")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(playCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// newLogger logs JSON to stderr: warnings only by default so the narration
// stays readable, everything with --verbose.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create wolfpack.yml, the session database and a JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			envPath := filepath.Join(workspace, ".env")
			if os.Getenv(jwtSecretEnv) == "" {
				secret, err := randomSecret()
				if err != nil {
					return err
				}
				if err := setEnvValue(envPath, jwtSecretEnv, secret); err != nil {
					return err
				}
			}
			if err := withRepo(cmd.Context(), func(context.Context, repo.Repo) error { return nil }); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": path, "database": db.Path(workspace), "env": envPath})
			}
			fmt.Printf("Wrote %s\nDatabase at %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect session config",
		Long:  "Config is the table setup: players, role counts, speaking quota, the day cap, resolver retries and the text backend. It is read from wolfpack.yml, or built-in defaults when the file is absent.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
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
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func playCmd() *cobra.Command {
	var (
		offline     bool
		showPrivate bool
		quiet       bool
		seed        uint64
		maxDays     int
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Run one session and narrate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if offline {
				cfg.Generator.Provider = config.ProviderOffline
			}
			if cmd.Flags().Changed("seed") {
				cfg.Session.Seed = seed
			}
			if maxDays > 0 {
				cfg.Session.MaxDays = maxDays
			}
			var sinks []events.Sink
			if !quiet && !viper.GetBool("json") {
				sinks = append(sinks, events.Console{Out: os.Stdout, ShowPrivate: showPrivate})
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runner := app.Runner{Repo: r, Logger: logger}
				report, runErr := runner.Play(ctx, cfg, nil, sinks...)
				if report.SessionID == "" {
					return runErr
				}
				if err := printReport(report); err != nil {
					return errors.Join(runErr, err)
				}
				return runErr
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "use the built-in offline backend")
	cmd.Flags().BoolVar(&showPrivate, "show-private", false, "also narrate private and system events")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final report")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 picks one)")
	cmd.Flags().IntVar(&maxDays, "max-days", 0, "override the day cap")
	return cmd
}

func printReport(report domain.Report) error {
	if viper.GetBool("json") {
		return printJSON(report)
	}
	fmt.Printf("\nSession %s: winner %s after %d day(s)", report.SessionID, report.WinnerLabel(), report.Days)
	if report.CapReached {
		fmt.Print(" (day cap reached)")
	}
	fmt.Printf(", %d resolver fallback(s)\n", report.Fallbacks)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Name", "Role", "Alive"})
	for _, p := range report.Participants {
		tw.AppendRow(table.Row{p.Name, p.Role, p.Alive})
	}
	tw.Render()
	return nil
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Inspect stored sessions"}
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	return s
}

func sessionListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx, limit, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Winner", "Days", "Players", "Fallbacks", "Created"})
				for _, s := range items {
					winner := s.Winner
					if winner == "" && s.CapReached {
						winner = "none (cap)"
					}
					tw.AppendRow(table.Row{s.ID, s.Status, winner, s.Days, s.Players, s.Fallbacks, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (running, finished, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session with its final roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				ps, err := r.ListParticipants(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "participants": ps})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"ID", s.ID},
					{"Status", s.Status},
					{"Winner", s.Winner},
					{"Days", s.Days},
					{"Cap reached", s.CapReached},
					{"Fallbacks", s.Fallbacks},
					{"Seed", s.Seed},
					{"Created", s.CreatedAt},
				})
				if s.Error != "" {
					tw.AppendRow(table.Row{"Error", s.Error})
				}
				tw.Render()
				if len(ps) == 0 {
					return nil
				}
				roster := table.NewWriter()
				roster.SetOutputMirror(os.Stdout)
				roster.AppendHeader(table.Row{"Name", "Role", "Alive"})
				for _, p := range ps {
					roster.AppendRow(table.Row{p.Name, p.Role, p.Alive})
				}
				roster.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read session event logs"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var (
		n           int
		sessionID   string
		evtType     string
		participant string
		private     bool
		follow      bool
		remote      string
		apiKey      string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			console := events.Console{Out: os.Stdout, ShowPrivate: private}
			if remote != "" {
				if sessionID == "" {
					return fmt.Errorf("--session required with --remote")
				}
				client := wolfpacksdk.New(remote)
				client.APIKey = apiKey
				query := wolfpacksdk.EventQuery{Type: evtType, Participant: participant, IncludePrivate: private, Limit: n}
				printRemote := func(e wolfpacksdk.Event) {
					if viper.GetBool("json") {
						_ = printJSON(e)
						return
					}
					_ = console.Emit(cmd.Context(), events.Event{Type: e.Type, Visibility: events.Visibility(e.Visibility), Participant: e.Participant, Message: e.Message})
				}
				if follow {
					return client.Follow(cmd.Context(), sessionID, time.Second, query, printRemote)
				}
				page, err := client.EventsPage(cmd.Context(), sessionID, query)
				if err != nil {
					return err
				}
				for i := len(page.Items) - 1; i >= 0; i-- {
					printRemote(page.Items[i])
				}
				return nil
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				filter := repo.EventFilter{SessionID: sessionID, Type: evtType, Participant: participant, IncludePrivate: private}
				items, err := r.LatestEvents(ctx, n, filter)
				if err != nil {
					return err
				}
				if !follow && viper.GetBool("json") {
					return printJSON(items)
				}
				var last int64
				for i := len(items) - 1; i >= 0; i-- {
					printStored(ctx, console, items[i])
					last = items[i].ID
				}
				if !follow {
					return nil
				}
				if last == 0 {
					if last, err = r.LatestEventID(ctx, sessionID); err != nil {
						return err
					}
				}
				ticker := time.NewTicker(500 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					batch, err := r.EventsAfter(ctx, 100, last, filter)
					if err != nil {
						return err
					}
					for _, evt := range batch {
						printStored(ctx, console, evt)
						last = evt.ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (all sessions when empty)")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&participant, "participant", "", "participant filter")
	cmd.Flags().BoolVar(&private, "private", false, "include private and system events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().StringVar(&remote, "remote", "", "read from a wolf serve API at this URL instead of the local database")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("WOLFPACK_API_KEY"), "API key for --remote")
	return cmd
}

func printStored(ctx context.Context, console events.Console, e domain.Event) {
	if viper.GetBool("json") {
		_ = printJSON(e)
		return
	}
	_ = console.Emit(ctx, events.Event{
		Type:        e.Type,
		Day:         e.Day,
		Phase:       domain.Phase(e.Phase),
		Visibility:  events.Visibility(e.Visibility),
		Participant: e.Participant,
		Message:     e.Message,
	})
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for wolf serve",
		Long:  "Spectator keys read sessions and public events. Moderator keys also start and cancel sessions and read private and system events.",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, plain, err := r.CreateAPIKey(ctx, viper.GetString("actor-id"), name, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "api_key": plain})
				}
				fmt.Printf("Created %s key %s for %s\n%s\n", key.Role, key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().StringVar(&role, "role", domain.AccessSpectator, "spectator or moderator")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actor := viper.GetString("actor-id")
				if all {
					actor = ""
				}
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Role", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv(jwtSecretEnv), Logger: logger.Named("auth")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("%s is required for bearer auth (wolf init writes one to .env)", jwtSecretEnv)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, gctx := errgroup.WithContext(ctx)
				api, err := server.New(gctx, server.Config{
					Runner:   app.Runner{Repo: r, Logger: logger},
					Base:     cfg,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: api, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(api.Wait)
				fmt.Printf("Serving Wolfpack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// setEnvValue sets key in a dotenv file, keeping every other line.
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
	return os.WriteFile(path, []byte(content), 0o600)
}
