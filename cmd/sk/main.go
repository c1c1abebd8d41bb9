package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"skirmish/internal/app"
	"skirmish/internal/config"
	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sk",
	Short: "Skirmish CLI",
	Long: `Skirmish keeps tabletop combat sessions as append-only event logs.
Core concepts:
- Session: one encounter, identified by an id, with a ruleset tag and a version that counts its events.
- Events: facts like ENTITY_ADDED or DAMAGE_APPLIED; state is always the fold of the log.
- Expected version: every write names the version it was built on; stale writes are rejected.
- Rule gateway: turn and action events are checked (NOT_YOUR_TURN, WRONG_PHASE, ...) before anything is stored.
- Snapshots: cached states that make reads cheap; 'sk verify' proves they match a full replay.
- Dice: seeded and cursor-driven, so replaying a log rolls the same numbers again.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SKIRMISH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/skirmish.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("storage", "", "storage driver override (sqlite|memory)")
	flags.String("log-level", "", "log level override")
	flags.String("jwt-secret", "", "bearer auth secret override")
	for _, name := range []string{"workspace", "config", "json", "storage", "log-level", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			rt, err := app.Open(cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			hub := server.NewHub(rt.Log)
			rt.Engine.Publisher = hub
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
				Log:      rt.Log,
				Hub:      hub,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			hooks := server.NewWebhookDispatcher(rt.Store, cfg.Webhooks, rt.Log)
			if err := hooks.Prime(ctx); err != nil {
				return err
			}
			go hooks.Run(ctx)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.Log.Info("serving skirmish api",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.String("storage", cfg.Storage.Driver),
				zap.Bool("auth", cfg.Auth.JWTSecret != ""),
			)
			fmt.Printf("Serving Skirmish API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func sessionCmd() *cobra.Command {
	ses := &cobra.Command{Use: "session", Short: "Work with sessions"}
	ses.AddCommand(sessionCreateCmd())
	ses.AddCommand(sessionListCmd())
	ses.AddCommand(sessionStateCmd())
	ses.AddCommand(sessionEventsCmd())
	ses.AddCommand(sessionReplayCmd())
	ses.AddCommand(sessionAppendCmd())
	ses.AddCommand(sessionSeedCmd())
	return ses
}

func sessionCreateCmd() *cobra.Command {
	var ruleset string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateSession(ctx, ruleset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Created session %s at version %d\n", res.SessionID, res.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ruleset, "ruleset", "", "ruleset tag (default "+engine.DefaultRuleset+")")
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Ruleset", "Version", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.SessionID, s.Ruleset, s.Version, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <session-id>",
		Short: "Show the current state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetState(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				printState(s)
				return nil
			})
		},
	}
}

func sessionEventsCmd() *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "List persisted events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.GetEvents(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Type", "Created", "Payload"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Version, r.EventType, r.CreatedAt, string(r.EventPayload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "first version")
	cmd.Flags().IntVar(&to, "to", 0, "last version (0 = latest)")
	return cmd
}

func sessionReplayCmd() *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Rebuild state from the log without snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Replay(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Replayed %d events on top of version %d\n", res.Count, res.BaseVersion)
				printState(res.State)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "first replayed version")
	cmd.Flags().IntVar(&to, "to", 0, "last replayed version (0 = latest)")
	return cmd
}

func sessionAppendCmd() *cobra.Command {
	var file string
	var expected int
	cmd := &cobra.Command{
		Use:   "append <session-id>",
		Short: "Append events from a JSON file",
		Long: `The file holds either {"expected_version": N, "events": [...]} or a bare array of events.
With a bare array, or to override the file, pass --expected. Use --file - to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			req, err := parseAppendRequest(data)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("expected") {
				req.ExpectedVersion = expected
			} else if req.ExpectedVersion < 0 {
				return fmt.Errorf("--expected required when the file has no expected_version")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AppendEvents(ctx, args[0], req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				printState(s)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "events file (- for stdin)")
	cmd.Flags().IntVar(&expected, "expected", 0, "expected current version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func sessionSeedCmd() *cobra.Command {
	var actor, enemy string
	var seed int64
	cmd := &cobra.Command{
		Use:   "seed-combat <session-id>",
		Short: "DEV: put a session into a ready two-entity combat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DevSeedOptions{ActorID: actor, EnemyID: enemy}
			if cmd.Flags().Changed("seed") {
				opts.Seed = &seed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DevSeedCombat(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor entity id (default e1)")
	cmd.Flags().StringVar(&enemy, "enemy", "", "enemy entity id (default m1)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "rng seed")
	return cmd
}

func verifyCmd() *cobra.Command {
	var all, progress bool
	var sessions []string
	cmd := &cobra.Command{
		Use:   "verify [session-id...]",
		Short: "Check cached snapshots against a full replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			args = append(args, sessions...)
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one session or pass --all")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids := args
				if all {
					items, err := e.ListSessions(ctx)
					if err != nil {
						return err
					}
					ids = make([]string, 0, len(items))
					for _, s := range items {
						ids = append(ids, s.SessionID)
					}
				}
				bar := pb.StartNew(len(ids))
				if !progress || viper.GetBool("json") {
					bar.SetWriter(io.Discard)
				}
				results := make([]engine.VerifyResult, 0, len(ids))
				for _, id := range ids {
					res, err := e.Verify(ctx, id)
					if err != nil {
						bar.Finish()
						return fmt.Errorf("verify %s: %w", id, err)
					}
					results = append(results, res)
					bar.Increment()
				}
				bar.Finish()

				drift := 0
				for _, r := range results {
					if !r.OK {
						drift++
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(results); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Session", "Version", "Snapshot", "OK", "Mismatches"})
					for _, r := range results {
						tw.AppendRow(table.Row{r.SessionID, r.Version, r.SnapshotVersion, r.OK, strings.Join(r.Mismatches, ",")})
					}
					tw.Render()
				}
				if drift > 0 {
					return fmt.Errorf("%d of %d sessions drifted from their log", drift, len(results))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&sessions, "session", nil, "session id (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "verify every session")
	cmd.Flags().BoolVar(&progress, "progress", true, "show a progress bar")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured (set it in skirmish.yml or SKIRMISH_JWT_SECRET)")
			}
			tok, err := server.SignToken(cfg.Auth.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "subject": subject})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
		Long:  "Config lives in <workspace>/skirmish.yml; SKIRMISH_* env vars and global flags override it.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				out := *cfg
				if out.Auth.JWTSecret != "" {
					out.Auth.JWTSecret = "********"
				}
				return printJSON(out)
			}
			b, err := cfg.YAML(true)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveConfig()
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

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default skirmish.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

// resolveConfig loads the workspace config, then applies env and flag overrides.
func resolveConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if file := viper.GetString("config"); file != "" {
		cfg, err = config.FromFile(file)
		if err == nil && (cfg.Storage.Workspace == "" || cfg.Storage.Workspace == ".") {
			cfg.Storage.Workspace = workspace
		}
	} else {
		cfg, err = app.ResolveConfig(workspace)
	}
	if err != nil {
		return nil, err
	}
	if viper.IsSet("storage") && viper.GetString("storage") != "" {
		cfg.Storage.Driver = viper.GetString("storage")
	}
	if viper.IsSet("log-level") && viper.GetString("log-level") != "" {
		cfg.Log.Level = viper.GetString("log-level")
	}
	if viper.IsSet("jwt-secret") && viper.GetString("jwt-secret") != "" {
		cfg.Auth.JWTSecret = viper.GetString("jwt-secret")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func readInput(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

// parseAppendRequest accepts a full request or a bare event array. A missing
// expected_version comes back as -1.
func parseAppendRequest(data []byte) (engine.AppendRequest, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var evs []domain.Event
		if err := json.Unmarshal(data, &evs); err != nil {
			return engine.AppendRequest{}, err
		}
		return engine.AppendRequest{ExpectedVersion: -1, Events: evs}, nil
	}
	var envelope struct {
		ExpectedVersion *int           `json:"expected_version"`
		Events          []domain.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return engine.AppendRequest{}, err
	}
	req := engine.AppendRequest{ExpectedVersion: -1, Events: envelope.Events}
	if envelope.ExpectedVersion != nil {
		req.ExpectedVersion = *envelope.ExpectedVersion
	}
	return req, nil
}

func printState(s domain.Snapshot) {
	fmt.Printf("Session: %s (%s) at version %d\n", s.Meta.SessionID, s.Meta.Ruleset, s.Meta.Version)
	fmt.Printf("Mode: %s  RNG: seed=%d cursor=%d\n", s.Mode, s.Rng.Seed, s.Rng.Cursor)
	if s.Combat.Active {
		fmt.Printf("Combat: round %d, %s acting, phase %s\n", s.Combat.Round, s.Combat.ActiveEntity, s.Combat.Phase)
	}
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "HP", "Faction", "Position"})
	for _, id := range ids {
		ent := s.Entities[id]
		pos := ""
		if ent.Position != nil {
			pos = fmt.Sprintf("(%d,%d)", ent.Position.X, ent.Position.Y)
		}
		tw.AppendRow(table.Row{ent.ID, ent.Name, ent.HP, ent.FactionID, pos})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
