package main

import (
	"bufio"
	"context"
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

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reliefline/internal/app"
	"reliefline/internal/config"
	"reliefline/internal/db"
	"reliefline/internal/domain"
	"reliefline/internal/engine"
	"reliefline/internal/engine/auth"
	"reliefline/internal/live"
	"reliefline/internal/server"
	"reliefline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reliefline CLI",
	Long: `Reliefline coordinates disaster-relief work between victims, volunteers, NGOs and admins.
Core concepts:
- Workspace: the .reliefline directory next to reliefline.yml; holds the SQLite store and an optional .env with secrets.
- Roles: victim (default), volunteer, ngo, admin. Every command acts as --actor-id with --role.
- Reports: incidents (missing, injury, damage, other) with a location; admins and NGOs resolve them.
- Requests: resource needs (food, water, shelter, ...) that go pending -> fulfilled exactly once, never by the requester.
- Broadcasts: announcements from admins and NGOs; the dashboard shows the newest three.
- Tasks: volunteer work created by admins and NGOs; pending -> assigned -> completed, never backwards.
- Locations: free text is geocoded; --lat/--lng skip the geocoder.
- Change log: every write is recorded; view it with 'rl log tail' or follow live with 'rl watch'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("RELIEFLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", string(domain.RoleVictim), "actor role (victim, volunteer, ngo, admin)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides reliefline.yml")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(broadcastCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create reliefline.yml and a workspace .env with a JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Printf("%s already exists (use --force to overwrite)\n", cfgPath)
			} else {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			envPath := app.EnvPath(workspace)
			if err := loadEnv(); err != nil {
				return err
			}
			if os.Getenv("RELIEFLINE_JWT_SECRET") == "" || force {
				if err := setEnvValue(envPath, "RELIEFLINE_JWT_SECRET", uuid.NewString()); err != nil {
					return err
				}
				fmt.Printf("Stored a JWT secret in %s\n", envPath)
			}
			return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
				fmt.Printf("Store ready (%s)\n", rt.Dialect)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config and secret")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate reliefline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

// locationFlags binds --location/--lat/--lng on a command.
type locationFlags struct {
	text     string
	lat, lng float64
}

func (l *locationFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&l.text, "location", "", "free-text location to geocode")
	cmd.Flags().Float64Var(&l.lat, "lat", 0, "latitude (skips geocoding when given with --lng)")
	cmd.Flags().Float64Var(&l.lng, "lng", 0, "longitude")
}

func (l *locationFlags) coords(cmd *cobra.Command) (*domain.Coordinates, error) {
	latSet, lngSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lng")
	if latSet != lngSet {
		return nil, fmt.Errorf("--lat and --lng must be given together")
	}
	if !latSet {
		return nil, nil
	}
	return &domain.Coordinates{Latitude: l.lat, Longitude: l.lng}, nil
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Incident reports"}
	rep.AddCommand(reportSubmitCmd())
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportResolveCmd())
	return rep
}

func reportSubmitCmd() *cobra.Command {
	var in engine.ReportInput
	var loc locationFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an incident report",
		RunE: func(cmd *cobra.Command, args []string) error {
			coords, err := loc.coords(cmd)
			if err != nil {
				return err
			}
			in.Location, in.Coords = loc.text, coords
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				r, err := e.SubmitReport(ctx, currentActor(), in)
				if err != nil {
					return err
				}
				return printReports([]domain.Report{r})
			})
		},
	}
	cmd.Flags().StringVar(&in.ReportType, "type", "", "missing, injury, damage or other")
	cmd.Flags().StringVar(&in.Details, "details", "", "what happened")
	loc.bind(cmd)
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("details")
	return cmd
}

func reportListCmd() *cobra.Command {
	var opts engine.ListOptions
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				opts.UserID = currentActor().ID
			}
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReports(ctx, opts)
				if err != nil {
					return err
				}
				return printReports(items)
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only reports submitted by --actor-id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "pending or resolved")
	cmd.Flags().StringVar(&opts.Type, "type", "", "report type")
	cmd.Flags().StringVar(&opts.Search, "search", "", "substring of details or location")
	return cmd
}

func reportResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a report resolved (admin, ngo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				r, err := e.ResolveReport(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printReports([]domain.Report{r})
			})
		},
	}
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Resource requests"}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestFulfillCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var in engine.RequestInput
	var loc locationFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Ask for resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			coords, err := loc.coords(cmd)
			if err != nil {
				return err
			}
			in.Location, in.Coords = loc.text, coords
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				r, err := e.SubmitResourceRequest(ctx, currentActor(), in)
				if err != nil {
					return err
				}
				return printRequests([]domain.ResourceRequest{r})
			})
		},
	}
	cmd.Flags().StringVar(&in.RequestType, "type", "", "food, water, shelter, medical, clothing or other")
	cmd.Flags().StringVar(&in.Description, "description", "", "what is needed")
	loc.bind(cmd)
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func requestListCmd() *cobra.Command {
	var opts engine.ListOptions
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resource requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				opts.UserID = currentActor().ID
			}
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListResourceRequests(ctx, opts)
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only requests made by --actor-id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "pending or fulfilled")
	cmd.Flags().StringVar(&opts.Type, "type", "", "request type")
	cmd.Flags().StringVar(&opts.Search, "search", "", "substring of description or location")
	return cmd
}

func requestFulfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fulfill <id>",
		Short: "Mark a pending request fulfilled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				r, err := e.FulfillResourceRequest(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printRequests([]domain.ResourceRequest{r})
			})
		},
	}
}

func broadcastCmd() *cobra.Command {
	b := &cobra.Command{Use: "broadcast", Short: "Public announcements"}
	var in engine.BroadcastInput
	send := &cobra.Command{
		Use:   "send",
		Short: "Send a broadcast (admin, ngo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				out, err := e.SendBroadcast(ctx, currentActor(), in)
				if err != nil {
					return err
				}
				return printBroadcasts([]domain.Broadcast{out})
			})
		},
	}
	send.Flags().StringVar(&in.Title, "title", "", "headline")
	send.Flags().StringVar(&in.Message, "message", "", "body")
	_ = send.MarkFlagRequired("title")
	_ = send.MarkFlagRequired("message")

	var n int
	list := &cobra.Command{
		Use:   "list",
		Short: "Latest broadcasts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				items, err := e.LatestBroadcasts(ctx, n)
				if err != nil {
					return err
				}
				return printBroadcasts(items)
			})
		},
	}
	list.Flags().IntVarP(&n, "n", "n", engine.DefaultBroadcastCount, "how many to show (0 for all)")
	b.AddCommand(send, list)
	return b
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Volunteer tasks",
		Long:  "Tasks move pending -> assigned -> completed. Volunteers accept and complete their own; admins and NGOs may complete any task.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskTransitionCmd("accept", "Accept a pending task", engine.Engine.AcceptVolunteerTask))
	task.AddCommand(taskTransitionCmd("complete", "Complete a task", engine.Engine.CompleteVolunteerTask))
	return task
}

func taskCreateCmd() *cobra.Command {
	var in engine.TaskInput
	var loc locationFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a volunteer task (admin, ngo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			coords, err := loc.coords(cmd)
			if err != nil {
				return err
			}
			in.Location, in.Coords = loc.text, coords
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateVolunteerTask(ctx, currentActor(), in)
				if err != nil {
					return err
				}
				return printTasks([]domain.VolunteerTask{t})
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "details")
	cmd.Flags().StringVar(&in.Skills, "skills", "", "comma separated skills, e.g. \"First Aid, Driving\"")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "low, medium (default), high or urgent")
	loc.bind(cmd)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var opts engine.ListOptions
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List volunteer tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				opts.UserID = currentActor().ID
			}
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVolunteerTasks(ctx, opts)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only tasks created by --actor-id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "pending, assigned or completed")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&opts.Search, "search", "", "substring of title, description or location")
	return cmd
}

func taskTransitionCmd(use, short string, apply func(engine.Engine, context.Context, auth.Actor, string) (domain.VolunteerTask, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				t, err := apply(e, ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printTasks([]domain.VolunteerTask{t})
			})
		},
	}
}

func watchCmd() *cobra.Command {
	var status string
	var mine bool
	cmd := &cobra.Command{
		Use:       "watch <reports|requests|tasks|broadcasts>",
		Short:     "Follow a collection live; prints the full matching set on every change",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"reports", "requests", "tasks", "broadcasts"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntimeContext(ctx, func(ctx context.Context, rt *app.Runtime) error {
				var f store.Filter
				if mine {
					owner := "userId"
					if args[0] == "tasks" {
						owner = "createdBy"
					}
					f = store.Where(owner, currentActor().ID)
				}
				if status != "" {
					f = f.And("status", status)
				}
				g, gctx := errgroup.WithContext(ctx)
				e := rt.Engine
				switch args[0] {
				case "reports":
					sub, err := e.WatchReports(gctx, f)
					if err != nil {
						return err
					}
					g.Go(func() error { return follow(gctx, sub, printReports) })
				case "requests":
					sub, err := e.WatchResourceRequests(gctx, f)
					if err != nil {
						return err
					}
					g.Go(func() error { return follow(gctx, sub, printRequests) })
				case "tasks":
					sub, err := e.WatchVolunteerTasks(gctx, f)
					if err != nil {
						return err
					}
					g.Go(func() error { return follow(gctx, sub, printTasks) })
				case "broadcasts":
					sub, err := e.WatchBroadcasts(gctx)
					if err != nil {
						return err
					}
					g.Go(func() error {
						return follow(gctx, sub, func(items []domain.Broadcast) error {
							return printBroadcasts(engine.NewestBroadcasts(items, 0))
						})
					})
				default:
					return fmt.Errorf("unknown collection %q", args[0])
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&mine, "mine", false, "only documents owned by --actor-id")
	return cmd
}

func follow[T any](ctx context.Context, sub *live.Subscription[T], print func([]T) error) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-sub.C:
			if !ok {
				return nil
			}
			if !viper.GetBool("json") {
				fmt.Printf("-- seq %d, %d item(s), %s\n", snap.Seq, len(snap.Items), time.Now().Format("15:04:05"))
			}
			if err := print(snap.Items); err != nil {
				return err
			}
		}
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Change log",
		Long:  "Every committed write to reports, requests, tasks and broadcasts, oldest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var collection, docID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				changes, err := e.Changes(ctx, store.ChangeFilter{Collection: collection, DocID: docID, Limit: n, Newest: true})
				if err != nil {
					return err
				}
				// Newest-first from the store; print oldest first like a tail.
				for i, j := 0, len(changes)-1; i < j; i, j = i+1, j-1 {
					changes[i], changes[j] = changes[j], changes[i]
				}
				if viper.GetBool("json") {
					return printJSON(changes)
				}
				tw := newTable("Seq", "When", "Collection", "Doc", "Op", "Actor")
				for _, c := range changes {
					tw.AppendRow(table.Row{c.Seq, ago(c.TS), c.Collection, c.DocID, c.Op, c.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of changes")
	cmd.Flags().StringVar(&collection, "collection", "", "collection filter")
	cmd.Flags().StringVar(&docID, "doc-id", "", "document id filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Bearer tokens for the HTTP API"}
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a JWT for --actor-id and --role using RELIEFLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(); err != nil {
				return err
			}
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("RELIEFLINE_JWT_SECRET is not set; run rl init")
			}
			actor := currentActor()
			token, err := server.SignToken(secret, actor.ID, actor.Role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	tok.AddCommand(mint)
	return tok
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntimeContext(ctx, func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt_secret"),
					AllowLegacyActorHeader: allowHeaders,
					Logger:                 rt.Log.Named("auth"),
				}
				if authCfg.JWTSecret == "" && !allowHeaders {
					return fmt.Errorf("RELIEFLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header)")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Log: rt.Log.Named("http")})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				hooks := server.NewWebhookDispatcher(rt.Engine, rt.Config.Webhooks, rt.Log.Named("webhooks"))

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error { return hooks.Run(gctx) })
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				rt.Log.Info("serving",
					zap.String("addr", "http://"+addr+basePath),
					zap.Int("webhooks", len(rt.Config.Webhooks)),
					zap.Bool("actor_headers", allowHeaders))
				fmt.Printf("Serving Reliefline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowHeaders, "allow-actor-header", false, "accept X-Actor-Id/X-Actor-Role headers (development only)")
	return cmd
}

// --- helpers ---

func currentActor() auth.Actor {
	role := domain.Role(strings.ToLower(strings.TrimSpace(viper.GetString("role"))))
	if role == "" {
		role = domain.RoleVictim
	}
	return auth.Actor{ID: viper.GetString("actor-id"), Role: role}
}

// loadEnv reads the workspace .env for commands that do not open a runtime.
func loadEnv() error {
	path := app.EnvPath(viper.GetString("workspace"))
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func withRuntime(fn func(context.Context, *app.Runtime) error) error {
	return withRuntimeContext(rootCmd.Context(), fn)
}

func withRuntimeContext(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := app.Open(app.Options{Workspace: viper.GetString("workspace"), LogLevel: viper.GetString("log-level")})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(fn func(context.Context, engine.Engine) error) error {
	return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printReports(items []domain.Report) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Type", "Status", "Location", "Details", "By", "When")
	for _, r := range items {
		loc := r.Location
		if r.Latitude != nil && r.Longitude != nil {
			loc = strings.TrimSpace(fmt.Sprintf("%s (%.4f, %.4f)", loc, *r.Latitude, *r.Longitude))
		}
		tw.AppendRow(table.Row{r.ID, r.ReportType, r.Status, loc, r.Details, r.UserID, humanize.Time(r.Timestamp)})
	}
	tw.Render()
	return nil
}

func printRequests(items []domain.ResourceRequest) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Type", "Status", "Location", "Description", "By", "Fulfilled By", "When")
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.RequestType, r.Status, r.Location, r.Description, r.UserID, deref(r.FulfilledBy), humanize.Time(r.Timestamp)})
	}
	tw.Render()
	return nil
}

func printTasks(items []domain.VolunteerTask) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Title", "Priority", "Status", "Skills", "Location", "Assigned To", "Created")
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, t.Status, strings.Join(t.RequiredSkills, ", "), t.Location, deref(t.AssignedTo), humanize.Time(t.CreatedAt)})
	}
	tw.Render()
	return nil
}

func printBroadcasts(items []domain.Broadcast) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("When", "From", "Title", "Message")
	for _, b := range items {
		tw.AppendRow(table.Row{humanize.Time(b.Timestamp), fmt.Sprintf("%s (%s)", b.UserID, b.UserRole), b.Title, b.Message})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func setEnvValue(path, key, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
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
