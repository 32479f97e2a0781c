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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tableside/internal/app"
	"tableside/internal/config"
	"tableside/internal/domain"
	"tableside/internal/qr"
	"tableside/internal/repo"
	"tableside/internal/scheduler"
	"tableside/internal/server"
)

const envPrefix = "TABLESIDE"

var rootCmd = &cobra.Command{
	Use:   "tableside",
	Short: "Tableside guest session engine",
	Long: `Tableside runs dine-in guest sessions: a guest scans a table QR code, gets a
session token, builds a cart, places orders and asks for service until the visit
is completed, abandoned or expires.

Configuration lives in <workspace>/tableside.yml. Any key can be overridden from
the environment, e.g. TABLESIDE_SESSION_TTL=6h or TABLESIDE_STORE_DSN=postgres://...
A .env file in the workspace is loaded first.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
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
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(qrCmd())
	rootCmd.AddCommand(staffCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if a.Config.Server.JWTSecret == "" {
					a.Log.Warn("server.jwt_secret is empty; staff bearer tokens are rejected")
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				if a.Config.Scheduler.Enabled && !noScheduler {
					if err := a.Scheduler.Start(ctx); err != nil {
						return err
					}
					defer a.Scheduler.Stop()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if a.Hub != nil {
						a.Hub.Close()
					}
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.Log.WithField("addr", addr).WithField("base_path", a.Config.Server.BasePath).Info("serving tableside API (OpenAPI at /openapi.json, docs at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run scheduled sweeps in this process")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the session store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("store migrated (%s)\n", a.Dialect)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect and scaffold tableside.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tableside.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
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

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "***"
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	sw := &cobra.Command{Use: "sweep", Short: "Run maintenance sweeps"}
	sw.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sweeps and their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			type row struct {
				Sweep string `json:"sweep"`
				Every string `json:"every,omitempty"`
				Cron  string `json:"cron,omitempty"`
			}
			var rows []row
			for _, name := range scheduler.Names {
				job, _ := cfg.Scheduler.JobByName(name)
				r := row{Sweep: name, Cron: job.Cron}
				if job.Every > 0 {
					r.Every = job.Every.String()
				}
				rows = append(rows, r)
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := newTable(table.Row{"Sweep", "Every", "Cron"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Sweep, r.Every, r.Cron})
			}
			tw.Render()
			return nil
		},
	})
	sw.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run one sweep now under its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler.Run(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Skipped {
					fmt.Printf("%s skipped: another instance holds the lock\n", res.Sweep)
					return nil
				}
				fmt.Printf("%s affected %d sessions in %s\n", res.Sweep, res.Affected, res.Took.Round(time.Millisecond))
				return nil
			})
		},
	})
	return sw
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Inspect and end guest sessions"}
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionEndCmd())
	return s
}

func sessionListCmd() *cobra.Command {
	var f repo.SessionFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.SessionStatus(strings.ToUpper(status))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Branch", "Table", "Status", "Accesses", "Expires", "Total"})
				for _, s := range items {
					total := "-"
					if s.Cart != nil {
						total = s.Cart.Total.StringFixed(2)
					}
					tw.AppendRow(table.Row{s.ID, s.BranchID, s.TableID, s.Status, s.AccessCount, s.ExpiresAt.Format(time.RFC3339), total})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE, EXPIRED, COMPLETED or ABANDONED")
	cmd.Flags().StringVar(&f.BranchID, "branch", "", "branch id")
	cmd.Flags().StringVar(&f.TableID, "table", "", "table id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session with its action history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if s, err = a.Repo.WithHistory(ctx, s); err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func sessionEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <id>",
		Short: "Complete a session on the guest's behalf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.EndSession(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("session %s is %s\n", s.ID, s.Status)
				return nil
			})
		},
	}
}

func qrCmd() *cobra.Command {
	q := &cobra.Command{Use: "qr", Short: "Manage table QR codes"}
	q.AddCommand(qrAddCmd())
	q.AddCommand(qrListCmd())
	q.AddCommand(qrStatusCmd("disable", "Stop accepting scans of a code", qr.Store.Disable))
	q.AddCommand(qrStatusCmd("enable", "Accept scans of a code again", qr.Store.Enable))
	return q
}

func qrAddCmd() *cobra.Command {
	var branchID, tableID string
	cmd := &cobra.Command{
		Use:   "add <code>",
		Short: "Register a QR code for a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				code, err := qr.Store{Repo: a.Repo}.Register(ctx, args[0], branchID, tableID)
				if err != nil {
					return err
				}
				return printJSONOrTable(code)
			})
		},
	}
	cmd.Flags().StringVar(&branchID, "branch", "", "branch id")
	cmd.Flags().StringVar(&tableID, "table", "", "table id")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func qrListCmd() *cobra.Command {
	var branchID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List QR codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				codes, err := qr.Store{Repo: a.Repo}.List(ctx, branchID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(codes)
				}
				tw := newTable(table.Row{"Code", "Branch", "Table", "Status", "Scans"})
				for _, c := range codes {
					tw.AppendRow(table.Row{c.Code, c.BranchID, c.TableID, c.Status, c.ScanCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branchID, "branch", "", "branch id filter")
	return cmd
}

func qrStatusCmd(use, short string, apply func(qr.Store, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <code>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := apply(qr.Store{Repo: a.Repo}, ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("qr %s: %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func staffCmd() *cobra.Command {
	s := &cobra.Command{Use: "staff", Short: "Staff credentials"}
	s.AddCommand(staffTokenCmd())
	s.AddCommand(staffSecretCmd())
	s.AddCommand(staffAPIKeyCmd())
	return s
}

func staffTokenCmd() *cobra.Command {
	var staffID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a staff bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := checkRoles(cfg, roles); err != nil {
				return err
			}
			tok, err := server.SignStaffToken(cfg.Server.JWTSecret, staffID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&staffID, "staff-id", "", "staff member id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("staff-id")
	return cmd
}

func staffSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "Generate a JWT signing secret into the workspace .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := randomHex(32)
			if err != nil {
				return err
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			if err := setEnvValue(path, envPrefix+"_SERVER_JWT_SECRET", secret); err != nil {
				return err
			}
			fmt.Println("wrote", envPrefix+"_SERVER_JWT_SECRET to", path)
			return nil
		},
	}
}

func staffAPIKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage integration API keys"}

	var name string
	var roles []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := checkRoles(a.Config, roles); err != nil {
					return err
				}
				raw, err := randomHex(24)
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					Name:      name,
					Roles:     roles,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC(),
				}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": raw, "roles": key.Roles})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	_ = create.MarkFlagRequired("role")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Name", "Roles", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	k.AddCommand(create, list, del)
	return k
}

// --- helpers ---

// configKeys can be overridden from TABLESIDE_* environment variables.
var configKeys = []string{
	"server.addr", "server.base_path", "server.request_timeout", "server.jwt_secret", "server.dev_login",
	"store.driver", "store.dsn", "store.max_open_conns",
	"session.ttl", "session.abandon_after", "session.retention", "session.max_extend_hours",
	"session.max_cart_items", "session.tax_rate",
	"scheduler.enabled", "scheduler.timezone", "scheduler.lease_ttl", "scheduler.batch_size",
	"locks.backend", "locks.redis.addr", "locks.redis.password", "locks.redis.prefix",
	"notify.log", "notify.websocket", "notify.amqp.url", "notify.amqp.exchange",
	"orders.driver", "orders.url", "orders.token", "orders.timeout", "orders.amqp.url",
	"log.level", "log.format",
}

// loadConfig reads tableside.yml and applies environment overrides. The caller validates.
func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	for _, key := range configKeys {
		if !viper.IsSet(key) {
			continue
		}
		if err := applyOverride(cfg, key); err != nil {
			return nil, fmt.Errorf("%s_%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), err)
		}
	}
	return cfg, cfg.Validate()
}

func applyOverride(cfg *config.Config, key string) error {
	str := func(dst *string) error { *dst = viper.GetString(key); return nil }
	dur := func(dst *time.Duration) error {
		d, err := time.ParseDuration(viper.GetString(key))
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
	num := func(dst *int) error { *dst = viper.GetInt(key); return nil }
	flag := func(dst *bool) error { *dst = viper.GetBool(key); return nil }

	switch key {
	case "server.addr":
		return str(&cfg.Server.Addr)
	case "server.base_path":
		return str(&cfg.Server.BasePath)
	case "server.request_timeout":
		return dur(&cfg.Server.RequestTimeout)
	case "server.jwt_secret":
		return str(&cfg.Server.JWTSecret)
	case "server.dev_login":
		return flag(&cfg.Server.DevLogin)
	case "store.driver":
		return str(&cfg.Store.Driver)
	case "store.dsn":
		return str(&cfg.Store.DSN)
	case "store.max_open_conns":
		return num(&cfg.Store.MaxOpenConns)
	case "session.ttl":
		return dur(&cfg.Session.TTL)
	case "session.abandon_after":
		return dur(&cfg.Session.AbandonAfter)
	case "session.retention":
		return dur(&cfg.Session.Retention)
	case "session.max_extend_hours":
		return num(&cfg.Session.MaxExtendHours)
	case "session.max_cart_items":
		return num(&cfg.Session.MaxCartItems)
	case "session.tax_rate":
		return str(&cfg.Session.TaxRate)
	case "scheduler.enabled":
		return flag(&cfg.Scheduler.Enabled)
	case "scheduler.timezone":
		return str(&cfg.Scheduler.Timezone)
	case "scheduler.lease_ttl":
		return dur(&cfg.Scheduler.LeaseTTL)
	case "scheduler.batch_size":
		return num(&cfg.Scheduler.BatchSize)
	case "locks.backend":
		return str(&cfg.Locks.Backend)
	case "locks.redis.addr":
		return str(&cfg.Locks.Redis.Addr)
	case "locks.redis.password":
		return str(&cfg.Locks.Redis.Password)
	case "locks.redis.prefix":
		return str(&cfg.Locks.Redis.Prefix)
	case "notify.log":
		return flag(&cfg.Notify.Log)
	case "notify.websocket":
		return flag(&cfg.Notify.WebSocket)
	case "notify.amqp.url":
		return str(&cfg.Notify.AMQP.URL)
	case "notify.amqp.exchange":
		return str(&cfg.Notify.AMQP.Exchange)
	case "orders.driver":
		return str(&cfg.Orders.Driver)
	case "orders.url":
		return str(&cfg.Orders.URL)
	case "orders.token":
		return str(&cfg.Orders.Token)
	case "orders.timeout":
		return dur(&cfg.Orders.Timeout)
	case "orders.amqp.url":
		return str(&cfg.Orders.AMQP.URL)
	case "log.level":
		return str(&cfg.Log.Level)
	case "log.format":
		return str(&cfg.Log.Format)
	}
	return fmt.Errorf("unknown config key %s", key)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func checkRoles(cfg *config.Config, roles []string) error {
	if len(roles) == 0 {
		return fmt.Errorf("at least one --role is required")
	}
	for _, r := range roles {
		if _, ok := cfg.Staff.Roles[r]; !ok {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.SetStyle(table.StyleLight)
	return tw
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
