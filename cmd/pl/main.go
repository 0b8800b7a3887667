package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portline/internal/app"
	"portline/internal/config"
	"portline/internal/domain"
	"portline/internal/engine"
	"portline/internal/logger"
	"portline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Portline CLI",
	Long: `Portline hands out rewarded ports and pays users for resolving them.
Core concepts:
- Port: a reward assigned to one user; it moves assigned -> discovered -> resolved, and can be archived from any state.
- Scan: discovers every assigned port of a user.
- Resolve delay: the first resolve attempt arms a timer; the port pays out once the delay has elapsed.
- Wallet: resolved rewards minus approved withdrawals. One account is reconciled against a remote mirror.
- Withdrawals: pending requests an admin approves or rejects.
- Cleanup: snapshots every balance, purges port files and carries balances forward as ledger ports.
- Audit log: every mutation, view with 'pl log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PORTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "act as this user")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor recorded on admin actions")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log runtime activity")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(portCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(withdrawCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default portline.yml and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := app.Open(cfg, nil)
			if err != nil {
				return err
			}
			rt.Stop()
			fmt.Printf("Initialized %s (data in %s)\n", path, cfg.DataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing portline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate portline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func portCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Create, discover and resolve ports",
	}
	cmd.AddCommand(portCreateCmd())
	cmd.AddCommand(portAssignCmd())
	cmd.AddCommand(portScanCmd())
	cmd.AddCommand(portResolveCmd())
	cmd.AddCommand(portRemainingCmd())
	cmd.AddCommand(portArchiveCmd(true))
	cmd.AddCommand(portArchiveCmd(false))
	return cmd
}

func portCreateCmd() *cobra.Command {
	var opts engine.PortCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue one port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				p, err := e.CreatePort(ctx, opts)
				if err != nil {
					return err
				}
				return printPorts([]domain.Port{p})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner username")
	cmd.Flags().IntVar(&opts.PortNumber, "number", 0, "port number label")
	cmd.Flags().Float64Var(&opts.Reward, "reward", 0, "reward amount")
	cmd.Flags().IntVar(&opts.ResolveDelaySec, "delay", 0, "resolve delay in seconds")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func portAssignCmd() *cobra.Command {
	opts := engine.AssignOptions{
		RewardMin: engine.DefaultRewardMin,
		RewardMax: engine.DefaultRewardMax,
	}
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Issue ports with random reward and delay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				ports, err := e.AssignPorts(ctx, opts)
				if err != nil {
					return err
				}
				return printPorts(ports)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner username")
	cmd.Flags().IntVar(&opts.Count, "count", 1, "number of ports")
	cmd.Flags().Float64Var(&opts.RewardMin, "reward-min", opts.RewardMin, "minimum reward")
	cmd.Flags().Float64Var(&opts.RewardMax, "reward-max", opts.RewardMax, "maximum reward")
	cmd.Flags().IntVar(&opts.DelayMin, "delay-min", 0, "minimum resolve delay in seconds")
	cmd.Flags().IntVar(&opts.DelayMax, "delay-max", 0, "maximum resolve delay in seconds")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func portScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Discover every assigned port of the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Scan(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.ScanResponse{Discovered: n})
				}
				fmt.Printf("discovered %d port(s)\n", n)
				return nil
			})
		},
	}
}

func portResolveCmd() *cobra.Command {
	var key string
	var wait bool
	cmd := &cobra.Command{
		Use:   "resolve <port-id>",
		Short: "Resolve a discovered port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for {
					res, err := e.Resolve(ctx, user, args[0], key)
					if err != nil {
						return err
					}
					if !wait || (res.Error != engine.CodeTooEarly && res.Error != engine.CodeBusy) {
						return printResult(res)
					}
					delay := time.Duration(max(res.SecondsRemaining, 1)) * time.Second
					fmt.Fprintf(os.Stderr, "waiting %s\n", delay)
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(delay):
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&key, "idempotency-key", "", "replay-safe request key")
	cmd.Flags().BoolVar(&wait, "wait", false, "retry until the resolve delay has elapsed")
	return cmd
}

func portRemainingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remaining <port-id>",
		Short: "Seconds until a port can be resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Remaining(ctx, user, args[0])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
}

func portArchiveCmd(archive bool) *cobra.Command {
	use, short := "archive <port-id>", "Archive a port"
	if !archive {
		use, short = "unarchive <port-id>", "Return an archived port to discovered"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fn := e.Archive
				if !archive {
					fn = e.Unarchive
				}
				res, err := fn(ctx, user, args[0])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Ports by state and wallet balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Dashboard(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				var all []domain.Port
				all = append(all, d.Assigned...)
				all = append(all, d.Discovered...)
				all = append(all, d.Resolved...)
				all = append(all, d.Archived...)
				if err := printPorts(all); err != nil {
					return err
				}
				fmt.Printf("available %.2f  earned %.2f  pending withdrawals %.2f\n",
					d.Wallet.AvailableBalance, d.Wallet.TotalEarned, d.PendingWithdrawals)
				return nil
			})
		},
	}
}

func withdrawCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "withdraw", Short: "Withdrawal requests"}

	var amount float64
	var key string
	request := &cobra.Command{
		Use:   "request",
		Short: "Request a payout",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.RequestWithdrawal(ctx, engine.WithdrawalOptions{Owner: user, Amount: amount, Key: key})
				if err != nil {
					return err
				}
				return printWithdrawals([]domain.WithdrawalRequest{w})
			})
		},
	}
	request.Flags().Float64Var(&amount, "amount", 0, "amount to withdraw")
	request.Flags().StringVar(&key, "idempotency-key", "", "replay-safe request key")
	_ = request.MarkFlagRequired("amount")
	cmd.AddCommand(request)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List withdrawals grouped by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g := e.ListWithdrawals()
				if viper.GetBool("json") {
					return printJSON(g)
				}
				var all []domain.WithdrawalRequest
				all = append(all, g.Pending...)
				all = append(all, g.Approved...)
				all = append(all, g.Rejected...)
				return printWithdrawals(all)
			})
		},
	})
	cmd.AddCommand(withdrawStatusCmd("approve", domain.WithdrawalApproved))
	cmd.AddCommand(withdrawStatusCmd("reject", domain.WithdrawalRejected))
	return cmd
}

func withdrawStatusCmd(use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Mark a withdrawal " + status,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid withdrawal id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.SetWithdrawalStatus(ctx, id, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printWithdrawals([]domain.WithdrawalRequest{w})
			})
		},
	}
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Administrative operations"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Port totals across users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.AdminStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Users", "Ports", "Assigned", "Discovered", "Resolved", "Archived", "Unresolved", "Pending Withdrawals"})
				t := stats.Totals
				tw.AppendRow(table.Row{len(stats.Usernames), t.Ports, t.Assigned, t.Discovered, t.Resolved, t.Archived, t.Unresolved, stats.PendingWithdrawals})
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Snapshot balances and purge port files now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Cleanup.RunNow(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	})

	var total float64
	walletReset := &cobra.Command{
		Use:   "wallet-reset <username>",
		Short: "Force the reconciled wallet to a baseline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ResetWallet(ctx, args[0], total, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	walletReset.Flags().Float64Var(&total, "total-earned", 0, "new total earned")
	cmd.AddCommand(walletReset)

	cmd.AddCommand(&cobra.Command{
		Use:   "balance-reset <username>",
		Short: "Zero a user's available balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.ResetBalance(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	})
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	var isAdmin bool
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Register a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, args[0], isAdmin)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	add.Flags().BoolVar(&isAdmin, "admin", false, "grant admin")
	cmd.AddCommand(add)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printUsers(e.ListUsers())
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts := e.Audit.Tail(n)
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Kind", "Entity", "Actor"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

func tokenCmd() *cobra.Command {
	var admin bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Sign an API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.SignToken(jwtSecret(cfg), args[0], admin, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Env)
			if err != nil {
				return err
			}
			defer log.Sync()
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: jwtSecret(cfg), AllowUserHeader: devHeader}
			if authCfg.JWTSecret == "" && !devHeader {
				return fmt.Errorf("PORTLINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}

			rt, err := app.Open(cfg, log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := rt.Start(ctx); err != nil {
				rt.Stop()
				return err
			}
			defer rt.Stop()

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Cleanup:  rt.Cleanup,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      log.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("serving portline api", zap.String("addr", addr), zap.String("base_path", basePath))
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
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devHeader, "dev-user-header", false, "trust X-Username without a token (development only)")
	return cmd
}

// --- helpers ---

// loadConfig reads portline.yml from the workspace, applies PORTLINE_* env
// overrides and resolves data_dir against the workspace.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"data_dir":           &cfg.DataDir,
		"env":                &cfg.Env,
		"wallet_account":     &cfg.Wallet.Account,
		"wallet_remote_kind": &cfg.Wallet.Remote.Kind,
		"wallet_remote_path": &cfg.Wallet.Remote.Path,
		"cleanup_schedule":   &cfg.Cleanup.Schedule,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(workspace, cfg.DataDir)
	}
	return cfg, nil
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt_secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func currentUser() (string, error) {
	user := domain.NormalizeUsername(viper.GetString("user"))
	if user == "" {
		return "", fmt.Errorf("--user (or PORTLINE_USER) required")
	}
	return user, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := zap.NewNop()
	if viper.GetBool("verbose") {
		if log, err = logger.New(cfg.Env); err != nil {
			return err
		}
	}
	rt, err := app.Open(cfg, log)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		rt.Stop()
		return err
	}
	defer rt.Stop()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	switch {
	case res.OK && res.Idempotent:
		fmt.Printf("ok (replayed) %s\n", res.PortID)
	case res.OK && res.Port != nil:
		fmt.Printf("ok %s [%s]\n", res.Port.ID, res.Port.Status)
	case res.OK:
		fmt.Printf("ok seconds_remaining=%d\n", res.SecondsRemaining)
	case res.Error == engine.CodeTooEarly:
		fmt.Printf("too early, %d second(s) remaining\n", res.SecondsRemaining)
	case res.Error == engine.CodeInvalidState:
		fmt.Printf("invalid state: %s\n", res.State)
	default:
		fmt.Println(string(res.Error))
	}
	return nil
}

func printPorts(ports []domain.Port) error {
	if viper.GetBool("json") {
		return printJSON(ports)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Owner", "Port", "Reward", "Status", "Delay"})
	for _, p := range ports {
		tw.AppendRow(table.Row{p.ID, p.Owner, p.PortNumber, fmt.Sprintf("%.2f", p.Reward), p.Status, p.ResolveDelaySec})
	}
	tw.Render()
	return nil
}

func printWithdrawals(items []domain.WithdrawalRequest) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "User", "Amount", "Status", "Created"})
	for _, w := range items {
		tw.AppendRow(table.Row{w.ID, w.Username, fmt.Sprintf("%.2f", w.Amount), w.Status, w.CreatedAt})
	}
	tw.Render()
	return nil
}

func printUsers(users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(users)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Username", "Admin", "Created"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.Username, u.IsAdmin, u.CreatedAt})
	}
	tw.Render()
	return nil
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
