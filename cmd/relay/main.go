// Package main is the entry point for the relay daemon and its operator CLI.
// `relay serve` runs the router; the other subcommands talk to a running
// daemon over its HTTP surface.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/relay/internal/auth"
	"github.com/normanking/relay/internal/breaker"
	"github.com/normanking/relay/internal/cache"
	"github.com/normanking/relay/internal/config"
	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/health"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/policy"
	"github.com/normanking/relay/internal/postcall"
	"github.com/normanking/relay/internal/router"
	"github.com/normanking/relay/internal/server"
	"github.com/normanking/relay/internal/trace"
	"github.com/normanking/relay/internal/vendor"
	"github.com/normanking/relay/pkg/types"
)

var (
	version = "0.1.0"
	cfgPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Relay - LLM request router and orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.relay/config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(rulesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

func initLogging(cfg *config.Config) error {
	log := logging.Global()
	log.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		if err := log.SetFileOutput(cfg.Logging.File); err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	log := logging.Global().WithComponent("Main")

	store, err := data.NewDB(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	policyEngine := policy.NewEngine(cfg.Rules.File)
	rules := policyEngine.Snapshot()

	primary := vendor.NewPrimary(
		cfg.Vendors.Primary.Endpoint,
		primaryAPIKey(cfg),
		vendor.WithPrimaryMaxConcurrent(int64(cfg.Vendors.Primary.MaxConcurrent)),
	)
	secondary := vendor.NewSecondary(
		cfg.Vendors.Secondary.Endpoint,
		vendor.WithSecondaryMaxConcurrent(int64(cfg.Vendors.Secondary.MaxConcurrent)),
		vendor.WithSecondaryTimeouts(vendor.TimeoutConfig{
			ConnectionTimeout: time.Duration(cfg.Vendors.Secondary.ConnectionTimeoutSec) * time.Second,
			FirstTokenTimeout: time.Duration(cfg.Vendors.Secondary.FirstTokenTimeoutSec) * time.Second,
			StreamIdleTimeout: time.Duration(cfg.Vendors.Secondary.StreamIdleTimeoutSec) * time.Second,
		}),
	)
	adapters := map[types.Vendor]types.Adapter{
		types.VendorPrimary:   primary,
		types.VendorSecondary: secondary,
	}

	responseCache, err := buildCache(cfg)
	if err != nil {
		return err
	}

	monitor := health.NewMonitor()
	engine := router.New(router.Deps{
		Policy:   policyEngine,
		Health:   monitor,
		GlobalCB: breaker.NewGlobal(rules.GlobalCBThreshold, rules.GlobalCBCooldown),
		UserCB:   breaker.NewPerUser(rules.UserCBThreshold, rules.UserCBCooldown),
		Adapters: adapters,
		Cache:    responseCache,
		PostCall: postcall.New(store, responseCache),
		Tracer:   trace.NewEmitter(store),
		Store:    store,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rules.StartupVendorPings {
		go health.NewProber(primary, monitor).Run(ctx)
		go health.NewProber(secondary, monitor).Run(ctx)
	}

	srv := server.New(engine, auth.NewService(cfg.Auth.Tokens))
	log.Info("[Main] relay %s starting on %s (cache=%s, rules=%s)",
		version, cfg.Server.Addr(), cfg.Cache.Backend, cfg.Rules.File)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func primaryAPIKey(cfg *config.Config) string {
	if cfg.Vendors.Primary.APIKey != "" {
		return cfg.Vendors.Primary.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func buildCache(cfg *config.Config) (*cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			DB:       cfg.Cache.RedisDB,
			Password: cfg.Cache.RedisPass,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Cache.RedisAddr, err)
		}
		return cache.New(cache.NewRedisStore(client)), nil
	default:
		return cache.New(cache.NewMemoryStore(cfg.Cache.MaxEntries)), nil
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLIENT COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

var (
	serverURL string
	authToken string
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8090", "relay server URL")
	cmd.Flags().StringVar(&authToken, "token", "", "bearer token for authenticated routes")
}

func askCmd() *cobra.Command {
	var model string
	var stream bool
	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send a prompt to a running relay daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"prompt": strings.Join(args, " ")}
			if model != "" {
				body["model"] = model
			}
			if stream {
				body["stream"] = true
				return streamAsk(body)
			}

			var out struct {
				Response string `json:"response"`
			}
			if err := postJSON("/ask", body, &out); err != nil {
				return err
			}
			fmt.Println(out.Response)
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream tokens as they arrive")
	return cmd
}

func streamAsk(body map[string]any) error {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", serverURL+"/ask", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readDetail(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		tok := strings.TrimPrefix(line, "data: ")
		if tok == "[DONE]" {
			break
		}
		fmt.Print(tok)
	}
	fmt.Println()
	return scanner.Err()
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [request-id]",
		Short: "Diff a stored routing decision against the current rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/ask/replay/"+args[0], os.Stdout)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show routing subsystem status of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/ask/status", os.Stdout)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with router rules files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Validate a rules file without loading it into a daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rules := policy.Default()
			if err := yaml.Unmarshal(raw, &rules); err != nil {
				return fmt.Errorf("malformed rules file: %w", err)
			}
			fmt.Printf("OK: %d primary models, %d secondary models, budget %dms, %d keywords\n",
				len(rules.AllowedPrimaryModels), len(rules.AllowedSecondaryModels),
				rules.BudgetMS, len(rules.Keywords))
			return nil
		},
	})
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func setAuth(req *http.Request) {
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
}

func postJSON(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", serverURL+path, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readDetail(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(path string, w io.Writer) error {
	req, err := http.NewRequest("GET", serverURL+path, nil)
	if err != nil {
		return err
	}
	setAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readDetail(resp)
	}

	var pretty map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

func readDetail(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
