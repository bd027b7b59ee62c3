// Command wardend runs the cloudwarden governance daemon: it wires the
// action catalog, permission boundary, simulation and execution engines,
// the audit chain and its anchor scheduler, and exposes one-shot
// subcommands for operators.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudwarden/cloudwarden/pkg/audit"
	"github.com/cloudwarden/cloudwarden/pkg/boundary"
	"github.com/cloudwarden/cloudwarden/pkg/config"
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/dsl"
	"github.com/cloudwarden/cloudwarden/pkg/execution"
	"github.com/cloudwarden/cloudwarden/pkg/externalid"
	"github.com/cloudwarden/cloudwarden/pkg/govern"
	"github.com/cloudwarden/cloudwarden/pkg/iac"
	"github.com/cloudwarden/cloudwarden/pkg/isolation"
	"github.com/cloudwarden/cloudwarden/pkg/observability"
	"github.com/cloudwarden/cloudwarden/pkg/planner"
	"github.com/cloudwarden/cloudwarden/pkg/secrets"
	"github.com/cloudwarden/cloudwarden/pkg/simulation"
	"github.com/cloudwarden/cloudwarden/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver for lite mode
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stdout, stderr)
	case "submit":
		return runSubmit(args[2:], stdout, stderr)
	case "onboard":
		return runOnboard(args[2:], stdout, stderr)
	case "grants":
		return runGrants(args[2:], stdout, stderr)
	case "verify":
		return runVerify(stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "login":
		return runLogin(args[2:], stdout, stderr)
	case "mfa":
		return runMFA(args[2:], stdout, stderr)
	case "approve":
		return runApproval(args[2:], stdout, stderr, true)
	case "reject":
		return runApproval(args[2:], stdout, stderr, false)
	case "promote":
		return runPromote(args[2:], stdout, stderr)
	case "rotate":
		return runRotate(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "wardend %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer(stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "cloudwarden wardend %s\n", version)
	fmt.Fprintln(w, "Every action simulated, bounded, and audit-chained.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  wardend <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the governance daemon (default)")
	fmt.Fprintln(w, "  submit    Run one action document through the pipeline")
	fmt.Fprintln(w, "  onboard   Create a tenant connection and print its external id")
	fmt.Fprintln(w, "  grants    Show a tenant's effective grants for a region")
	fmt.Fprintln(w, "  verify    Verify audit chain integrity")
	fmt.Fprintln(w, "  export    Write a tenant's audit evidence pack to disk")
	fmt.Fprintln(w, "  login     Issue an operator session token")
	fmt.Fprintln(w, "  mfa       Operator MFA: setup, verify")
	fmt.Fprintln(w, "  approve   Approve a pending dual-approval request")
	fmt.Fprintln(w, "  reject    Reject a pending dual-approval request")
	fmt.Fprintln(w, "  promote   Promote a connection from simulation to live mode")
	fmt.Fprintln(w, "  rotate    Rotate a connection's external id")
	fmt.Fprintln(w, "  health    Check daemon health (HTTP)")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
	fmt.Fprintln(w, "")
}

// runtime holds the wired pipeline components.
type runtime struct {
	cfg       *config.Config
	log       *slog.Logger
	db        *sql.DB
	conns     store.ConnectionStore
	resolver  *store.Resolver
	chain     *audit.Chain
	entries   audit.EntryStore
	anchorer  *audit.Anchorer
	engine    *govern.Engine
	onboarder *govern.Onboarder
	results   *simulation.ResultStore
	simulator *simulation.Engine
	guard     *externalid.Guard
	mfa       *iac.MFA
	access    *iac.Controller
	sessions  *iac.SessionManager
	obs       *observability.Provider
}

func (r *runtime) close(ctx context.Context) {
	if r.obs != nil {
		_ = r.obs.Shutdown(ctx)
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

// noProviderExecutor fails every live call until a cloud provider adapter
// is configured. Fails closed: a misconfigured daemon can never mutate
// cloud state.
type noProviderExecutor struct{}

func (noProviderExecutor) Execute(context.Context, contracts.PlanStep) (*execution.StepResult, error) {
	return nil, fmt.Errorf("no cloud provider executor configured")
}

func (noProviderExecutor) ExecuteRollback(context.Context, contracts.RollbackStep) error {
	return fmt.Errorf("no cloud provider executor configured")
}

//nolint:gocognit // wiring is long but strictly sequential
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger := newLogger(cfg.LogLevel)
	rt := &runtime{cfg: cfg, log: logger}

	// Observability is optional: enabled when an OTLP endpoint is set.
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	rt.obs = obs

	// Storage. Without DATABASE_URL the daemon runs in lite mode: SQLite
	// for the audit chain, in-memory connections.
	var (
		conns     store.ConnectionStore
		hashIndex externalid.HashIndex
	)
	if os.Getenv("DATABASE_URL") == "" {
		logger.Info("DATABASE_URL not set, running in lite mode (sqlite + memory)")
		db, err := sql.Open("sqlite", "file:cloudwarden.db?cache=shared")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		rt.db = db
		mem := store.NewMemoryConnectionStore()
		conns, hashIndex = mem, mem
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		rt.db = db
		pg := store.NewPGConnectionStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate connections: %w", err)
		}
		conns, hashIndex = pg, pg
		logger.Info("postgres connected")
	}
	rt.conns = conns

	entryStore := audit.NewSQLStore(rt.db)
	if err := entryStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate audit chain: %w", err)
	}
	rt.entries = entryStore
	rt.chain = audit.NewChain(entryStore)

	// Config cache: redis when configured, else local.
	var cache store.ConfigCache = store.NewMemoryConfigCache()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		cache = store.NewRedisConfigCache(redis.NewClient(opts))
		logger.Info("redis config cache enabled")
	}
	rt.resolver = store.NewResolver(conns, cache)

	// Key material. Generated ephemerally in lite mode only.
	masterKey, err := loadKey(cfg.MasterKeyHex, "MASTER_KEY", logger)
	if err != nil {
		return nil, err
	}
	cipher, err := secrets.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	rt.guard = externalid.NewGuard(hashIndex, cipher, rt.chain)
	rt.onboarder = govern.NewOnboarder(rt.guard, conns)

	// Action catalog + parser.
	catalog := dsl.NewCatalog()
	if cfg.CatalogOverlayPath != "" {
		if err := catalog.LoadOverlay(cfg.CatalogOverlayPath); err != nil {
			return nil, fmt.Errorf("load catalog overlay: %w", err)
		}
	}
	parser, err := dsl.NewParser(catalog)
	if err != nil {
		return nil, fmt.Errorf("init parser: %w", err)
	}

	// Pricing and risk tables, file-overridable.
	prices := planner.NewStaticPriceTable()
	if cfg.PriceTablePath != "" {
		if err := prices.LoadYAML(cfg.PriceTablePath); err != nil {
			return nil, fmt.Errorf("load price table: %w", err)
		}
	}
	weights := simulation.DefaultRiskWeights()
	if cfg.RiskWeightsPath != "" {
		raw, err := os.ReadFile(cfg.RiskWeightsPath)
		if err != nil {
			return nil, fmt.Errorf("read risk weights: %w", err)
		}
		if weights, err = simulation.LoadRiskWeights(raw); err != nil {
			return nil, fmt.Errorf("load risk weights: %w", err)
		}
	}

	rt.results = simulation.NewResultStore()
	rt.mfa = iac.NewMFA(cipher)
	rt.access = iac.NewController(rt.mfa, rt.chain, logger)
	rt.simulator = simulation.NewEngine(boundary.NewValidator(), conns, logger).WithRiskWeights(weights)

	// Operator sessions. Without SESSION_SECRET tokens are signed with an
	// ephemeral key and do not survive a restart.
	sessionKey := []byte(cfg.SessionSecret)
	if len(sessionKey) == 0 {
		logger.Warn("SESSION_SECRET not configured, generating ephemeral signing key")
		sessionKey = make([]byte, 32)
		if _, err := rand.Read(sessionKey); err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
	}
	rt.sessions = iac.NewSessionManager(sessionKey)

	rt.engine = govern.NewEngine(govern.Config{
		Tenants:     isolation.NewManager(),
		Parser:      parser,
		Planner:     planner.NewGenerator(prices),
		Simulator:   rt.simulator,
		Executor:    execution.NewEngine(noProviderExecutor{}, noProviderExecutor{}, rt.chain, logger),
		Access:      rt.access,
		Connections: conns,
		Results:     rt.results,
		Chain:       rt.chain,
		Metrics:     rt.obs,
		Logger:      logger,
	})

	// Anchoring. Backend selected via ANCHOR_STORAGE_TYPE; "none" keeps
	// anchors local only.
	anchorStore, err := audit.NewAnchorStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("init anchor store: %w", err)
	}
	rt.anchorer = audit.NewAnchorer(entryStore, anchorStore, rt.chain, logger).
		WithAnchorLog(entryStore)
	if cfg.AnchorKeyHex != "" {
		anchorKey, err := hex.DecodeString(cfg.AnchorKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode ANCHOR_KEY: %w", err)
		}
		rt.anchorer = rt.anchorer.WithSigningKey(anchorKey)
	}

	return rt, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// loadKey decodes a hex-encoded 32-byte key; without one it generates an
// ephemeral key, acceptable only for lite-mode development.
func loadKey(hexKey, name string, logger *slog.Logger) ([]byte, error) {
	if hexKey == "" {
		logger.Warn("key not configured, generating ephemeral key", "var", name)
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate %s: %w", name, err)
		}
		return key, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

func runServer(stdout, stderr io.Writer) int {
	fmt.Fprintln(stdout, "cloudwarden wardend starting...")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(context.Background())

	// Periodic maintenance: MFA window sweeps, simulation result expiry,
	// daily anchor checkpoints.
	rt.mfa.StartSweeper(ctx)
	rt.access.StartSweeper(ctx)
	rt.results.StartSweeper(ctx)
	rt.anchorer.StartDailySchedule(ctx, 24*time.Hour)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if rt.chain.Halted() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("audit chain halted"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	healthSrv := &http.Server{
		Addr:              ":8081",
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		rt.log.Info("health server listening", "addr", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.log.Error("health server failed", "error", err)
		}
	}()

	rt.log.Info("wardend ready", "version", version)
	<-ctx.Done()

	rt.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	return 0
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("submit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		docPath    string
		connection string
		resources  string
		region     string
		class      string
		userID     string
		workspace  string
		accounts   string
		session    string
		execute    bool
	)
	cmd.StringVar(&docPath, "document", "", "Path to the action document JSON (REQUIRED)")
	cmd.StringVar(&connection, "connection", "", "Connection id (REQUIRED)")
	cmd.StringVar(&resources, "resources", "", "Comma-separated resource ids")
	cmd.StringVar(&region, "region", "us-east-1", "Target region")
	cmd.StringVar(&class, "class", "", "Resource class for cost projection, e.g. ec2:t3.large")
	cmd.StringVar(&userID, "user", "", "Submitting user id (REQUIRED)")
	cmd.StringVar(&workspace, "workspace", "", "Workspace id (REQUIRED)")
	cmd.StringVar(&accounts, "accounts", "", "Comma-separated own cloud account ids")
	cmd.StringVar(&session, "session", "", "Operator session token from `wardend login`")
	cmd.BoolVar(&execute, "execute", false, "Execute live after a passing simulation")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if docPath == "" || connection == "" || userID == "" || workspace == "" {
		fmt.Fprintln(stderr, "Error: --document, --connection, --user, and --workspace are required")
		cmd.Usage()
		return 2
	}
	if execute && session == "" {
		fmt.Fprintln(stderr, "Error: --execute requires --session")
		cmd.Usage()
		return 2
	}

	doc, err := os.ReadFile(docPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading document: %v\n", err)
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	var operator iac.Operator
	if session != "" {
		if operator, err = rt.operatorFromSession(session); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	result, err := rt.engine.Submit(ctx, govern.Request{
		UserID:         userID,
		WorkspaceID:    workspace,
		OwnAccounts:    splitList(accounts),
		ActionDocument: doc,
		ConnectionID:   connection,
		Resources:      splitList(resources),
		Region:         region,
		ResourceClass:  class,
		Operator:       operator,
		Execute:        execute,
	})
	if err != nil {
		fmt.Fprintf(stderr, "submit failed: %v\n", err)
		return 1
	}

	return printJSON(stdout, result)
}

func runOnboard(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("onboard", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		userID    string
		workspace string
		services  string
		env       string
		period    int
	)
	cmd.StringVar(&userID, "user", "", "User id (REQUIRED)")
	cmd.StringVar(&workspace, "workspace", "", "Workspace id (REQUIRED)")
	cmd.StringVar(&services, "services", "", "Comma-separated services to grant, e.g. ec2,s3 (REQUIRED)")
	cmd.StringVar(&env, "env", "development", "Environment: production, staging, development")
	cmd.IntVar(&period, "period", 7, "Mandatory simulation period in days")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if userID == "" || workspace == "" || services == "" {
		fmt.Fprintln(stderr, "Error: --user, --workspace, and --services are required")
		cmd.Usage()
		return 2
	}

	grants := make(map[string]contracts.ServiceGrant)
	for _, svc := range splitList(services) {
		grants[svc] = contracts.ServiceGrant{
			Actions: []string{svc + ":*"},
			Regions: []string{"*"},
		}
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	result, err := rt.onboarder.Onboard(ctx, govern.OnboardRequest{
		UserID:               userID,
		WorkspaceID:          workspace,
		AllowedServices:      grants,
		Environment:          contracts.Environment(env),
		SimulationPeriodDays: period,
	})
	if err != nil {
		fmt.Fprintf(stderr, "onboard failed: %v\n", err)
		return 1
	}

	// The external id is printed exactly once and never stored in
	// plaintext. Losing it means rotating.
	return printJSON(stdout, result)
}

func runGrants(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("grants", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var tenantID, region string
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&region, "region", "us-east-1", "Region")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" {
		fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	cfg, err := rt.resolver.Resolve(ctx, tenantID, region)
	if err != nil {
		fmt.Fprintf(stderr, "resolve failed: %v\n", err)
		return 1
	}
	return printJSON(stdout, cfg)
}

func runVerify(stdout, stderr io.Writer) int {
	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	if err := audit.VerifyChain(ctx, rt.entries); err != nil {
		fmt.Fprintf(stderr, "chain verification FAILED: %v\n", err)
		return 1
	}
	n, err := rt.entries.Len(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "chain length: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "chain verified: %d entries intact\n", n)
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var tenantID, out, since, until string
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&out, "out", "evidence.zip", "Output archive path")
	cmd.StringVar(&since, "since", "", "Window start, RFC 3339")
	cmd.StringVar(&until, "until", "", "Window end, RFC 3339")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" {
		fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}

	req := audit.ExportRequest{TenantID: tenantID}
	var err error
	if since != "" {
		if req.StartTime, err = time.Parse(time.RFC3339, since); err != nil {
			fmt.Fprintf(stderr, "Error parsing --since: %v\n", err)
			return 2
		}
	}
	if until != "" {
		if req.EndTime, err = time.Parse(time.RFC3339, until); err != nil {
			fmt.Fprintf(stderr, "Error parsing --until: %v\n", err)
			return 2
		}
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	pack, checksum, err := audit.NewExporter(rt.entries).GeneratePack(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "export failed: %v\n", err)
		return 1
	}
	if err := os.WriteFile(out, pack, 0o600); err != nil {
		fmt.Fprintf(stderr, "write archive: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s (%d bytes, sha256 %s)\n", out, len(pack), checksum)
	return 0
}

// operatorFromSession validates a session token and bridges its MFA
// attestation into the local verifier, so the access controller sees the
// verification the token was issued against.
func (r *runtime) operatorFromSession(token string) (iac.Operator, error) {
	claims, err := r.sessions.ParseSession(token)
	if err != nil {
		return iac.Operator{}, fmt.Errorf("invalid session token: %w", err)
	}
	if claims.MFAVerifiedAt > 0 {
		r.mfa.RecordVerification(claims.Subject, time.Unix(claims.MFAVerifiedAt, 0))
	}
	return iac.Operator{ID: claims.Subject, Role: claims.Role}, nil
}

func runLogin(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("login", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var operator, role, code string
	cmd.StringVar(&operator, "operator", "", "Operator id (REQUIRED)")
	cmd.StringVar(&role, "role", "", "Operator role, e.g. execution_admin (REQUIRED)")
	cmd.StringVar(&code, "code", "", "MFA code to bind into the session")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if operator == "" || role == "" {
		fmt.Fprintln(stderr, "Error: --operator and --role are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	var mfaAt time.Time
	if code != "" {
		if err := rt.mfa.Verify(ctx, operator, code); err != nil {
			fmt.Fprintf(stderr, "mfa verification failed: %v\n", err)
			return 1
		}
		mfaAt = time.Now()
	}

	token, err := rt.sessions.IssueSession(operator, iac.Role(role), mfaAt)
	if err != nil {
		fmt.Fprintf(stderr, "login failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runMFA(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: wardend mfa <setup|verify> [flags]")
		return 2
	}
	sub, args := args[0], args[1:]

	cmd := flag.NewFlagSet("mfa "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var operator, code string
	cmd.StringVar(&operator, "operator", "", "Operator id (REQUIRED)")
	cmd.StringVar(&code, "code", "", "TOTP or backup code (verify only)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if operator == "" {
		fmt.Fprintln(stderr, "Error: --operator is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	switch sub {
	case "setup":
		// The secret and backup codes are printed exactly once.
		result, err := rt.mfa.Setup(ctx, operator)
		if err != nil {
			fmt.Fprintf(stderr, "mfa setup failed: %v\n", err)
			return 1
		}
		return printJSON(stdout, result)
	case "verify":
		if code == "" {
			fmt.Fprintln(stderr, "Error: --code is required")
			return 2
		}
		if err := rt.mfa.Verify(ctx, operator, code); err != nil {
			fmt.Fprintf(stderr, "mfa verification failed: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "mfa verified")
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown mfa subcommand: %s\n", sub)
		return 2
	}
}

func runApproval(args []string, stdout, stderr io.Writer, approve bool) int {
	name := "reject"
	if approve {
		name = "approve"
	}
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var request, session string
	cmd.StringVar(&request, "request", "", "Pending approval request id (REQUIRED)")
	cmd.StringVar(&session, "session", "", "Operator session token (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if request == "" || session == "" {
		fmt.Fprintln(stderr, "Error: --request and --session are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	operator, err := rt.operatorFromSession(session)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if approve {
		err = rt.access.ApproveRequest(ctx, request, operator)
	} else {
		err = rt.access.RejectRequest(ctx, request, operator)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", name, err)
		return 1
	}
	fmt.Fprintf(stdout, "request %s %sd\n", request, name)
	return 0
}

func runPromote(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("promote", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var connection, plan, session string
	cmd.StringVar(&connection, "connection", "", "Connection id (REQUIRED)")
	cmd.StringVar(&plan, "plan", "", "Plan id of the qualifying simulation (REQUIRED)")
	cmd.StringVar(&session, "session", "", "Operator session token (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if connection == "" || plan == "" || session == "" {
		fmt.Fprintln(stderr, "Error: --connection, --plan, and --session are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	operator, err := rt.operatorFromSession(session)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	decision := rt.access.CheckAccess(ctx, operator, iac.OpPromoteConnection, connection)
	if !decision.Allowed {
		_ = printJSON(stdout, decision)
		return 1
	}

	conn, err := rt.conns.Get(ctx, connection)
	if err != nil {
		fmt.Fprintf(stderr, "load connection: %v\n", err)
		return 1
	}
	latest := rt.results.Latest(ctx, plan)
	if err := rt.simulator.PromoteToLive(ctx, conn, latest); err != nil {
		fmt.Fprintf(stderr, "promote failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "connection %s promoted to live\n", connection)
	return 0
}

func runRotate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rotate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var connection, session string
	cmd.StringVar(&connection, "connection", "", "Connection id (REQUIRED)")
	cmd.StringVar(&session, "session", "", "Operator session token (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if connection == "" || session == "" {
		fmt.Fprintln(stderr, "Error: --connection and --session are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	operator, err := rt.operatorFromSession(session)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	decision := rt.access.CheckAccess(ctx, operator, iac.OpRotateExternalID, connection)
	if !decision.Allowed {
		_ = printJSON(stdout, decision)
		return 1
	}

	conn, err := rt.conns.Get(ctx, connection)
	if err != nil {
		fmt.Fprintf(stderr, "load connection: %v\n", err)
		return 1
	}
	gen, err := rt.guard.Rotate(ctx, conn)
	if err != nil {
		fmt.Fprintf(stderr, "rotate failed: %v\n", err)
		return 1
	}
	if err := rt.conns.UpdateExternalID(ctx, conn.ID, gen.Hash, gen.Encrypted); err != nil {
		fmt.Fprintf(stderr, "persist rotation: %v\n", err)
		return 1
	}

	// The fresh external id is printed exactly once and never stored in
	// plaintext. Losing it means rotating again.
	return printJSON(stdout, map[string]string{
		"connection_id": conn.ID,
		"external_id":   gen.ID,
	})
}

func runHealth(stdout, stderr io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return 1
	}
	fmt.Fprintln(w, string(data))
	return 0
}
