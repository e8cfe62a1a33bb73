package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/lend/pkg/api"
	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/lend/pkg/metrics"
	"github.com/luxfi/lend/pkg/node"
	"github.com/luxfi/lend/pkg/store"
	"github.com/luxfi/lend/pkg/websocket"
)

const (
	defaultDataDir     = ".lend"
	defaultPort        = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090

	subjectEvents   = "lend.events"
	subjectAnnounce = "lend.announce"
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSURL     string

	// Ledger
	BlockTime       time.Duration
	CollateralRatio uint64
	TransferMode    string

	// Features
	EnableMetrics bool
	DevSeed       bool
}

// LendNode wires the ledger engine to its runtime shell: durable
// storage, the serialized apply path, and the operation/feed surfaces.
type LendNode struct {
	config  *Config
	db      database.Database
	custody *lend.VaultCustody
	node    *node.Node
	backend *ledgerBackend
	ws      *websocket.Server
	metrics *metrics.Metrics
	nc      *nats.Conn
	logger  log.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLendNode(config *Config) (*LendNode, error) {
	// Initialize logger using luxfi/log
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing lending node")

	mode, err := lend.ParseTransferMode(config.TransferMode)
	if err != nil {
		return nil, err
	}
	policy, err := lend.NewCollateralPolicy(config.CollateralRatio)
	if err != nil {
		return nil, err
	}

	// Ensure data directory exists
	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Initialize database using luxfi/database manager
	// BadgerDB is the default/preferred database in Lux ecosystem
	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "lend"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		// Fallback to memory database
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	ledgerStore, err := store.Open(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}

	custody := lend.NewVaultCustody()
	engine := lend.NewLendingEngine(lend.EngineConfig{
		Policy:      policy,
		Mode:        mode,
		Custody:     custody,
		EventBuffer: 10000,
	})

	n, err := node.New(node.Config{
		Engine:    engine,
		Store:     ledgerStore,
		BlockTime: config.BlockTime,
		Logger:    logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	var m *metrics.Metrics
	if config.EnableMetrics {
		m, err = metrics.New("lend")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	ln := &LendNode{
		config:  config,
		db:      db,
		custody: custody,
		node:    n,
		backend: &ledgerBackend{node: n, custody: custody, metrics: m},
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	ln.ws = websocket.NewServer(ln.backend, logger, websocket.DefaultConfig())
	return ln, nil
}

func (n *LendNode) Start() error {
	n.logger.Info("Starting lending node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort,
		"blockTime", n.config.BlockTime,
		"collateralRatio", n.config.CollateralRatio,
		"transferMode", n.config.TransferMode)

	if n.config.DevSeed {
		if err := n.seedDevAccount(); err != nil {
			return err
		}
	}

	// Start checkpoint loop
	n.node.Start()

	// Connect to NATS when configured
	if n.config.NATSURL != "" {
		nc, err := nats.Connect(n.config.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(1*time.Second))
		if err != nil {
			n.logger.Warn("NATS unavailable, event publication disabled", "error", err)
		} else {
			n.nc = nc
			n.logger.Info("Connected to NATS", "url", n.config.NATSURL)
			n.wg.Add(1)
			go n.runAnnouncer()
		}
	}

	// Fan committed events out to the feeds
	n.wg.Add(1)
	go n.publishEvents()

	// Start JSON-RPC server
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := api.StartJSONRPCServer(n.ctx, n.config.HTTPPort, n.backend, n.logger); err != nil {
			n.logger.Error("JSON-RPC server error", "error", err)
		}
	}()

	// Start WebSocket server
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.ws.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()

	// Start metrics server and system collector
	if n.metrics != nil {
		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			if err := n.metrics.StartServer(n.ctx, n.config.MetricsPort); err != nil {
				n.logger.Error("Metrics server error", "error", err)
			}
		}()
		go func() {
			defer n.wg.Done()
			n.metrics.CollectSystemMetrics(n.ctx)
		}()
	}

	// Start stats printer
	n.wg.Add(1)
	go n.printStats()

	n.logger.Info("Lending node started successfully")
	return nil
}

// seedDevAccount derives a funded identity for local development so
// the full deposit/borrow cycle works out of the box.
func (n *LendNode) seedDevAccount() error {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate dev key: %w", err)
	}
	id := lend.DeriveIdentity(pub)
	amount := new(uint256.Int).Mul(uint256.NewInt(1_000_000), uint256.NewInt(1e9))
	n.custody.Fund(id, amount)
	n.logger.Info("Seeded dev account",
		"identity", lend.FormatIdentity(id),
		"balance", amount.Dec())
	return nil
}

// publishEvents is the single consumer of the committed-event feed; it
// fans each event out to WebSocket, NATS, and metrics.
func (n *LendNode) publishEvents() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.node.Notify():
			n.ws.BroadcastEvent(ev)
			if n.nc != nil {
				n.publishNATS(ev)
			}
		}
	}
}

// eventMessage is the NATS wire form of a committed event.
type eventMessage struct {
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

func (n *LendNode) publishNATS(ev lend.Event) {
	account := lend.FormatIdentity(ev.Account)
	data, err := json.Marshal(eventMessage{
		Sequence:  ev.Sequence,
		Kind:      ev.Kind.String(),
		Account:   account,
		Amount:    ev.Amount.Dec(),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	for _, subject := range []string{subjectEvents, subjectEvents + "." + account} {
		if err := n.nc.Publish(subject, data); err != nil {
			n.logger.Warn("Failed to publish event", "subject", subject, "error", err)
			continue
		}
		if n.metrics != nil {
			n.metrics.RecordNATSPublished()
		}
	}
}

// runAnnouncer heartbeats node status on the announce subject so
// watchers can discover the node.
func (n *LendNode) runAnnouncer() {
	defer n.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			info := n.node.Info()
			data, err := json.Marshal(map[string]interface{}{
				"type":     "lend-node",
				"status":   "running",
				"height":   info.Height,
				"sequence": info.LastSequence,
				"accounts": info.Accounts,
			})
			if err != nil {
				continue
			}
			if err := n.nc.Publish(subjectAnnounce, data); err != nil {
				n.logger.Warn("Failed to announce", "error", err)
			}
		}
	}
}

func (n *LendNode) printStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			info := n.node.Info()
			n.logger.Info("Lending node status",
				"uptime", fmt.Sprintf("%.0fs", time.Since(startTime).Seconds()),
				"height", info.Height,
				"sequence", info.LastSequence,
				"accounts", info.Accounts,
				"totalCollateral", info.TotalCollateral,
				"totalDebt", info.TotalDebt)

			if n.metrics != nil {
				collateral, _ := strconv.ParseFloat(info.TotalCollateral, 64)
				debt, _ := strconv.ParseFloat(info.TotalDebt, 64)
				n.metrics.UpdateLedger(info.Accounts, collateral, debt)
				n.metrics.UpdateCheckpointHeight(float64(info.Height))
				n.metrics.UpdateWSClients(n.ws.ClientCount())
			}
		}
	}
}

func (n *LendNode) Shutdown() {
	n.logger.Info("Shutting down lending node...")

	n.cancel()
	n.ws.Stop()
	n.wg.Wait()
	n.node.Stop()

	if n.nc != nil {
		n.nc.Drain()
		n.nc.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Lending node shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "JSON-RPC port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats", "", "NATS server URL (empty disables publication)")

	blockTime := flag.Duration("block-time", time.Second, "Checkpoint interval")
	flag.Uint64Var(&config.CollateralRatio, "ratio", lend.DefaultCollateralRatio, "Collateralization ratio in percent")
	flag.StringVar(&config.TransferMode, "transfer", "push", "Outbound transfer discipline (push, pull)")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.DevSeed, "dev", false, "Seed a funded development identity")

	flag.Parse()

	config.BlockTime = *blockTime
	config.LogLevel = *logLevel

	rootLogger := log.Root()
	rootLogger.Info("Starting lendd",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir),
		"blockTime", config.BlockTime)

	node, err := NewLendNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}

// ledgerBackend is the node surface served to the transports. It adds
// the inbound custody leg: deposits and repayments lock the caller's
// external value in the vault before the ledger records them, and
// release it again if the transition is rejected. Its mutex extends
// the node's serialization to cover the custody layer, which is not
// safe for concurrent use.
type ledgerBackend struct {
	mu      sync.Mutex
	node    *node.Node
	custody *lend.VaultCustody
	metrics *metrics.Metrics
}

func (b *ledgerBackend) observe(start time.Time, err error) {
	if b.metrics == nil {
		return
	}
	if err != nil {
		b.metrics.RecordRejected()
		return
	}
	b.metrics.ObserveApplyLatency(float64(time.Since(start).Nanoseconds()))
}

func (b *ledgerBackend) record(res node.Result, err error) {
	if err == nil && b.metrics != nil {
		b.metrics.RecordTransition(res.Event.Kind.String())
	}
}

// inbound runs an op that consumes value from the caller: the amount
// is locked into the vault first and released if the op fails.
func (b *ledgerBackend) inbound(id ids.ShortID, amount *uint256.Int, op func(ids.ShortID, *uint256.Int) (node.Result, error)) (node.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := time.Now()

	if amount == nil || amount.IsZero() {
		// Let the engine report ErrZeroAmount without touching custody.
		res, err := op(id, amount)
		b.observe(start, err)
		return res, err
	}
	if err := b.custody.Lock(id, amount); err != nil {
		err = fmt.Errorf("%w: %v", lend.ErrTransferFailed, err)
		b.observe(start, err)
		return node.Result{}, err
	}

	res, err := op(id, amount)
	if err != nil {
		b.custody.Send(id, amount)
	}
	b.observe(start, err)
	b.record(res, err)
	return res, err
}

func (b *ledgerBackend) outbound(id ids.ShortID, amount *uint256.Int, op func(ids.ShortID, *uint256.Int) (node.Result, error)) (node.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := time.Now()
	res, err := op(id, amount)
	b.observe(start, err)
	b.record(res, err)
	return res, err
}

func (b *ledgerBackend) Deposit(id ids.ShortID, amount *uint256.Int) (node.Result, error) {
	return b.inbound(id, amount, b.node.Deposit)
}

func (b *ledgerBackend) Borrow(id ids.ShortID, amount *uint256.Int) (node.Result, error) {
	return b.outbound(id, amount, b.node.Borrow)
}

func (b *ledgerBackend) Repay(id ids.ShortID, amount *uint256.Int) (node.Result, error) {
	return b.inbound(id, amount, b.node.Repay)
}

func (b *ledgerBackend) Withdraw(id ids.ShortID, amount *uint256.Int) (node.Result, error) {
	return b.outbound(id, amount, b.node.Withdraw)
}

func (b *ledgerBackend) Claim(id ids.ShortID) (node.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := time.Now()
	res, err := b.node.Claim(id)
	b.observe(start, err)
	b.record(res, err)
	return res, err
}

func (b *ledgerBackend) AvailableToBorrow(id ids.ShortID) (*uint256.Int, error) {
	return b.node.AvailableToBorrow(id)
}

func (b *ledgerBackend) Stats(id ids.ShortID) lend.AccountStats {
	return b.node.Stats(id)
}

func (b *ledgerBackend) Account(id ids.ShortID) lend.AccountSnapshot {
	return b.node.Account(id)
}

func (b *ledgerBackend) Events(since uint64, limit int) []lend.Event {
	return b.node.Events(since, limit)
}

func (b *ledgerBackend) Info() node.Info {
	return b.node.Info()
}
