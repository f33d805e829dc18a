package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/liqflow/liqflow/internal/allowance"
	"github.com/liqflow/liqflow/internal/eth"
	"github.com/liqflow/liqflow/internal/events"
	"github.com/liqflow/liqflow/internal/flow"
	"github.com/liqflow/liqflow/internal/flowapi"
	"github.com/liqflow/liqflow/internal/flowstore"
	flowpg "github.com/liqflow/liqflow/internal/flowstore/postgres"
	"github.com/liqflow/liqflow/internal/metrics"
	"github.com/liqflow/liqflow/internal/receipts"
	"github.com/liqflow/liqflow/internal/secrets"
	"github.com/liqflow/liqflow/internal/txtrack"
	"github.com/liqflow/liqflow/internal/wallet"
	"github.com/liqflow/liqflow/internal/walletlock"
	lockpg "github.com/liqflow/liqflow/internal/walletlock/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	_ = godotenv.Load()

	var (
		rpcURL      = flag.String("rpc-url", "", "Base/EVM JSON-RPC URL (required)")
		chainIDFlag = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		listenAddr  = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		secretsDriver = flag.String("secrets-driver", secrets.DriverEnv, "secret source for keys and tokens: env|aws")
		keyName       = flag.String("key-secret", "LIQFLOW_PRIVATE_KEY", "env var or secret id holding the wallet's hex private key")
		tokenEnv      = flag.String("auth-env", "LIQFLOW_API_AUTH_TOKEN", "env var containing bearer auth token (required)")
		autoConnect   = flag.Bool("connect", true, "connect the wallet at startup instead of waiting for POST /v1/wallet/connect")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for flow records; empty keeps records in memory")

		receiptDriver = flag.String("receipt-driver", receipts.DriverMemory, "receipt archive driver: s3|memory")
		receiptBucket = flag.String("receipt-bucket", "", "S3 bucket for receipts (required for s3)")
		receiptPrefix = flag.String("receipt-prefix", "", "key prefix for receipts")

		eventsDriver  = flag.String("events-driver", "", "transition event driver: kafka|stdio; empty disables")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers (comma-separated)")
		eventsTopic   = flag.String("events-topic", events.DefaultTopic, "topic for flow transition events")

		explorerTxURL = flag.String("explorer-tx-url", "https://basescan.org/tx/", "block explorer transaction URL prefix")
		minTipGwei    = flag.Int64("min-tip-gwei", 0, "minimum priority fee (gwei)")
		gasMult       = flag.Float64("gas-mult", 1.2, "gas limit multiplier when estimating")

		confirmations  = flag.Uint64("confirmations", 1, "blocks, counting inclusion, before a transaction is confirmed")
		confirmTimeout = flag.Duration("confirm-timeout", 10*time.Minute, "give up waiting for a receipt after this long")
		pollInterval   = flag.Duration("poll-interval", 2*time.Second, "receipt poll interval")
		settleDelay    = flag.Duration("settle-delay", 2*time.Second, "wait after an approval before re-reading the allowance")
		maxRechecks    = flag.Int("max-allowance-rechecks", 5, "allowance re-reads after a confirmed approval")
		lockTTL        = flag.Duration("wallet-lock-ttl", 30*time.Second, "wallet lock lease; renewed every third of it")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 2*time.Minute, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rpcURL == "" || *chainIDFlag == 0 {
		fmt.Fprintln(os.Stderr, "error: --rpc-url and --chain-id are required")
		os.Exit(2)
	}
	if *minTipGwei < 0 || *gasMult < 1 || *maxRechecks < 0 {
		fmt.Fprintln(os.Stderr, "error: --min-tip-gwei must be >= 0, --gas-mult >= 1 and --max-allowance-rechecks >= 0")
		os.Exit(2)
	}
	if *confirmTimeout <= 0 || *pollInterval <= 0 || *lockTTL <= 0 || *readHeaderTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts and intervals must be > 0")
		os.Exit(2)
	}
	if strings.EqualFold(strings.TrimSpace(*receiptDriver), receipts.DriverS3) && strings.TrimSpace(*receiptBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --receipt-bucket is required for --receipt-driver=s3")
		os.Exit(2)
	}

	authToken := os.Getenv(*tokenEnv)
	if authToken == "" {
		fmt.Fprintf(os.Stderr, "error: missing auth token in env %s\n", *tokenEnv)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets", "err", err)
		os.Exit(2)
	}
	signer, err := secrets.LoadSignerKey(ctx, secretProvider, *keyName)
	if err != nil {
		log.Error("load wallet key", "err", err)
		os.Exit(2)
	}

	store, locks, closeStore, err := newFlowStore(ctx, *postgresDSN)
	if err != nil {
		log.Error("init flow store", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Error("init metrics", "err", err)
		os.Exit(2)
	}

	recorder, err := flow.NewRecorder(store, log)
	if err != nil {
		log.Error("init recorder", "err", err)
		os.Exit(2)
	}
	observers := []flow.Observer{recorder, m}

	receiptStore, err := newReceiptStore(ctx, *receiptDriver, *receiptBucket, *receiptPrefix)
	if err != nil {
		log.Error("init receipt store", "err", err)
		os.Exit(2)
	}
	archiver, err := receipts.NewArchiver(receiptStore, log)
	if err != nil {
		log.Error("init receipt archiver", "err", err)
		os.Exit(2)
	}
	observers = append(observers, archiver)

	var publisher *events.Publisher
	if strings.TrimSpace(*eventsDriver) != "" {
		producer, err := events.NewProducer(events.ProducerConfig{
			Driver:  *eventsDriver,
			Brokers: events.SplitCommaList(*eventsBrokers),
		})
		if err != nil {
			log.Error("init events producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
		publisher, err = events.NewPublisher(producer, *eventsTopic, log)
		if err != nil {
			log.Error("init events publisher", "err", err)
			os.Exit(2)
		}
		observers = append(observers, publisher)
	}

	session := wallet.NewSession(log)

	chainID := new(big.Int).SetUint64(*chainIDFlag)
	rpc := wallet.RPCConnector{
		URL:     *rpcURL,
		ChainID: chainID,
		Signer:  signer,
		Config: wallet.ProviderConfig{
			Submitter: eth.SubmitterConfig{
				GasLimitMultiplier: *gasMult,
				MinTipCap:          new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000)),
			},
			Tracker: txtrack.Config{
				Confirmations: *confirmations,
				Timeout:       *confirmTimeout,
				PollInterval:  *pollInterval,
			},
			Logger: log,
		},
	}
	// Every new connection resolves flows a previous process left unconfirmed. Recovered
	// outcomes replace stale receipts and are published like live transitions.
	recoverObservers := []flow.Observer{archiver}
	if publisher != nil {
		recoverObservers = append(recoverObservers, publisher)
	}
	connector := wallet.ConnectorFunc(func(ctx context.Context) (*wallet.Provider, error) {
		p, err := rpc.Connect(ctx)
		if err != nil {
			return nil, err
		}
		go func() {
			n, err := flow.Recover(context.Background(), store, p, log, recoverObservers...)
			if err != nil {
				log.Warn("recover unresolved flows", "err", err, "resolved", n)
				return
			}
			if n > 0 {
				log.Info("recovered unresolved flows", "resolved", n, "owner", p.Address())
			}
		}()
		return p, nil
	})

	// The wallet lock is held while connected and released by POST /v1/wallet/disconnect.
	locked, err := walletlock.NewSession(session, connector, locks, "liqflow-api-"+uuid.NewString(), *lockTTL, log)
	if err != nil {
		log.Error("init wallet lock", "err", err)
		os.Exit(2)
	}
	defer locked.Disconnect()

	if *autoConnect {
		connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
		p, err := locked.Connect(connectCtx)
		cancelConnect()
		if err != nil {
			log.Error("connect wallet", "err", err)
			os.Exit(1)
		}
		log.Info("wallet connected", "address", p.Address(), "chainId", p.ChainID())
	}

	checker, err := allowance.NewChecker(nil)
	if err != nil {
		log.Error("init allowance checker", "err", err)
		os.Exit(2)
	}
	orch, err := flow.New(flow.Config{
		Wallet:               session,
		Checker:              checker,
		SettleDelay:          *settleDelay,
		MaxAllowanceRechecks: *maxRechecks,
		ExplorerTxURL:        *explorerTxURL,
		Observers:            observers,
		Logger:               log,
	})
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	handler, err := flowapi.NewHandler(orch, locked, flowapi.Config{
		AuthToken: authToken,
		Records:   store,
		Gatherer:  reg,
		Logger:    log,
	})
	if err != nil {
		log.Error("init handler", "err", err)
		os.Exit(2)
	}

	// No WriteTimeout: /v1/flows/current/ws holds its connection for the life of a flow.
	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// A flow still confirming keeps its record unresolved; the next start recovers it.
	if snap := orch.Snapshot(); !snap.State.Terminal() && snap.State != flow.StateIdle {
		log.Warn("exiting with an active flow", "flowId", snap.ID, "state", snap.State, "txHash", snap.PrimaryTxHash)
	}
}

func newFlowStore(ctx context.Context, dsn string) (flowstore.Store, walletlock.Store, func(), error) {
	if strings.TrimSpace(dsn) == "" {
		return flowstore.NewMemoryStore(), walletlock.NewMemoryStore(nil), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init pgx pool: %w", err)
	}
	st, err := flowpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	locks, err := lockpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := locks.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return st, locks, pool.Close, nil
}

func newReceiptStore(ctx context.Context, driver, bucket, prefix string) (receipts.Store, error) {
	cfg := receipts.StoreConfig{
		Driver: driver,
		Bucket: bucket,
		Prefix: prefix,
	}
	if strings.EqualFold(strings.TrimSpace(driver), receipts.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return receipts.NewStore(cfg)
}
