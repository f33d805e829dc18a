package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liqflow/liqflow/internal/allowance"
	"github.com/liqflow/liqflow/internal/contractabi"
	"github.com/liqflow/liqflow/internal/eth"
	"github.com/liqflow/liqflow/internal/flow"
	"github.com/liqflow/liqflow/internal/flowstore"
	flowpg "github.com/liqflow/liqflow/internal/flowstore/postgres"
	"github.com/liqflow/liqflow/internal/idempotency"
	"github.com/liqflow/liqflow/internal/secrets"
	"github.com/liqflow/liqflow/internal/txtrack"
	"github.com/liqflow/liqflow/internal/wallet"
	"github.com/liqflow/liqflow/internal/walletlock"
	lockpg "github.com/liqflow/liqflow/internal/walletlock/postgres"
)

const walletLockTTL = 30 * time.Second

// chainFlags are shared by every command that talks to the chain.
type chainFlags struct {
	rpcURL        *string
	chainID       *uint64
	secretsDriver *string
	keySecret     *string
	postgresDSN   *string
	explorerTxURL *string

	minTipGwei *int64
	gasMult    *float64

	confirmations  *uint64
	confirmTimeout *time.Duration
	pollInterval   *time.Duration
	settleDelay    *time.Duration
	maxRechecks    *int
	verbose        *bool
}

func registerChainFlags(fs *flag.FlagSet) *chainFlags {
	return &chainFlags{
		rpcURL:        fs.String("rpc-url", os.Getenv("LIQFLOW_RPC_URL"), "Base/EVM JSON-RPC URL (default $LIQFLOW_RPC_URL)"),
		chainID:       fs.Uint64("chain-id", 8453, "EVM chain id"),
		secretsDriver: fs.String("secrets-driver", secrets.DriverEnv, "private key source: env|aws"),
		keySecret:     fs.String("key-secret", "LIQFLOW_PRIVATE_KEY", "env var or secret id holding the hex private key"),
		postgresDSN:   fs.String("postgres-dsn", os.Getenv("LIQFLOW_POSTGRES_DSN"), "Postgres DSN for flow records; empty keeps records for this run only"),
		explorerTxURL: fs.String("explorer-tx-url", "https://basescan.org/tx/", "block explorer transaction URL prefix"),

		minTipGwei: fs.Int64("min-tip-gwei", 0, "minimum priority fee (gwei)"),
		gasMult:    fs.Float64("gas-mult", 1.2, "gas limit multiplier when estimating"),

		confirmations:  fs.Uint64("confirmations", 1, "blocks, counting inclusion, before a transaction is confirmed"),
		confirmTimeout: fs.Duration("confirm-timeout", 10*time.Minute, "give up waiting for a receipt after this long"),
		pollInterval:   fs.Duration("poll-interval", 2*time.Second, "receipt poll interval"),
		settleDelay:    fs.Duration("settle-delay", 2*time.Second, "wait after an approval before re-reading the allowance"),
		maxRechecks:    fs.Int("max-allowance-rechecks", 5, "allowance re-reads after a confirmed approval"),
		verbose:        fs.Bool("v", false, "log at debug level"),
	}
}

func (c *chainFlags) validate() error {
	if strings.TrimSpace(*c.rpcURL) == "" {
		return errors.New("--rpc-url is required")
	}
	if *c.chainID == 0 {
		return errors.New("--chain-id must be > 0")
	}
	if *c.minTipGwei < 0 || *c.gasMult < 1 || *c.maxRechecks < 0 {
		return errors.New("--min-tip-gwei must be >= 0, --gas-mult >= 1 and --max-allowance-rechecks >= 0")
	}
	if *c.confirmTimeout <= 0 || *c.pollInterval <= 0 || *c.settleDelay < 0 {
		return errors.New("--confirm-timeout and --poll-interval must be > 0")
	}
	return nil
}

func (c *chainFlags) logger(stderr io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if *c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

func (c *chainFlags) connector(signer eth.Signer, log *slog.Logger) wallet.RPCConnector {
	return wallet.RPCConnector{
		URL:     strings.TrimSpace(*c.rpcURL),
		ChainID: new(big.Int).SetUint64(*c.chainID),
		Signer:  signer,
		Config: wallet.ProviderConfig{
			Submitter: eth.SubmitterConfig{
				GasLimitMultiplier: *c.gasMult,
				MinTipCap:          new(big.Int).Mul(big.NewInt(*c.minTipGwei), big.NewInt(1_000_000_000)),
			},
			Tracker: txtrack.Config{
				Confirmations: *c.confirmations,
				Timeout:       *c.confirmTimeout,
				PollInterval:  *c.pollInterval,
			},
			Logger: log,
		},
	}
}

// openStore returns the flow record store and the wallet lock table. Both share one Postgres
// pool when a DSN is set.
func (c *chainFlags) openStore(ctx context.Context) (flowstore.Store, walletlock.Store, func(), error) {
	dsn := strings.TrimSpace(*c.postgresDSN)
	if dsn == "" {
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

func (c *chainFlags) loadKey(ctx context.Context) (*eth.LocalSigner, error) {
	p, err := secrets.New(ctx, *c.secretsDriver)
	if err != nil {
		return nil, err
	}
	return secrets.LoadSignerKey(ctx, p, *c.keySecret)
}

// allocationFlag collects repeated --alloc chain=bps values.
type allocationFlag []flow.Allocation

func (f *allocationFlag) String() string {
	if f == nil {
		return ""
	}
	parts := make([]string, 0, len(*f))
	for _, a := range *f {
		parts = append(parts, fmt.Sprintf("%s=%d", a.Chain, a.BPS))
	}
	return strings.Join(parts, ",")
}

func (f *allocationFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		chain, bps, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("allocation %q must be chain=bps", part)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(bps), 10, 32)
		if err != nil {
			return fmt.Errorf("allocation %q: %w", part, err)
		}
		*f = append(*f, flow.Allocation{Chain: strings.TrimSpace(chain), BPS: uint32(n)})
	}
	return nil
}

func parseAddressFlag(name, v string) (common.Address, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s must be a valid hex address", name)
	}
	return common.HexToAddress(v), nil
}

func runDeposit(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("deposit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := registerChainFlags(fs)

	amount := fs.String("amount", "", "amount in token units, e.g. 100.5 (required)")
	tokenHex := fs.String("token", "", "ERC-20 token address (required)")
	symbol := fs.String("symbol", "", "token symbol for display")
	decimals := fs.Uint("decimals", 18, "token decimals")
	managerHex := fs.String("manager", "", "position manager address (required)")
	var allocs allocationFlag
	fs.Var(&allocs, "alloc", "target split as chain=bps (repeatable or comma-separated; must total 10000)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*amount) == "" {
		return errors.New("--amount is required")
	}
	if *decimals > 77 {
		return errors.New("--decimals must be <= 77")
	}
	token, err := parseAddressFlag("token", *tokenHex)
	if err != nil {
		return err
	}
	manager, err := parseAddressFlag("manager", *managerHex)
	if err != nil {
		return err
	}

	in := flow.Intent{
		Action:      flow.ActionDeposit,
		Amount:      strings.TrimSpace(*amount),
		Token:       flow.Token{Address: token, Symbol: strings.TrimSpace(*symbol), Decimals: uint8(*decimals)},
		Spender:     manager,
		Allocations: allocs,
	}
	if _, err := in.Validate(); err != nil {
		return err
	}
	if err := cf.validate(); err != nil {
		return err
	}
	return runFlow(ctx, cf, in, stdin, stdout, stderr)
}

func runRebalance(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rebalance", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := registerChainFlags(fs)

	managerHex := fs.String("manager", "", "position manager address (required)")
	tokenID := fs.String("token-id", "", "position token id (required)")
	kind := fs.String("type", contractabi.RebalanceStandard.String(), "rebalance type")
	deadlineIn := fs.Duration("deadline-in", 20*time.Minute, "deadline relative to now")

	if err := fs.Parse(args); err != nil {
		return err
	}
	manager, err := parseAddressFlag("manager", *managerHex)
	if err != nil {
		return err
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(*tokenID), 10)
	if !ok || id.Sign() < 0 {
		return errors.New("--token-id must be a non-negative integer")
	}
	rt, err := contractabi.ParseRebalanceType(*kind)
	if err != nil {
		return err
	}
	if *deadlineIn <= 0 {
		return errors.New("--deadline-in must be > 0")
	}

	in := flow.Intent{
		Action:        flow.ActionRebalance,
		Spender:       manager,
		RebalanceType: rt,
		TokenID:       id,
		Deadline:      time.Now().Add(*deadlineIn).UTC(),
	}
	if _, err := in.Validate(); err != nil {
		return err
	}
	if err := cf.validate(); err != nil {
		return err
	}
	return runFlow(ctx, cf, in, stdin, stdout, stderr)
}

// runFlow connects a prompting wallet, drives one flow to a terminal state and reports it.
func runFlow(ctx context.Context, cf *chainFlags, in flow.Intent, stdin io.Reader, stdout, stderr io.Writer) error {
	log := cf.logger(stderr)

	key, err := cf.loadKey(ctx)
	if err != nil {
		return fmt.Errorf("load wallet key: %w", err)
	}
	signer, err := eth.NewPromptSigner(key, eth.NewLinePrompter(stdin, stderr))
	if err != nil {
		return err
	}

	store, locks, closeStore, err := cf.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	session := wallet.NewSession(log)
	defer session.Disconnect()
	connectCtx, cancelConnect := context.WithTimeout(ctx, 15*time.Second)
	p, err := session.Connect(connectCtx, cf.connector(signer, log))
	cancelConnect()
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "connected %s on chain %s\n", p.Address().Hex(), p.ChainID())

	held, err := walletlock.Hold(ctx, locks, p.Address(), "liqflow-cli-"+uuid.NewString(), walletLockTTL, log)
	if err != nil {
		var busy *walletlock.HeldError
		if errors.As(err, &busy) {
			return fmt.Errorf("another liqflow process is driving flows for %s (lock held until %s)", p.Address().Hex(), busy.Lock.ExpiresAt.Local().Format(time.Kitchen))
		}
		return fmt.Errorf("lock wallet: %w", err)
	}
	finished := make(chan struct{})
	defer func() {
		close(finished)
		_ = held.Release(context.Background())
	}()
	go func() {
		select {
		case <-held.Lost():
			log.Error("wallet lock lost; another process may now submit for this wallet", "wallet", p.Address())
		case <-finished:
		}
	}()

	if in.Action == flow.ActionDeposit {
		if err := refuseDuplicate(ctx, store, p.Address(), in); err != nil {
			return err
		}
	}

	recorder, err := flow.NewRecorder(store, log)
	if err != nil {
		return err
	}
	checker, err := allowance.NewChecker(nil)
	if err != nil {
		return err
	}
	progress := flow.ObserverFunc(func(_ context.Context, tr flow.Transition) {
		printProgress(stderr, tr)
	})
	orch, err := flow.New(flow.Config{
		Wallet:               session,
		Checker:              checker,
		SettleDelay:          *cf.settleDelay,
		MaxAllowanceRechecks: *cf.maxRechecks,
		ExplorerTxURL:        *cf.explorerTxURL,
		Observers:            []flow.Observer{recorder, progress},
		Logger:               log,
	})
	if err != nil {
		return err
	}

	// The flow must outlive the interrupt that cancels it, so it runs on a fresh context.
	orch.Submit(context.WithoutCancel(ctx), in)
	snap, err := waitInterruptible(ctx, orch, stderr)
	if err != nil {
		return err
	}
	return report(stdout, snap)
}

// waitInterruptible waits for the flow. The first interrupt cancels it if nothing was broadcast;
// after a broadcast the command keeps waiting until a second interrupt.
func waitInterruptible(ctx context.Context, orch *flow.Orchestrator, stderr io.Writer) (flow.Snapshot, error) {
	done := make(chan flow.Snapshot, 1)
	go func() {
		snap, _ := orch.Wait(context.Background())
		done <- snap
	}()

	select {
	case snap := <-done:
		return snap, nil
	case <-ctx.Done():
	}

	switch err := orch.Cancel(); {
	case err == nil:
		return <-done, nil
	case errors.Is(err, flow.ErrAlreadySubmitted):
		fmt.Fprintln(stderr, "transaction already broadcast; waiting for confirmation (interrupt again to stop watching)")
	case errors.Is(err, flow.ErrNoActiveFlow):
		return <-done, nil
	default:
		return flow.Snapshot{}, err
	}

	again := make(chan os.Signal, 1)
	signal.Notify(again, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(again)
	select {
	case snap := <-done:
		return snap, nil
	case <-again:
		snap := orch.Snapshot()
		return snap, fmt.Errorf("stopped watching %s; run `liqflow recover` to resolve it", snap.PrimaryTxHash.Hex())
	}
}

func refuseDuplicate(ctx context.Context, store flowstore.Store, owner common.Address, in flow.Intent) error {
	amount, err := in.Validate()
	if err != nil {
		return err
	}
	digest, err := idempotency.IntentDigestV1(owner, in.Token.Address, in.Spender, string(in.Action), amount)
	if err != nil {
		return err
	}
	rec, err := store.LatestByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, flowstore.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Unresolved() {
		return fmt.Errorf("an identical deposit (flow %s, tx %s) has not resolved yet; run `liqflow recover` first", rec.ID, rec.PrimaryTxHash.Hex())
	}
	return nil
}

func printProgress(w io.Writer, tr flow.Transition) {
	s := tr.Snapshot
	switch {
	case tr.Changed():
		fmt.Fprintf(w, "%s -> %s\n", tr.From, tr.To)
	case s.State == flow.StateConfirmingPrimary && s.Confirmations > 0:
		fmt.Fprintf(w, "  %d confirmation(s)\n", s.Confirmations)
	}
}

func report(w io.Writer, snap flow.Snapshot) error {
	if snap.State == flow.StateDone {
		fmt.Fprintf(w, "done: %s\n", snap.Intent.Label())
		if snap.ApprovalTxHash != (common.Hash{}) {
			fmt.Fprintf(w, "approval tx: %s\n", snap.ApprovalTxHash.Hex())
		}
		fmt.Fprintf(w, "tx: %s\n", snap.PrimaryTxHash.Hex())
		return nil
	}
	if snap.Err == nil {
		return fmt.Errorf("flow ended in state %s", snap.State)
	}
	if snap.Err.Explorer != "" {
		fmt.Fprintf(w, "explorer: %s\n", snap.Err.Explorer)
	}
	return snap.Err
}

func runRecover(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := registerChainFlags(fs)
	receiptBucket := fs.String("receipt-bucket", "", "S3 bucket whose receipts are rewritten for resolved flows; empty skips archiving")
	receiptPrefix := fs.String("receipt-prefix", "", "receipt key prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cf.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(*cf.postgresDSN) == "" {
		return errors.New("--postgres-dsn is required: unresolved flows live in the flow record store")
	}
	log := cf.logger(stderr)

	// Recovery only reads the chain; nothing is signed, so no prompt is needed.
	key, err := cf.loadKey(ctx)
	if err != nil {
		return fmt.Errorf("load wallet key: %w", err)
	}
	store, _, closeStore, err := cf.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := cf.connector(key, log).Connect(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	observers := []flow.Observer{flow.ObserverFunc(func(_ context.Context, tr flow.Transition) {
		fmt.Fprintf(stdout, "%s: %s (tx %s)\n", tr.Snapshot.ID, tr.To, tr.Snapshot.PrimaryTxHash.Hex())
	})}
	if strings.TrimSpace(*receiptBucket) != "" {
		archiver, err := newS3Archiver(ctx, *receiptBucket, *receiptPrefix, log)
		if err != nil {
			return err
		}
		observers = append(observers, archiver)
	}

	n, err := flow.Recover(ctx, store, p, log, observers...)
	fmt.Fprintf(stdout, "resolved %d flow(s)\n", n)
	return err
}
