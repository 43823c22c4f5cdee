// Copyright 2025 Certen Protocol
//
// Settlement loop - drives periodic on-chain settlement of accumulated
// usage claims.
//
// The loop:
// - Runs a background timer checked every few seconds
// - Triggers a settlement pass once accumulated usage crosses a
//   watermark, or when manually triggered
// - Snapshots confirmed history, proves a claim batch, submits it to
//   the chain, then commits the journal and decrements the counter

package settlement

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certenIO/deopenchat-gateway/pkg/circuit"
	"github.com/certenIO/deopenchat-gateway/pkg/journal"
	"github.com/certenIO/deopenchat-gateway/pkg/metrics"
	"github.com/certenIO/deopenchat-gateway/pkg/wire"
)

// LoopState represents the current state of the settlement loop.
type LoopState string

const (
	LoopStateStopped LoopState = "stopped"
	LoopStateRunning LoopState = "running"
	LoopStatePaused  LoopState = "paused"
)

// ChainClient is the subset of pkg/chain.Client the settlement loop
// needs: submitting a proven claim batch and reading the contract's
// recorded circuit image id.
type ChainClient interface {
	GetImageID(ctx context.Context) (string, error)
	Claim(ctx context.Context, journal, seal []byte) error
}

// Prover generates settlement proofs. Satisfied by *circuit.Prover.
type Prover interface {
	ImageID() (string, error)
	Prove(claims []wire.Claim, rounds map[wire.PublicKey][]wire.Round) (journal, seal []byte, err error)
}

// TokenCounter is the gateway's running tally of tokens billed but not
// yet settled. The loop decrements it by exactly what a committed claim
// batch covers, per the accumulated-tokens bookkeeping decision.
type TokenCounter interface {
	Load() uint64
	Sub(n uint64)
}

// SettleCallback is invoked after a successful settlement pass with the
// batch that was just committed.
type SettleCallback func(ctx context.Context, claims []wire.Claim)

// Config holds settlement loop configuration.
type Config struct {
	// CheckInterval is how often the loop wakes to check the watermark.
	// Per the default configuration this is 3 seconds.
	CheckInterval time.Duration
	// Watermark is the accumulated-token threshold that triggers a
	// settlement pass.
	Watermark uint64
	// ReapInterval is how often stuck Requested clients are swept back
	// to Completed. Zero disables reaping.
	ReapInterval time.Duration
	ReapMaxAge   time.Duration

	Callback SettleCallback
	Logger   *log.Logger
}

// DefaultConfig returns the loop's default cadence.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 3 * time.Second,
		Watermark:     1_000_000,
		ReapInterval:  time.Minute,
		ReapMaxAge:    10 * time.Minute,
		Logger:        log.New(log.Writer(), "[Settlement] ", log.LstdFlags),
	}
}

// Loop drives periodic settlement of confirmed usage against the chain.
type Loop struct {
	mu sync.RWMutex

	store   *journal.Store
	prover  Prover
	chain   ChainClient
	counter TokenCounter

	checkInterval time.Duration
	watermark     uint64
	reapInterval  time.Duration
	reapMaxAge    time.Duration
	callback      SettleCallback
	logger        *log.Logger

	state  LoopState
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop creates a settlement loop. cfg may be nil to use DefaultConfig.
func NewLoop(store *journal.Store, prover Prover, chain ChainClient, counter TokenCounter, cfg *Config) (*Loop, error) {
	if store == nil || prover == nil || chain == nil || counter == nil {
		return nil, fmt.Errorf("settlement: store, prover, chain and counter are required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Settlement] ", log.LstdFlags)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 3 * time.Second
	}

	return &Loop{
		store:         store,
		prover:        prover,
		chain:         chain,
		counter:       counter,
		checkInterval: cfg.CheckInterval,
		watermark:     cfg.Watermark,
		reapInterval:  cfg.ReapInterval,
		reapMaxAge:    cfg.ReapMaxAge,
		callback:      cfg.Callback,
		logger:        cfg.Logger,
		state:         LoopStateStopped,
	}, nil
}

// CheckImageID fails fast if the locally compiled circuit does not match
// the image id the chain contract was deployed to verify. Settling a
// claim batch proven against a mismatched circuit would either be
// rejected on-chain or, worse, accepted against the wrong constraints,
// so the gateway must never start serving with a stale circuit.
func CheckImageID(ctx context.Context, prover Prover, chain ChainClient) error {
	local, err := prover.ImageID()
	if err != nil {
		return fmt.Errorf("settlement: local image id: %w", err)
	}
	remote, err := chain.GetImageID(ctx)
	if err != nil {
		return fmt.Errorf("settlement: chain image id: %w", err)
	}
	if local != remote {
		return fmt.Errorf("settlement: circuit image id mismatch: local=%s chain=%s", local, remote)
	}
	return nil
}

// Start begins the settlement loop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LoopStateRunning {
		return nil
	}

	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.state = LoopStateRunning

	go l.run(ctx)

	l.logger.Printf("settlement loop started (check=%s, watermark=%d)", l.checkInterval, l.watermark)
	return nil
}

// Stop stops the settlement loop and waits for the run loop to exit.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.state != LoopStateRunning && l.state != LoopStatePaused {
		l.mu.Unlock()
		return nil
	}
	close(l.stopCh)
	l.state = LoopStateStopped
	l.mu.Unlock()

	<-l.doneCh
	l.logger.Println("settlement loop stopped")
	return nil
}

// Pause temporarily suspends settlement checks without tearing down the
// background goroutine.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LoopStateRunning {
		l.state = LoopStatePaused
	}
}

// Resume resumes a paused loop.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LoopStatePaused {
		l.state = LoopStateRunning
	}
}

// State returns the loop's current state.
func (l *Loop) State() LoopState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.checkInterval)
	defer ticker.Stop()

	var lastReap time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.RLock()
			state := l.state
			l.mu.RUnlock()
			if state != LoopStateRunning {
				continue
			}

			if l.reapInterval > 0 && time.Since(lastReap) >= l.reapInterval {
				lastReap = time.Now()
				if swept, err := l.store.Reap(l.reapMaxAge); err != nil {
					l.logger.Printf("reap failed: %v", err)
				} else if len(swept) > 0 {
					l.logger.Printf("reaped %d stuck client(s)", len(swept))
				}
			}

			if l.counter.Load() < l.watermark {
				continue
			}

			tick := uuid.New().String()
			if err := l.settle(ctx, tick); err != nil {
				l.logger.Printf("tick %s: settlement failed: %v", tick, err)
			}
		}
	}
}

// TriggerNow runs a settlement pass immediately, bypassing the
// watermark check. Useful for graceful shutdown and tests.
func (l *Loop) TriggerNow(ctx context.Context) error {
	return l.settle(ctx, uuid.New().String())
}

func (l *Loop) settle(ctx context.Context, tick string) error {
	start := time.Now()
	committed, err := l.settleOnce(ctx, tick)
	if err != nil {
		metrics.SettlementFailures.Inc()
		return err
	}
	if committed > 0 {
		metrics.SettlementDuration.Observe(time.Since(start).Seconds())
		metrics.SettlementClaims.Add(float64(committed))
	}
	return nil
}

// settleOnce runs one settlement attempt and returns the number of
// claims it committed (zero if there was nothing to settle).
func (l *Loop) settleOnce(ctx context.Context, tick string) (int, error) {
	history, err := l.store.LoadAllHistory()
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}

	rounds := make(map[wire.PublicKey][]wire.Round, len(history))
	for pk, records := range history {
		for _, rec := range records {
			if rec.ConfirmReq == nil {
				continue
			}
			rounds[pk] = append(rounds[pk], wire.Round{
				Request: rec.Req.Request,
				Confirm: rec.ConfirmReq.Confirm,
			})
		}
	}
	if len(rounds) == 0 {
		return 0, nil
	}

	claims, err := circuit.BuildClaimsFromInput(wire.Input{Rounds: rounds})
	if err != nil {
		return 0, fmt.Errorf("build claims: %w", err)
	}
	if len(claims) == 0 {
		return 0, nil
	}
	if len(claims) > circuit.MaxClaimsPerBatch {
		claims = claims[:circuit.MaxClaimsPerBatch]
		l.logger.Printf("tick %s: truncating batch to %d claims, remainder settles next tick", tick, circuit.MaxClaimsPerBatch)
	}

	journalBytes, seal, err := l.prover.Prove(claims, rounds)
	if err != nil {
		return 0, fmt.Errorf("prove: %w", err)
	}

	if err := l.chain.Claim(ctx, journalBytes, seal); err != nil {
		return 0, fmt.Errorf("submit claim: %w", err)
	}

	if err := l.store.Commit(claims); err != nil {
		return 0, fmt.Errorf("commit journal: %w", err)
	}

	var settled uint64
	for _, c := range claims {
		settled += c.TokensConsumed
	}
	l.counter.Sub(settled)
	metrics.AccumulatedTokens.Set(float64(l.counter.Load()))

	l.logger.Printf("tick %s: settled %d claim(s), %d tokens", tick, len(claims), settled)
	if l.callback != nil {
		l.callback(ctx, claims)
	}
	return len(claims), nil
}
