package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vultisig/autotransfer/config"
	"github.com/vultisig/autotransfer/contexthelper"
	"github.com/vultisig/autotransfer/internal/executor"
	"github.com/vultisig/autotransfer/internal/metrics"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/trigger"
	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/pkg/circuitbreaker"
	"github.com/vultisig/autotransfer/storage"
)

const staleClaimReason = "interrupted"

type Builder interface {
	Build(ctx context.Context, asset, amount, recipient string, chainID int64) (payload.Payload, error)
	BuildSwap(ctx context.Context, chainID int64, account common.Address, source, dest, amount string, now time.Time) ([]payload.Payload, error)
}

type Executor interface {
	Execute(ctx context.Context, in executor.Intent) executor.Outcome
}

type ChainSet interface {
	ChainIDs() []int64
	StrategyFor(chainID int64) (types.ExecutionMethod, error)
}

type Archiver interface {
	ArchiveAttempt(ctx context.Context, attempt types.ExecutionAttempt) error
}

// Dependencies are the collaborators of the scheduler. Archiver and Statsd
// are optional.
type Dependencies struct {
	Store     storage.DatabaseStorage
	Chains    ChainSet
	Builder   Builder
	Executor  Executor
	Evaluator *trigger.Evaluator
	Feed      trigger.PriceFeed
	Archiver  Archiver
	Statsd    statsd.ClientInterface
}

type SchedulerService struct {
	store     storage.DatabaseStorage
	chains    ChainSet
	builder   Builder
	exec      Executor
	evaluator *trigger.Evaluator
	feed      trigger.PriceFeed
	archiver  Archiver
	sdClient  statsd.ClientInterface
	cfg       config.SchedulerConfig
	logger    *logrus.Logger
	now       func() time.Time

	breakerCfg struct {
		enabled      bool
		threshold    int
		window       time.Duration
		resetTimeout time.Duration
	}
	breakersMu sync.Mutex
	breakers   map[int64]*circuitbreaker.CircuitBreaker

	// chainLocks serialize execution per chain across both sweep kinds.
	chainLocksMu sync.Mutex
	chainLocks   map[int64]*sync.Mutex

	transfersRunning atomic.Bool
	pricesRunning    atomic.Bool

	reportsMu   sync.RWMutex
	lastReports map[SweepKind]SweepReport

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewSchedulerService(deps Dependencies, cfg *config.Config, logger *logrus.Logger) (*SchedulerService, error) {
	if deps.Store == nil || deps.Chains == nil || deps.Builder == nil || deps.Executor == nil {
		return nil, errors.New("scheduler requires a store, chains, a builder and an executor")
	}
	if deps.Evaluator == nil || deps.Feed == nil {
		return nil, errors.New("scheduler requires a trigger evaluator and a price feed")
	}
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	sd := deps.Statsd
	if sd == nil {
		sd = &statsd.NoOpClient{}
	}

	s := &SchedulerService{
		store:       deps.Store,
		chains:      deps.Chains,
		builder:     deps.Builder,
		exec:        deps.Executor,
		evaluator:   deps.Evaluator,
		feed:        deps.Feed,
		archiver:    deps.Archiver,
		sdClient:    sd,
		cfg:         cfg.Scheduler,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		breakers:    map[int64]*circuitbreaker.CircuitBreaker{},
		chainLocks:  map[int64]*sync.Mutex{},
		lastReports: map[SweepKind]SweepReport{},
	}
	if s.cfg.BatchSize <= 0 {
		s.cfg.BatchSize = 100
	}
	if s.cfg.MaxAttempts <= 0 {
		s.cfg.MaxAttempts = 5
	}
	if s.cfg.ItemTimeout <= 0 {
		s.cfg.ItemTimeout = 5 * time.Minute
	}
	s.breakerCfg.enabled = cfg.CircuitBreaker.Enabled
	s.breakerCfg.threshold = cfg.CircuitBreaker.Threshold
	s.breakerCfg.window = cfg.CircuitBreaker.Window
	s.breakerCfg.resetTimeout = cfg.CircuitBreaker.ResetTimeout
	for _, id := range s.chains.ChainIDs() {
		s.breakerFor(id)
	}
	return s, nil
}

// Start recovers stale claims and starts both sweep timers. It returns
// immediately; use Stop to shut down.
func (s *SchedulerService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.RecoverStaleClaims(ctx)

		s.wg.Add(2)
		go s.run(ctx, SweepTransfers, s.cfg.TransferInterval)
		go s.run(ctx, SweepPrices, s.cfg.PriceInterval)
		s.logger.WithFields(logrus.Fields{
			"transfer_interval": s.cfg.TransferInterval.String(),
			"price_interval":    s.cfg.PriceInterval.String(),
		}).Info("Scheduler started")
	})
}

// Stop stops scheduling new sweeps and waits for in-flight ones to drain.
// Items already started run to completion.
func (s *SchedulerService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *SchedulerService) run(ctx context.Context, kind SweepKind, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.sweep(ctx, kind)
			}()
		}
	}
}

// SweepNow runs a transfer sweep and a price sweep right away. A sweep of
// a kind that is already running is reported as overlapped, not queued.
func (s *SchedulerService) SweepNow(ctx context.Context) []SweepReport {
	return []SweepReport{
		s.sweep(ctx, SweepTransfers),
		s.sweep(ctx, SweepPrices),
	}
}

func (s *SchedulerService) guard(kind SweepKind) *atomic.Bool {
	if kind == SweepPrices {
		return &s.pricesRunning
	}
	return &s.transfersRunning
}

func (s *SchedulerService) sweep(ctx context.Context, kind SweepKind) SweepReport {
	tags := []string{"sweep:" + string(kind)}
	running := s.guard(kind)
	if !running.CompareAndSwap(false, true) {
		s.logger.WithField("sweep", kind).Warn("Previous sweep still running, skipping tick")
		metrics.SkippedTicks.WithLabelValues(string(kind)).Inc()
		_ = s.sdClient.Incr("scheduler.sweep.skipped", tags, 1)
		return SweepReport{Kind: kind, StartedAt: s.now(), Overlapped: true}
	}
	defer running.Store(false)

	start := time.Now()
	report := SweepReport{Kind: kind, StartedAt: s.now()}
	var err error
	switch kind {
	case SweepTransfers:
		err = s.sweepTransfers(ctx, &report)
	case SweepPrices:
		err = s.sweepPrices(ctx, &report)
	default:
		err = fmt.Errorf("unknown sweep kind %q", kind)
	}
	report.Duration = time.Since(start)

	logger := s.logger.WithFields(logrus.Fields{
		"sweep":    kind,
		"due":      report.Due,
		"executed": report.Executed,
		"failed":   report.Failed,
		"skipped":  report.Skipped,
		"deferred": report.Deferred,
		"duration": report.Duration.String(),
	})
	if err != nil {
		report.Error = err.Error()
		logger.WithError(err).Error("Sweep failed")
	} else {
		logger.Info("Sweep completed")
	}

	metrics.SweepDuration.WithLabelValues(string(kind)).Observe(report.Duration.Seconds())
	metrics.SweepItems.WithLabelValues(string(kind)).Set(float64(report.Due))
	_ = s.sdClient.Timing("scheduler.sweep.duration", report.Duration, tags, 1)
	_ = s.sdClient.Count("scheduler.sweep.executed", int64(report.Executed), tags, 1)
	_ = s.sdClient.Count("scheduler.sweep.failed", int64(report.Failed), tags, 1)

	s.reportsMu.Lock()
	s.lastReports[kind] = report
	s.reportsMu.Unlock()
	return report
}

// dispatch runs handle for every item. Items on the same chain run one
// after another, also against items of a concurrent sweep of the other
// kind; distinct chains share a pool bounded by the configured worker
// count. Items not yet started when ctx is done are left for the
// next sweep.
func dispatch[T any](ctx context.Context, s *SchedulerService, items []T, chainOf func(T) int64, idOf func(T) string, handle func(ctx context.Context, item T) (result, error), t *tally) {
	groups := map[int64][]T{}
	for _, item := range items {
		id := chainOf(item)
		groups[id] = append(groups[id], item)
	}
	chainIDs := make([]int64, 0, len(groups))
	for id := range groups {
		chainIDs = append(chainIDs, id)
	}
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })

	var g errgroup.Group
	g.SetLimit(s.workers())
	for _, chainID := range chainIDs {
		chainID := chainID
		g.Go(func() error {
			breaker := s.breakerFor(chainID)
			lock := s.chainLock(chainID)
			for _, item := range groups[chainID] {
				if err := contexthelper.CheckCancellation(ctx); err != nil {
					t.add(resultDeferred)
					continue
				}
				if breaker.IsOpen() {
					metrics.BreakerSkips.WithLabelValues(strconv.FormatInt(chainID, 10)).Inc()
					t.add(resultSkipped)
					continue
				}

				lock.Lock()
				itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ItemTimeout)
				r, err := s.protect(chainID, idOf(item), func() (result, error) { return handle(itemCtx, item) })
				cancel()
				lock.Unlock()

				switch {
				case r == resultExecuted:
					breaker.RecordSuccess()
				case isChainFailure(err):
					breaker.RecordFailure()
				}
				t.add(r)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// protect turns a panic in one item into a failure of that item only.
func (s *SchedulerService) protect(chainID int64, itemID string, fn func() (result, error)) (r result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.WithFields(logrus.Fields{
				"item_id":  itemID,
				"chain_id": chainID,
				"panic":    rec,
			}).Error("Item panicked")
			r, err = resultFailed, fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

func isChainFailure(err error) bool {
	return types.IsKind(err, types.ErrSubmissionFailure) || types.IsKind(err, types.ErrConfirmationTimeout)
}

func (s *SchedulerService) workers() int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	if n := len(s.chains.ChainIDs()); n > 0 {
		return n
	}
	return 1
}

func (s *SchedulerService) chainLock(chainID int64) *sync.Mutex {
	s.chainLocksMu.Lock()
	defer s.chainLocksMu.Unlock()
	l, ok := s.chainLocks[chainID]
	if !ok {
		l = &sync.Mutex{}
		s.chainLocks[chainID] = l
	}
	return l
}

func (s *SchedulerService) breakerFor(chainID int64) *circuitbreaker.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	cb, ok := s.breakers[chainID]
	if !ok {
		cb = circuitbreaker.NewCircuitBreaker(
			fmt.Sprintf("chain-%d", chainID),
			s.breakerCfg.enabled,
			s.breakerCfg.threshold,
			s.breakerCfg.window,
			s.breakerCfg.resetTimeout,
			s.logger,
		)
		s.breakers[chainID] = cb
	}
	return cb
}

// ResetBreaker closes the circuit breaker of a chain.
func (s *SchedulerService) ResetBreaker(chainID int64) error {
	s.breakersMu.Lock()
	cb, ok := s.breakers[chainID]
	s.breakersMu.Unlock()
	if !ok {
		return fmt.Errorf("no circuit breaker for chain %d", chainID)
	}
	cb.Reset()
	s.logger.WithField("chain_id", chainID).Info("Circuit breaker reset")
	return nil
}

// RecoverStaleClaims fails items left claimed by a process that died mid
// execution. They are never resubmitted since a transaction may already be
// on chain. A transfer whose recorded attempt confirmed is settled as
// executed instead.
func (s *SchedulerService) RecoverStaleClaims(ctx context.Context) {
	if s.cfg.StaleClaimAfter <= 0 {
		return
	}
	cutoff := s.now().Add(-s.cfg.StaleClaimAfter)

	transfers, settled, err := s.store.FailStaleTransfers(ctx, cutoff, staleClaimReason)
	if err != nil {
		s.logger.WithError(err).Error("Failed to recover stale transfers")
	}
	if settled > 0 {
		s.logger.WithField("transfers", settled).Info("Settled stale transfers with a confirmed attempt")
	}
	triggers, err := s.store.FailStaleTriggers(ctx, cutoff, staleClaimReason)
	if err != nil {
		s.logger.WithError(err).Error("Failed to recover stale triggers")
	}
	if transfers > 0 || triggers > 0 {
		s.logger.WithFields(logrus.Fields{
			"transfers": transfers,
			"triggers":  triggers,
			"cutoff":    cutoff,
		}).Warn("Failed stale claims")
	}
}

type Status struct {
	Running     map[SweepKind]bool             `json:"running"`
	LastReports map[SweepKind]SweepReport      `json:"last_reports"`
	Breakers    map[int64]circuitbreaker.State `json:"breakers"`
}

func (s *SchedulerService) Status() Status {
	st := Status{
		Running: map[SweepKind]bool{
			SweepTransfers: s.transfersRunning.Load(),
			SweepPrices:    s.pricesRunning.Load(),
		},
		LastReports: map[SweepKind]SweepReport{},
		Breakers:    map[int64]circuitbreaker.State{},
	}
	s.reportsMu.RLock()
	for k, r := range s.lastReports {
		st.LastReports[k] = r
	}
	s.reportsMu.RUnlock()

	s.breakersMu.Lock()
	breakers := make(map[int64]*circuitbreaker.CircuitBreaker, len(s.breakers))
	for id, cb := range s.breakers {
		breakers[id] = cb
	}
	s.breakersMu.Unlock()
	for id, cb := range breakers {
		st.Breakers[id] = cb.GetState()
	}
	return st
}

// recordAttempt persists the attempt and archives it when block storage is
// configured. Neither failure changes the item's outcome.
func (s *SchedulerService) recordAttempt(ctx context.Context, attempt types.ExecutionAttempt, logger *logrus.Entry) {
	chainLabel := strconv.FormatInt(attempt.ChainID, 10)
	metrics.Executions.WithLabelValues(chainLabel, string(attempt.Kind), string(attempt.State)).Inc()
	if attempt.ErrorCode != nil {
		metrics.ExecutionErrors.WithLabelValues(chainLabel, *attempt.ErrorCode).Inc()
	}
	if attempt.TopUpTxHash != nil {
		metrics.TopUps.WithLabelValues(chainLabel).Inc()
	}
	if !attempt.FinishedAt.IsZero() {
		metrics.ExecutionTime.WithLabelValues(chainLabel).Observe(attempt.FinishedAt.Sub(attempt.StartedAt).Seconds())
	}

	if err := s.store.InsertExecutionAttempt(ctx, attempt); err != nil {
		logger.WithError(err).Error("Failed to record execution attempt")
	}
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchiveAttempt(ctx, attempt); err != nil {
		logger.WithError(err).Warn("Failed to archive execution attempt")
	}
}

// checkMethod logs when the method recorded at creation no longer matches
// the registry, which wins.
func (s *SchedulerService) checkMethod(chainID int64, planned types.ExecutionMethod, logger *logrus.Entry) {
	current, err := s.chains.StrategyFor(chainID)
	if err != nil || planned == "" || current == planned {
		return
	}
	logger.WithFields(logrus.Fields{
		"planned": planned,
		"current": current,
	}).Warn("Execution method changed since scheduling")
}
