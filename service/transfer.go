package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/pattern"
	"github.com/vultisig/autotransfer/internal/scheduler"
	"github.com/vultisig/autotransfer/internal/tasks"
	"github.com/vultisig/autotransfer/internal/trigger"
	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/storage"
)

// ErrInvalidRequest marks input that was rejected before anything was
// stored.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

type ChainLookup interface {
	IsKnown(chainID int64) bool
	StrategyFor(chainID int64) (types.ExecutionMethod, error)
	Get(chainID int64) (*chains.Chain, error)
}

// TaskEnqueuer is the part of asynq.Client used to hand a sweep request
// to the scheduler process.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type TransferRequest struct {
	UserID    string  `json:"user_id"`
	Recipient string  `json:"recipient"`
	Amount    string  `json:"amount"`
	Asset     string  `json:"asset"`
	ChainIDs  []int64 `json:"chain_ids"`
}

type ScheduleResult struct {
	ScheduleID uuid.UUID                 `json:"schedule_id"`
	Transfers  []types.ScheduledTransfer `json:"transfers"`
	// SkippedPast counts occurrences that were already in the past.
	SkippedPast int `json:"skipped_past"`
}

type PriceTriggerRequest struct {
	UserID      string           `json:"user_id"`
	Comparison  types.Comparison `json:"comparison"`
	TargetPrice decimal.Decimal  `json:"target_price"`
	SourceAsset string           `json:"source_asset"`
	DestAsset   string           `json:"dest_asset"`
	Amount      string           `json:"amount"`
	ChainID     int64            `json:"chain_id"`
}

type Readiness struct {
	Ready         bool          `json:"ready"`
	TimeRemaining time.Duration `json:"time_remaining"`
	Status        string        `json:"status"`
}

type SweepResult struct {
	Queued  bool                    `json:"queued"`
	TaskID  string                  `json:"task_id,omitempty"`
	Reports []scheduler.SweepReport `json:"reports,omitempty"`
}

type TransferService struct {
	db        storage.DatabaseStorage
	chains    ChainLookup
	resolver  *pattern.Resolver
	evaluator *trigger.Evaluator
	client    TaskEnqueuer
	sweeper   scheduler.Sweeper
	logger    *logrus.Logger
	now       func() time.Time
}

// NewTransferService wires the produced operations. Sweeps are enqueued
// through client when set, otherwise run in-process on sweeper.
func NewTransferService(db storage.DatabaseStorage, chains ChainLookup, resolver *pattern.Resolver, evaluator *trigger.Evaluator, client TaskEnqueuer, sweeper scheduler.Sweeper, logger *logrus.Logger) (*TransferService, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	if chains == nil {
		return nil, fmt.Errorf("chain registry cannot be nil")
	}
	if resolver == nil {
		resolver = pattern.NewResolver(pattern.DefaultMaxOccurrences)
	}
	if evaluator == nil {
		evaluator = trigger.NewEvaluator(trigger.DefaultTolerance, logger)
	}
	return &TransferService{
		db:        db,
		chains:    chains,
		resolver:  resolver,
		evaluator: evaluator,
		client:    client,
		sweeper:   sweeper,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// ScheduleOnce schedules a single transfer delay from now.
func (s *TransferService) ScheduleOnce(ctx context.Context, req TransferRequest, delay time.Duration) (ScheduleResult, error) {
	return s.Schedule(ctx, req, pattern.Spec{Once: &pattern.Once{Delay: delay}})
}

func (s *TransferService) ScheduleRecurring(ctx context.Context, req TransferRequest, rec pattern.Recurring) (ScheduleResult, error) {
	return s.Schedule(ctx, req, pattern.Spec{Recurring: &rec})
}

// ScheduleFromPattern schedules from a natural-language pattern such as
// "every week for 3 months".
func (s *TransferService) ScheduleFromPattern(ctx context.Context, req TransferRequest, text string, start time.Time, end *time.Time) (ScheduleResult, error) {
	return s.Schedule(ctx, req, pattern.Spec{NaturalLanguage: &pattern.NaturalLanguage{
		Pattern: text,
		Start:   start,
		End:     end,
	}})
}

// Schedule resolves spec and materializes one transfer per upcoming
// occurrence and target chain. Invalid schedules and unknown chains are
// rejected before anything is stored.
func (s *TransferService) Schedule(ctx context.Context, req TransferRequest, spec pattern.Spec) (ScheduleResult, error) {
	methods, err := s.validateTransfer(ctx, req)
	if err != nil {
		return ScheduleResult{}, err
	}

	now := s.now()
	occurrences, err := s.resolver.Resolve(spec, now)
	if err != nil {
		return ScheduleResult{}, err
	}
	upcoming := pattern.Upcoming(occurrences)
	if len(upcoming) == 0 {
		return ScheduleResult{}, types.InvalidSchedule("all %d occurrences are in the past", len(occurrences))
	}

	result := ScheduleResult{
		ScheduleID:  uuid.New(),
		SkippedPast: len(occurrences) - len(upcoming),
		Transfers:   make([]types.ScheduledTransfer, 0, len(upcoming)*len(req.ChainIDs)),
	}
	for _, o := range upcoming {
		for _, chainID := range req.ChainIDs {
			result.Transfers = append(result.Transfers, types.ScheduledTransfer{
				ID:            uuid.New(),
				UserID:        req.UserID,
				ScheduleID:    result.ScheduleID,
				Recipient:     strings.TrimSpace(req.Recipient),
				Amount:        req.Amount,
				Asset:         req.Asset,
				ChainID:       chainID,
				Method:        methods[chainID],
				ScheduledTime: o.At.UTC(),
				Status:        types.TransferPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
	}

	if err := s.db.InsertScheduledTransfers(ctx, result.Transfers); err != nil {
		return ScheduleResult{}, fmt.Errorf("failed to store transfers: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"schedule_id":  result.ScheduleID,
		"user_id":      req.UserID,
		"transfers":    len(result.Transfers),
		"skipped_past": result.SkippedPast,
		"first":        upcoming[0].At,
	}).Info("Schedule created")
	return result, nil
}

func (s *TransferService) validateTransfer(ctx context.Context, req TransferRequest) (map[int64]types.ExecutionMethod, error) {
	if req.UserID == "" {
		return nil, invalid("user id is required")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, invalid("recipient is required")
	}
	if strings.TrimSpace(req.Asset) == "" {
		return nil, invalid("asset is required")
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if len(req.ChainIDs) == 0 {
		return nil, invalid("at least one chain id is required")
	}

	methods := make(map[int64]types.ExecutionMethod, len(req.ChainIDs))
	for _, chainID := range req.ChainIDs {
		if _, dup := methods[chainID]; dup {
			return nil, invalid("chain %d listed twice", chainID)
		}
		method, err := s.chains.StrategyFor(chainID)
		if err != nil {
			return nil, err
		}
		if err := s.requireAccount(ctx, req.UserID, chainID); err != nil {
			return nil, err
		}
		methods[chainID] = method
	}
	return methods, nil
}

func (s *TransferService) requireAccount(ctx context.Context, userID string, chainID int64) error {
	account, err := s.db.GetSmartAccount(ctx, userID, chainID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return invalid("user %s has no smart account on chain %d", userID, chainID)
		}
		return fmt.Errorf("failed to load smart account: %w", err)
	}
	if !account.IsActive() {
		return invalid("smart account %s on chain %d is %s", account.Address, chainID, account.Status)
	}
	return nil
}

func validateAmount(amount string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return invalid("amount %q is not a number", amount)
	}
	if !d.IsPositive() {
		return invalid("amount must be positive, got %s", amount)
	}
	return nil
}

func (s *TransferService) CreatePriceTrigger(ctx context.Context, req PriceTriggerRequest) (types.PriceTrigger, error) {
	if req.UserID == "" {
		return types.PriceTrigger{}, invalid("user id is required")
	}
	if !req.Comparison.Valid() {
		return types.PriceTrigger{}, invalid("unknown comparison %q", req.Comparison)
	}
	if !req.TargetPrice.IsPositive() {
		return types.PriceTrigger{}, invalid("target price must be positive, got %s", req.TargetPrice)
	}
	if req.SourceAsset == "" || req.DestAsset == "" {
		return types.PriceTrigger{}, invalid("source and destination asset are required")
	}
	if strings.EqualFold(req.SourceAsset, req.DestAsset) {
		return types.PriceTrigger{}, invalid("source and destination asset must differ")
	}
	if err := validateAmount(req.Amount); err != nil {
		return types.PriceTrigger{}, err
	}
	chain, err := s.chains.Get(req.ChainID)
	if err != nil {
		return types.PriceTrigger{}, err
	}
	if chain.Swap == nil {
		return types.PriceTrigger{}, types.NewError(types.ErrUnsupportedChain, fmt.Sprintf("chain %d has no swap router configured", req.ChainID), nil)
	}
	if err := s.requireAccount(ctx, req.UserID, req.ChainID); err != nil {
		return types.PriceTrigger{}, err
	}

	now := s.now()
	tr := types.PriceTrigger{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Comparison:  req.Comparison,
		TargetPrice: req.TargetPrice,
		SourceAsset: strings.ToUpper(req.SourceAsset),
		DestAsset:   strings.ToUpper(req.DestAsset),
		Amount:      req.Amount,
		ChainID:     req.ChainID,
		IsActive:    true,
		Status:      types.TriggerPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.InsertPriceTrigger(ctx, tr); err != nil {
		return types.PriceTrigger{}, fmt.Errorf("failed to store trigger: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"trigger_id": tr.ID,
		"user_id":    tr.UserID,
		"comparison": tr.Comparison,
		"target":     tr.TargetPrice.String(),
		"chain_id":   tr.ChainID,
	}).Info("Price trigger created")
	return tr, nil
}

// CancelTrigger cancels a pending price trigger or a pending scheduled
// transfer by id. Anything already past pending is left alone and
// storage.ErrStatusConflict is returned.
func (s *TransferService) CancelTrigger(ctx context.Context, id uuid.UUID) error {
	err := s.db.TransitionTrigger(ctx, id, types.TriggerPending, types.TriggerCancelled, nil, nil)
	if err == nil {
		s.logger.WithField("trigger_id", id).Info("Price trigger cancelled")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to cancel trigger %s: %w", id, err)
	}

	if err := s.db.CancelTransfer(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel transfer %s: %w", id, err)
	}
	s.logger.WithField("transfer_id", id).Info("Scheduled transfer cancelled")
	return nil
}

// CancelSchedule cancels every still pending transfer of a schedule.
func (s *TransferService) CancelSchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error) {
	n, err := s.db.CancelSchedule(ctx, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel schedule %s: %w", scheduleID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"schedule_id": scheduleID,
		"cancelled":   n,
	}).Info("Schedule cancelled")
	return n, nil
}

func (s *TransferService) SweepNow(ctx context.Context, requestedBy string) (SweepResult, error) {
	if s.client != nil {
		task, err := tasks.NewSweepNow(requestedBy, s.now())
		if err != nil {
			return SweepResult{}, fmt.Errorf("failed to create sweep task: %w", err)
		}
		info, err := s.client.EnqueueContext(ctx, task, tasks.EnqueueOptions()...)
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return SweepResult{Queued: true}, nil
		}
		if err != nil {
			return SweepResult{}, fmt.Errorf("failed to enqueue sweep: %w", err)
		}
		return SweepResult{Queued: true, TaskID: info.ID}, nil
	}
	if s.sweeper == nil {
		return SweepResult{}, errors.New("no sweeper configured")
	}
	return SweepResult{Reports: s.sweeper.SweepNow(ctx)}, nil
}

// IsReady reports whether a transfer is due, or whether a price trigger's
// condition held at its last observed price.
func (s *TransferService) IsReady(ctx context.Context, id uuid.UUID) (Readiness, error) {
	now := s.now()
	transfer, err := s.db.GetScheduledTransfer(ctx, id)
	if err == nil {
		r := Readiness{Status: string(transfer.Status), Ready: transfer.IsDue(now)}
		if transfer.Status == types.TransferPending && transfer.ScheduledTime.After(now) {
			r.TimeRemaining = transfer.ScheduledTime.Sub(now)
		}
		return r, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Readiness{}, err
	}

	tr, err := s.db.GetPriceTrigger(ctx, id)
	if err != nil {
		return Readiness{}, err
	}
	r := Readiness{Status: string(tr.Status)}
	if tr.Status == types.TriggerPending && tr.IsActive && tr.CurrentPrice != nil {
		r.Ready = s.evaluator.Evaluate(tr, *tr.CurrentPrice)
	}
	return r, nil
}

func (s *TransferService) GetTransfer(ctx context.Context, id uuid.UUID) (types.ScheduledTransfer, error) {
	return s.db.GetScheduledTransfer(ctx, id)
}

func (s *TransferService) ListTransfers(ctx context.Context, userID string, take, skip int) ([]types.ScheduledTransfer, error) {
	if take <= 0 || take > 500 {
		take = 100
	}
	if skip < 0 {
		skip = 0
	}
	return s.db.ListScheduledTransfers(ctx, userID, take, skip)
}

func (s *TransferService) GetPriceTrigger(ctx context.Context, id uuid.UUID) (types.PriceTrigger, error) {
	return s.db.GetPriceTrigger(ctx, id)
}

func (s *TransferService) ListAttempts(ctx context.Context, itemID uuid.UUID) ([]types.ExecutionAttempt, error) {
	return s.db.ListExecutionAttempts(ctx, itemID)
}
