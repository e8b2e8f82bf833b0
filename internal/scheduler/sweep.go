package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/executor"
	"github.com/vultisig/autotransfer/internal/metrics"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/trigger"
	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/storage"
)

func (s *SchedulerService) sweepTransfers(ctx context.Context, report *SweepReport) error {
	due, err := s.store.ListDueTransfers(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list due transfers: %w", err)
	}
	report.Due = len(due)
	if len(due) == 0 {
		return nil
	}

	dispatch(ctx, s, due,
		func(t types.ScheduledTransfer) int64 { return t.ChainID },
		func(t types.ScheduledTransfer) string { return t.ID.String() },
		s.executeTransfer,
		&tally{report: report},
	)
	return nil
}

func (s *SchedulerService) executeTransfer(ctx context.Context, t types.ScheduledTransfer) (result, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"chain_id":    t.ChainID,
		"attempt":     t.Attempts + 1,
	})

	account, err := s.store.GetSmartAccount(ctx, t.UserID, t.ChainID)
	if err != nil {
		return s.failUnclaimedTransfer(ctx, t, fmt.Errorf("failed to load smart account: %w", err), logger)
	}
	s.checkMethod(t.ChainID, t.Method, logger)

	p, err := s.builder.Build(ctx, t.Asset, t.Amount, t.Recipient, t.ChainID)
	if err != nil {
		return s.failUnclaimedTransfer(ctx, t, fmt.Errorf("failed to build payload: %w", err), logger)
	}

	out := s.exec.Execute(ctx, executor.Intent{
		ItemID:   t.ID,
		Kind:     types.KindScheduledTransfer,
		ChainID:  t.ChainID,
		Account:  account,
		Payloads: []payload.Payload{p},
		Claim: func(ctx context.Context) error {
			return s.store.ClaimTransfer(ctx, t.ID)
		},
	})
	s.recordAttempt(ctx, out.Attempt, logger)

	switch {
	case out.Confirmed():
		if err := s.markExecuted(ctx, t, out.TxHash(), logger); err != nil {
			logger.WithError(err).WithField("tx_hash", out.TxHash()).Error("Transfer confirmed but could not be marked executed")
		}
		logger.WithField("tx_hash", out.TxHash()).Info("Transfer executed")
		return resultExecuted, nil
	case out.Aborted():
		logger.Info("Transfer claimed by another sweep")
		return resultAborted, nil
	case out.Claimed:
		// Once anything was broadcast the transfer is never retried, since
		// the transaction may still land.
		status := types.TransferPending
		if len(out.Attempt.TxHashes) > 0 || t.Attempts+1 >= s.cfg.MaxAttempts {
			status = types.TransferFailed
		}
		if err := s.store.ReleaseTransfer(ctx, t.ID, status, out.Err.Error()); err != nil {
			logger.WithError(err).Error("Failed to release transfer")
		}
		logger.WithFields(logrus.Fields{
			"status": status,
			"error":  out.Err,
		}).Error("Transfer attempt failed")
		return resultFailed, out.Err
	default:
		return s.failUnclaimedTransfer(ctx, t, out.Err, logger)
	}
}

// markExecuted retries once since a transfer left executing would otherwise
// wait for stale recovery. A status conflict is final.
func (s *SchedulerService) markExecuted(ctx context.Context, t types.ScheduledTransfer, txHash string, logger *logrus.Entry) error {
	err := s.store.MarkTransferExecuted(ctx, t.ID, txHash)
	if err == nil || errors.Is(err, storage.ErrStatusConflict) {
		return err
	}
	logger.WithError(err).Warn("Failed to mark transfer executed, retrying")
	return s.store.MarkTransferExecuted(ctx, t.ID, txHash)
}

// failUnclaimedTransfer records a failure that happened before the claim.
// The transfer stays pending until it runs out of attempts.
func (s *SchedulerService) failUnclaimedTransfer(ctx context.Context, t types.ScheduledTransfer, cause error, logger *logrus.Entry) (result, error) {
	status, err := s.store.RecordTransferFailure(ctx, t.ID, cause.Error(), s.cfg.MaxAttempts)
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return resultAborted, nil
		}
		logger.WithError(err).Error("Failed to record transfer failure")
	}
	logger.WithFields(logrus.Fields{
		"status": status,
		"code":   types.KindOf(cause),
		"error":  cause,
	}).Error("Transfer attempt failed")
	return resultFailed, cause
}

func (s *SchedulerService) sweepPrices(ctx context.Context, report *SweepReport) error {
	triggers, err := s.store.ListActivePriceTriggers(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list active triggers: %w", err)
	}
	report.Due = len(triggers)
	if len(triggers) == 0 {
		return nil
	}

	evaluations, failed := s.evaluator.Poll(ctx, s.feed, triggers)
	if len(failed) > 0 {
		s.logger.WithField("symbols", failed).Warn("Prices unavailable, triggers left pending")
	}

	var fired []trigger.Evaluation
	for _, ev := range evaluations {
		metrics.ObservedPrice.WithLabelValues(ev.Quote.Symbol).Set(ev.Quote.Price.InexactFloat64())
		if err := s.store.UpdateTriggerPrice(ctx, ev.Trigger.ID, ev.Quote.Price); err != nil {
			s.logger.WithError(err).WithField("trigger_id", ev.Trigger.ID).Warn("Failed to store observed price")
		}
		if !ev.Fires {
			continue
		}
		metrics.TriggersFired.WithLabelValues(strconv.FormatInt(ev.Trigger.ChainID, 10), string(ev.Trigger.Comparison)).Inc()
		fired = append(fired, ev)
	}
	report.Fired = len(fired)
	if len(fired) == 0 {
		return nil
	}

	dispatch(ctx, s, fired,
		func(ev trigger.Evaluation) int64 { return ev.Trigger.ChainID },
		func(ev trigger.Evaluation) string { return ev.Trigger.ID.String() },
		s.executeTrigger,
		&tally{report: report},
	)
	return nil
}

func (s *SchedulerService) executeTrigger(ctx context.Context, ev trigger.Evaluation) (result, error) {
	tr := ev.Trigger
	logger := s.logger.WithFields(logrus.Fields{
		"trigger_id": tr.ID,
		"chain_id":   tr.ChainID,
		"comparison": tr.Comparison,
		"target":     tr.TargetPrice.String(),
		"observed":   ev.Quote.Price.String(),
	})

	// pending -> triggered is the claim; a trigger fires at most once.
	if err := s.store.TransitionTrigger(ctx, tr.ID, types.TriggerPending, types.TriggerTriggered, nil, nil); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			logger.Info("Trigger no longer pending")
			return resultAborted, nil
		}
		logger.WithError(err).Error("Failed to mark trigger triggered")
		return resultFailed, err
	}
	logger.Info("Trigger fired")

	account, err := s.store.GetSmartAccount(ctx, tr.UserID, tr.ChainID)
	if err != nil {
		return s.failTrigger(ctx, tr, fmt.Errorf("failed to load smart account: %w", err), "", logger)
	}
	payloads, err := s.builder.BuildSwap(ctx, tr.ChainID, account.AddressHex(), tr.SourceAsset, tr.DestAsset, tr.Amount, s.now())
	if err != nil {
		return s.failTrigger(ctx, tr, fmt.Errorf("failed to build swap: %w", err), "", logger)
	}

	out := s.exec.Execute(ctx, executor.Intent{
		ItemID:   tr.ID,
		Kind:     types.KindPriceTrigger,
		ChainID:  tr.ChainID,
		Account:  account,
		Payloads: payloads,
	})
	s.recordAttempt(ctx, out.Attempt, logger)

	if !out.Confirmed() {
		return s.failTrigger(ctx, tr, out.Err, out.TxHash(), logger)
	}
	txHash := out.TxHash()
	if err := s.store.TransitionTrigger(ctx, tr.ID, types.TriggerTriggered, types.TriggerExecuted, &txHash, nil); err != nil {
		logger.WithError(err).WithField("tx_hash", txHash).Error("Trigger confirmed but could not be marked executed")
	}
	logger.WithField("tx_hash", txHash).Info("Trigger executed")
	return resultExecuted, nil
}

func (s *SchedulerService) failTrigger(ctx context.Context, tr types.PriceTrigger, cause error, txHash string, logger *logrus.Entry) (result, error) {
	if cause == nil {
		cause = errors.New("execution did not confirm")
	}
	msg := cause.Error()
	var hash *string
	if txHash != "" {
		hash = &txHash
	}
	if err := s.store.TransitionTrigger(ctx, tr.ID, types.TriggerTriggered, types.TriggerFailed, hash, &msg); err != nil {
		logger.WithError(err).Error("Failed to mark trigger failed")
	}
	logger.WithFields(logrus.Fields{
		"code":  types.KindOf(cause),
		"error": msg,
	}).Error("Trigger execution failed")
	return resultFailed, cause
}
