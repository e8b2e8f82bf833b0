package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/chains/chaintest"
	"github.com/vultisig/autotransfer/internal/pattern"
	"github.com/vultisig/autotransfer/internal/scheduler"
	"github.com/vultisig/autotransfer/internal/tasks"
	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/storage"
	"github.com/vultisig/autotransfer/storage/storagetest"
)

const (
	baseChain int64 = 8453
	rskChain  int64 = 30
	testUser        = "user-1"
	alice           = "0x00000000000000000000000000000000000000a1"
)

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: tasks.QUEUE_NAME}, nil
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) SweepNow(ctx context.Context) []scheduler.SweepReport {
	f.calls++
	return []scheduler.SweepReport{{Kind: scheduler.SweepTransfers}}
}

func newTestService(t *testing.T, client TaskEnqueuer, sweeper scheduler.Sweeper) (*TransferService, *storagetest.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := chains.NewRegistryFromChains(logger,
		&chains.Chain{
			Profile: chains.Profile{
				ChainID:      baseChain,
				Strategy:     types.MethodMultisig,
				NativeSymbol: "ETH",
				Swap: &chains.Swap{
					Router:        common.HexToAddress("0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24"),
					WrappedNative: common.HexToAddress("0x4200000000000000000000000000000000000006"),
					SlippageBps:   100,
					Deadline:      10 * time.Minute,
				},
			},
			Client: chaintest.NewClient(baseChain),
		},
		&chains.Chain{
			Profile: chains.Profile{ChainID: rskChain, Strategy: types.MethodCustomAccount, NativeSymbol: "RBTC"},
			Client:  chaintest.NewClient(rskChain),
		},
	)

	store := storagetest.NewStore()
	for _, chainID := range []int64{baseChain, rskChain} {
		require.NoError(t, store.UpsertSmartAccount(context.Background(), types.SmartAccount{
			UserID:  testUser,
			ChainID: chainID,
			Address: "0x00000000000000000000000000000000000005af",
			Status:  types.AccountActive,
		}))
	}

	svc, err := NewTransferService(store, registry, pattern.NewResolver(0), nil, client, sweeper, logger)
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }
	return svc, store
}

func transferRequest(chainIDs ...int64) TransferRequest {
	return TransferRequest{
		UserID:    testUser,
		Recipient: alice,
		Amount:    "0.5",
		Asset:     "ETH",
		ChainIDs:  chainIDs,
	}
}

func TestScheduleOnce(t *testing.T) {
	testCases := []struct {
		name      string
		req       TransferRequest
		delay     time.Duration
		wantCount int
		wantKind  string
	}{
		{name: "Single chain", req: transferRequest(baseChain), delay: time.Hour, wantCount: 1},
		{name: "Fan out across chains", req: transferRequest(baseChain, rskChain), delay: time.Minute, wantCount: 2},
		{name: "Zero delay is due now", req: transferRequest(rskChain), delay: 0, wantCount: 1},
		{name: "Negative delay", req: transferRequest(baseChain), delay: -time.Second, wantKind: types.ErrInvalidSchedule},
		{name: "Unknown chain", req: transferRequest(1), delay: time.Hour, wantKind: types.ErrUnsupportedChain},
		{name: "Bad amount", req: TransferRequest{UserID: testUser, Recipient: alice, Amount: "-1", Asset: "ETH", ChainIDs: []int64{baseChain}}, delay: time.Hour},
		{name: "Duplicate chain", req: transferRequest(baseChain, baseChain), delay: time.Hour},
		{name: "No smart account", req: TransferRequest{UserID: "stranger", Recipient: alice, Amount: "1", Asset: "ETH", ChainIDs: []int64{baseChain}}, delay: time.Hour},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := newTestService(t, nil, nil)

			result, err := svc.ScheduleOnce(context.Background(), tc.req, tc.delay)
			if tc.wantCount == 0 {
				require.Error(t, err)
				if tc.wantKind != "" {
					assert.True(t, types.IsKind(err, tc.wantKind), "got %v", err)
				}
				stored, err := store.ListScheduledTransfers(context.Background(), tc.req.UserID, 100, 0)
				require.NoError(t, err)
				assert.Empty(t, stored)
				return
			}

			require.NoError(t, err)
			require.Len(t, result.Transfers, tc.wantCount)
			for _, tr := range result.Transfers {
				assert.Equal(t, fixedNow.Add(tc.delay), tr.ScheduledTime)
				assert.Equal(t, result.ScheduleID, tr.ScheduleID)
				assert.Equal(t, types.TransferPending, tr.Status)
				assert.False(t, tr.Executed)

				stored, err := store.GetScheduledTransfer(context.Background(), tr.ID)
				require.NoError(t, err)
				assert.Equal(t, tr.ChainID, stored.ChainID)
			}
		})
	}
}

func TestScheduleRecurringMaterializesEveryDay(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	start := fixedNow.AddDate(0, 0, 1)
	end := start.AddDate(0, 0, 3)

	result, err := svc.ScheduleRecurring(context.Background(), transferRequest(baseChain, rskChain), pattern.Recurring{
		Unit:     pattern.Day,
		Interval: 1,
		Start:    start,
		End:      &end,
	})
	require.NoError(t, err)
	require.Len(t, result.Transfers, 8)
	assert.Zero(t, result.SkippedPast)

	methods := map[int64]types.ExecutionMethod{}
	days := map[time.Time]int{}
	for _, tr := range result.Transfers {
		methods[tr.ChainID] = tr.Method
		days[tr.ScheduledTime]++
	}
	assert.Equal(t, types.MethodMultisig, methods[baseChain])
	assert.Equal(t, types.MethodCustomAccount, methods[rskChain])
	for i := 0; i <= 3; i++ {
		assert.Equal(t, 2, days[start.AddDate(0, 0, i)], "day %d", i)
	}
}

func TestScheduleSkipsPastOccurrences(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)

	t.Run("Partly past", func(t *testing.T) {
		end := fixedNow.AddDate(0, 0, 1)
		result, err := svc.ScheduleRecurring(context.Background(), transferRequest(baseChain), pattern.Recurring{
			Unit:     pattern.Day,
			Interval: 1,
			Start:    fixedNow.AddDate(0, 0, -2),
			End:      &end,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, result.SkippedPast)
		require.Len(t, result.Transfers, 2)
		assert.Equal(t, fixedNow, result.Transfers[0].ScheduledTime)
	})

	t.Run("Entirely past", func(t *testing.T) {
		end := fixedNow.AddDate(0, 0, -1)
		_, err := svc.ScheduleRecurring(context.Background(), transferRequest(baseChain), pattern.Recurring{
			Unit:     pattern.Day,
			Interval: 1,
			Start:    fixedNow.AddDate(0, 0, -3),
			End:      &end,
		})
		assert.True(t, types.IsKind(err, types.ErrInvalidSchedule))
	})
}

func TestScheduleFromPattern(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)

	result, err := svc.ScheduleFromPattern(context.Background(), transferRequest(baseChain), "after 2 hours", fixedNow, nil)
	require.NoError(t, err)
	require.Len(t, result.Transfers, 1)
	assert.Equal(t, fixedNow.Add(2*time.Hour), result.Transfers[0].ScheduledTime)

	_, err = svc.ScheduleFromPattern(context.Background(), transferRequest(baseChain), "whenever it feels right", fixedNow, nil)
	assert.True(t, types.IsKind(err, types.ErrInvalidSchedule))
}

func TestCreatePriceTrigger(t *testing.T) {
	valid := PriceTriggerRequest{
		UserID:      testUser,
		Comparison:  types.ComparisonBelow,
		TargetPrice: decimal.RequireFromString("50000"),
		SourceAsset: "eth",
		DestAsset:   "usdc",
		Amount:      "0.1",
		ChainID:     baseChain,
	}
	with := func(mutate func(r *PriceTriggerRequest)) PriceTriggerRequest {
		r := valid
		mutate(&r)
		return r
	}

	testCases := []struct {
		name     string
		req      PriceTriggerRequest
		wantErr  bool
		wantKind string
	}{
		{name: "Valid", req: valid},
		{name: "Unknown comparison", req: with(func(r *PriceTriggerRequest) { r.Comparison = "near" }), wantErr: true},
		{name: "Zero target", req: with(func(r *PriceTriggerRequest) { r.TargetPrice = decimal.Zero }), wantErr: true},
		{name: "Same asset", req: with(func(r *PriceTriggerRequest) { r.DestAsset = "ETH" }), wantErr: true},
		{name: "Chain without router", req: with(func(r *PriceTriggerRequest) { r.ChainID = rskChain }), wantErr: true, wantKind: types.ErrUnsupportedChain},
		{name: "Unknown chain", req: with(func(r *PriceTriggerRequest) { r.ChainID = 1 }), wantErr: true, wantKind: types.ErrUnsupportedChain},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := newTestService(t, nil, nil)

			tr, err := svc.CreatePriceTrigger(context.Background(), tc.req)
			if tc.wantErr {
				require.Error(t, err)
				if tc.wantKind != "" {
					assert.True(t, types.IsKind(err, tc.wantKind))
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ETH", tr.SourceAsset)
			assert.Equal(t, types.TriggerPending, tr.Status)
			assert.True(t, tr.IsActive)

			stored, err := store.GetPriceTrigger(context.Background(), tr.ID)
			require.NoError(t, err)
			assert.True(t, stored.TargetPrice.Equal(decimal.RequireFromString("50000")))
		})
	}
}

func TestCancelTrigger(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil, nil)

	tr, err := svc.CreatePriceTrigger(ctx, PriceTriggerRequest{
		UserID:      testUser,
		Comparison:  types.ComparisonAbove,
		TargetPrice: decimal.RequireFromString("3000"),
		SourceAsset: "ETH",
		DestAsset:   "USDC",
		Amount:      "1",
		ChainID:     baseChain,
	})
	require.NoError(t, err)
	scheduled, err := svc.ScheduleOnce(ctx, transferRequest(baseChain), time.Hour)
	require.NoError(t, err)
	transferID := scheduled.Transfers[0].ID

	testCases := []struct {
		name    string
		id      uuid.UUID
		wantErr error
	}{
		{name: "Pending trigger", id: tr.ID},
		{name: "Trigger already cancelled", id: tr.ID, wantErr: storage.ErrStatusConflict},
		{name: "Pending transfer", id: transferID},
		{name: "Transfer already cancelled", id: transferID, wantErr: storage.ErrStatusConflict},
		{name: "Unknown id", id: uuid.New(), wantErr: storage.ErrNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.CancelTrigger(ctx, tc.id)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}

	got, err := store.GetPriceTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerCancelled, got.Status)
	assert.False(t, got.IsActive)
}

func TestCancelSchedule(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil, nil)
	end := fixedNow.AddDate(0, 0, 4)
	result, err := svc.ScheduleRecurring(ctx, transferRequest(baseChain), pattern.Recurring{
		Unit:     pattern.Day,
		Interval: 1,
		Start:    fixedNow.Add(time.Hour),
		End:      &end,
	})
	require.NoError(t, err)
	require.Len(t, result.Transfers, 4)
	require.NoError(t, store.ClaimTransfer(ctx, result.Transfers[0].ID))

	n, err := svc.CancelSchedule(ctx, result.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	claimed, err := svc.GetTransfer(ctx, result.Transfers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferExecuting, claimed.Status)
}

func TestIsReady(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil, nil)

	later, err := svc.ScheduleOnce(ctx, transferRequest(baseChain), 90*time.Second)
	require.NoError(t, err)
	due, err := svc.ScheduleOnce(ctx, transferRequest(baseChain), 0)
	require.NoError(t, err)
	tr, err := svc.CreatePriceTrigger(ctx, PriceTriggerRequest{
		UserID:      testUser,
		Comparison:  types.ComparisonEquals,
		TargetPrice: decimal.RequireFromString("100"),
		SourceAsset: "ETH",
		DestAsset:   "USDC",
		Amount:      "1",
		ChainID:     baseChain,
	})
	require.NoError(t, err)
	unobserved, err := svc.CreatePriceTrigger(ctx, PriceTriggerRequest{
		UserID:      testUser,
		Comparison:  types.ComparisonAbove,
		TargetPrice: decimal.RequireFromString("1"),
		SourceAsset: "ETH",
		DestAsset:   "USDC",
		Amount:      "1",
		ChainID:     baseChain,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateTriggerPrice(ctx, tr.ID, decimal.RequireFromString("100.5")))

	testCases := []struct {
		name          string
		id            uuid.UUID
		wantReady     bool
		wantRemaining time.Duration
	}{
		{name: "Transfer in the future", id: later.Transfers[0].ID, wantRemaining: 90 * time.Second},
		{name: "Transfer due now", id: due.Transfers[0].ID, wantReady: true},
		{name: "Trigger condition met", id: tr.ID, wantReady: true},
		{name: "Trigger never observed", id: unobserved.ID},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := svc.IsReady(ctx, tc.id)
			require.NoError(t, err)
			assert.Equal(t, tc.wantReady, r.Ready)
			assert.Equal(t, tc.wantRemaining, r.TimeRemaining)
		})
	}

	_, err = svc.IsReady(ctx, uuid.New())
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSweepNow(t *testing.T) {
	t.Run("Enqueued", func(t *testing.T) {
		client := &fakeEnqueuer{}
		svc, _ := newTestService(t, client, nil)

		res, err := svc.SweepNow(context.Background(), "ops")
		require.NoError(t, err)
		assert.True(t, res.Queued)
		assert.Equal(t, "task-1", res.TaskID)
		require.Len(t, client.tasks, 1)
		assert.Equal(t, tasks.TypeSweepNow, client.tasks[0].Type())

		var p tasks.SweepNowPayload
		require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &p))
		assert.Equal(t, "ops", p.RequestedBy)
		assert.Equal(t, fixedNow, p.RequestedAt)
	})

	t.Run("Already queued", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeEnqueuer{err: asynq.ErrDuplicateTask}, nil)
		res, err := svc.SweepNow(context.Background(), "ops")
		require.NoError(t, err)
		assert.True(t, res.Queued)
	})

	t.Run("In process", func(t *testing.T) {
		sweeper := &fakeSweeper{}
		svc, _ := newTestService(t, nil, sweeper)
		res, err := svc.SweepNow(context.Background(), "ops")
		require.NoError(t, err)
		assert.False(t, res.Queued)
		assert.Len(t, res.Reports, 1)
		assert.Equal(t, 1, sweeper.calls)
	})

	t.Run("Nothing configured", func(t *testing.T) {
		svc, _ := newTestService(t, nil, nil)
		_, err := svc.SweepNow(context.Background(), "ops")
		assert.Error(t, err)
	})
}
