package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/vultisig/autotransfer/internal/pattern"
	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/service"
	"github.com/vultisig/autotransfer/storage"
)

type transferFields struct {
	Recipient string  `json:"recipient"`
	Amount    string  `json:"amount"`
	Asset     string  `json:"asset"`
	ChainIDs  []int64 `json:"chain_ids"`
}

func (f transferFields) request(userID string) service.TransferRequest {
	return service.TransferRequest{
		UserID:    userID,
		Recipient: f.Recipient,
		Amount:    f.Amount,
		Asset:     f.Asset,
		ChainIDs:  f.ChainIDs,
	}
}

type scheduleOnceRequest struct {
	transferFields
	DelaySeconds int64      `json:"delay_seconds"`
	At           *time.Time `json:"at,omitempty"`
}

type scheduleRecurringRequest struct {
	transferFields
	Recurring pattern.Recurring `json:"recurring"`
}

type schedulePatternRequest struct {
	transferFields
	Pattern string     `json:"pattern"`
	Start   *time.Time `json:"start,omitempty"`
	End     *time.Time `json:"end,omitempty"`
}

type scheduleCronRequest struct {
	transferFields
	Cron pattern.Cron `json:"cron"`
}

type priceTriggerRequest struct {
	Comparison  string `json:"comparison"`
	TargetPrice string `json:"target_price"`
	SourceAsset string `json:"source_asset"`
	DestAsset   string `json:"dest_asset"`
	Amount      string `json:"amount"`
	ChainID     int64  `json:"chain_id"`
}

func bindBody(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("fail to parse request, err: %v", err))
	}
	return nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func decimalParam(v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, echo.NewHTTPError(http.StatusBadRequest, "invalid target_price")
	}
	return d, nil
}

func comparison(v string) types.Comparison {
	return types.Comparison(strings.ToLower(strings.TrimSpace(v)))
}

func (s *Server) ScheduleOnce(c echo.Context) error {
	var req scheduleOnceRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	var (
		result service.ScheduleResult
		err    error
	)
	if req.At != nil {
		result, err = s.transfers.Schedule(ctx, req.request(userID(c)), pattern.Spec{Once: &pattern.Once{At: req.At}})
	} else {
		result, err = s.transfers.ScheduleOnce(ctx, req.request(userID(c)), time.Duration(req.DelaySeconds)*time.Second)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *Server) ScheduleRecurring(c echo.Context) error {
	var req scheduleRecurringRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	result, err := s.transfers.ScheduleRecurring(c.Request().Context(), req.request(userID(c)), req.Recurring)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *Server) ScheduleFromPattern(c echo.Context) error {
	var req schedulePatternRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	var start time.Time
	if req.Start != nil {
		start = *req.Start
	}
	result, err := s.transfers.ScheduleFromPattern(c.Request().Context(), req.request(userID(c)), req.Pattern, start, req.End)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *Server) ScheduleCron(c echo.Context) error {
	var req scheduleCronRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	result, err := s.transfers.Schedule(c.Request().Context(), req.request(userID(c)), pattern.Spec{Cron: &req.Cron})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *Server) ListTransfers(c echo.Context) error {
	take, _ := strconv.Atoi(c.QueryParam("take"))
	skip, _ := strconv.Atoi(c.QueryParam("skip"))
	transfers, err := s.transfers.ListTransfers(c.Request().Context(), userID(c), take, skip)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transfers)
}

func (s *Server) GetTransfer(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	transfer, err := s.transfers.GetTransfer(c.Request().Context(), id)
	if err != nil {
		return err
	}
	// other users' items are reported as missing
	if transfer.UserID != userID(c) {
		return storage.ErrNotFound
	}
	return c.JSON(http.StatusOK, transfer)
}

func (s *Server) ListTransferAttempts(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	transfer, err := s.transfers.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if transfer.UserID != userID(c) {
		return storage.ErrNotFound
	}
	attempts, err := s.transfers.ListAttempts(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, attempts)
}

func (s *Server) CreatePriceTrigger(c echo.Context) error {
	var req priceTriggerRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	target, err := decimalParam(req.TargetPrice)
	if err != nil {
		return err
	}
	trigger, err := s.transfers.CreatePriceTrigger(c.Request().Context(), service.PriceTriggerRequest{
		UserID:      userID(c),
		Comparison:  comparison(req.Comparison),
		TargetPrice: target,
		SourceAsset: req.SourceAsset,
		DestAsset:   req.DestAsset,
		Amount:      req.Amount,
		ChainID:     req.ChainID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, trigger)
}

func (s *Server) GetPriceTrigger(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	trigger, err := s.transfers.GetPriceTrigger(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if trigger.UserID != userID(c) {
		return storage.ErrNotFound
	}
	return c.JSON(http.StatusOK, trigger)
}

// CancelItem cancels a pending transfer or price trigger owned by the
// caller.
func (s *Server) CancelItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.checkOwner(c, id); err != nil {
		return err
	}
	if err := s.transfers.CancelTrigger(ctx, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) CancelSchedule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	transfers, err := s.transfers.ListTransfers(ctx, userID(c), 500, 0)
	if err != nil {
		return err
	}
	owned := false
	for _, t := range transfers {
		if t.ScheduleID == id {
			owned = true
			break
		}
	}
	if !owned {
		return storage.ErrNotFound
	}
	n, err := s.transfers.CancelSchedule(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"cancelled": n})
}

func (s *Server) IsReady(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := s.checkOwner(c, id); err != nil {
		return err
	}
	r, err := s.transfers.IsReady(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"ready":                  r.Ready,
		"time_remaining_seconds": int64(r.TimeRemaining.Seconds()),
		"status":                 r.Status,
	})
}

func (s *Server) SweepNow(c echo.Context) error {
	result, err := s.transfers.SweepNow(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	if result.Queued {
		return c.JSON(http.StatusAccepted, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) RefreshToken(c echo.Context) error {
	token, err := s.authService.GenerateToken(userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"token": token})
}

// checkOwner returns storage.ErrNotFound unless id is a transfer or trigger
// of the caller.
func (s *Server) checkOwner(c echo.Context, id uuid.UUID) error {
	ctx := c.Request().Context()
	if transfer, err := s.transfers.GetTransfer(ctx, id); err == nil {
		if transfer.UserID != userID(c) {
			return storage.ErrNotFound
		}
		return nil
	}
	trigger, err := s.transfers.GetPriceTrigger(ctx, id)
	if err != nil {
		return err
	}
	if trigger.UserID != userID(c) {
		return storage.ErrNotFound
	}
	return nil
}
