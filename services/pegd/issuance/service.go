package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cryptofiat/native/peg"
	"cryptofiat/observability"
	"cryptofiat/services/pegd/storage"
)

// ErrSupplyMismatch is returned by Bootstrap when persisted ledger entries do
// not sum to the persisted total supply.
var ErrSupplyMismatch = errors.New("persisted ledger entries disagree with stored supply")

// Service fronts the issuance engine with persistence, tracing and metrics.
type Service struct {
	engine *peg.Engine
	store  *storage.Storage
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the clock used for journal timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type requestMeta struct {
	orderID string
	actor   common.Address
}

type requestMetaKey struct{}

// New builds the engine described by cfg and journals it into store. A nil
// store runs the engine purely in memory.
func New(cfg peg.Config, store *storage.Storage, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("pegd/issuance"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if store != nil {
		cfg.Journal = s
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	engine, err := peg.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Engine exposes the wrapped engine for read paths.
func (s *Service) Engine() *peg.Engine { return s.engine }

// Bootstrap restores persisted engine state. A fresh database leaves the
// configured defaults in place.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	state, found, err := s.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !found {
		s.logger.Info("pegd: no persisted state, starting from configured rates")
		s.RefreshGauges()
		return nil
	}
	for _, c := range peg.Currencies {
		stored, err := s.store.StoredSupply(ctx, c)
		if err != nil {
			return err
		}
		sum := new(uint256.Int)
		for _, entry := range state.Holders[c] {
			if entry.Balance == nil {
				continue
			}
			if _, overflow := sum.AddOverflow(sum, entry.Balance); overflow {
				return fmt.Errorf("%s: %w", c.Symbol(), peg.ErrOverflow)
			}
		}
		if !sum.Eq(stored) {
			return fmt.Errorf("%w: %s entries %s, supply %s", ErrSupplyMismatch, c.Symbol(), sum.Dec(), stored.Dec())
		}
	}
	configured := s.engine.Rates()
	for _, c := range peg.Currencies {
		persisted, ok := state.Rates[c]
		if ok && persisted != configured[c] {
			s.logger.Error("pegd: configured rate ignored, persisted rate wins",
				"currency", c.Symbol(),
				"configured", configured[c],
				"persisted", persisted)
		}
	}
	if err := s.engine.Restore(state); err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}
	s.logger.Info("pegd: restored persisted state",
		"native_balance", state.Reserve.NativeBalance.Dec(),
		"holders_usd", len(state.Holders[peg.USD]),
		"holders_eur", len(state.Holders[peg.EUR]))
	s.RefreshGauges()
	return nil
}

// Commit journals a checkpoint together with the order id and actor carried
// on ctx.
func (s *Service) Commit(ctx context.Context, cp peg.Checkpoint) error {
	meta, _ := ctx.Value(requestMetaKey{}).(requestMeta)
	if meta.orderID == "" {
		meta.orderID = uuid.NewString()
	}
	return s.store.Commit(ctx, storage.CommitRecord{
		Checkpoint: cp,
		OrderID:    meta.orderID,
		Actor:      meta.actor,
		At:         s.now(),
	})
}

// BuyResult is a committed buy plus its journal id.
type BuyResult struct {
	OrderID string
	Receipt peg.BuyReceipt
}

// Buy mints tokens of c for investor against amountIn native base units.
func (s *Service) Buy(ctx context.Context, c peg.Currency, investor common.Address, amountIn *uint256.Int) (BuyResult, error) {
	orderID := uuid.NewString()
	ctx, span := s.startSpan(ctx, "peg.buy", c, orderID)
	defer span.End()
	start := time.Now()
	ctx = context.WithValue(ctx, requestMetaKey{}, requestMeta{orderID: orderID, actor: investor})
	receipt, err := s.engine.Buy(ctx, c, investor, amountIn)
	s.finish(span, "buy", c, start, err)
	if err != nil {
		s.logger.Warn("pegd: buy rejected",
			"order_id", orderID,
			"currency", c.String(),
			"investor", investor.Hex(),
			"error", err)
		return BuyResult{}, err
	}
	span.SetAttributes(attribute.String("peg.minted", receipt.Minted.Dec()))
	observability.Events().RecordOrder(string(peg.OrderBuy), c.String(), receipt.NativeIn.ToBig(), receipt.Minted.ToBig())
	s.logger.Info("pegd: buy committed",
		"order_id", orderID,
		"currency", c.String(),
		"investor", investor.Hex(),
		"native_in", receipt.NativeIn.Dec(),
		"minted", receipt.Minted.Dec(),
		"rate", receipt.Rate)
	s.RefreshGauges()
	return BuyResult{OrderID: orderID, Receipt: receipt}, nil
}

// SellResult is a committed sell plus its journal id.
type SellResult struct {
	OrderID string
	Receipt peg.SellReceipt
}

// Sell burns tokens of c held by investor and reports the native payout.
func (s *Service) Sell(ctx context.Context, c peg.Currency, investor common.Address, tokens *uint256.Int) (SellResult, error) {
	orderID := uuid.NewString()
	ctx, span := s.startSpan(ctx, "peg.sell", c, orderID)
	defer span.End()
	start := time.Now()
	ctx = context.WithValue(ctx, requestMetaKey{}, requestMeta{orderID: orderID, actor: investor})
	receipt, err := s.engine.Sell(ctx, c, investor, tokens)
	s.finish(span, "sell", c, start, err)
	if err != nil {
		s.logger.Warn("pegd: sell rejected",
			"order_id", orderID,
			"currency", c.String(),
			"investor", investor.Hex(),
			"error", err)
		return SellResult{}, err
	}
	span.SetAttributes(attribute.String("peg.payout", receipt.Payout.Dec()))
	observability.Events().RecordOrder(string(peg.OrderSell), c.String(), receipt.Payout.ToBig(), receipt.Burned.ToBig())
	s.logger.Info("pegd: sell committed",
		"order_id", orderID,
		"currency", c.String(),
		"investor", investor.Hex(),
		"burned", receipt.Burned.Dec(),
		"payout", receipt.Payout.Dec(),
		"rate", receipt.Rate)
	s.RefreshGauges()
	return SellResult{OrderID: orderID, Receipt: receipt}, nil
}

// SetRate applies an administrator rate update and rebalances the buffer.
func (s *Service) SetRate(ctx context.Context, caller common.Address, c peg.Currency, rate int64) (peg.RateChange, error) {
	ctx, span := s.startSpan(ctx, "peg.set_rate", c, "")
	defer span.End()
	span.SetAttributes(attribute.Int64("peg.rate", rate))
	start := time.Now()
	ctx = context.WithValue(ctx, requestMetaKey{}, requestMeta{orderID: uuid.NewString(), actor: caller})
	change, err := s.engine.SetRate(ctx, caller, c, rate)
	s.finish(span, "set_rate", c, start, err)
	if err != nil {
		s.logger.Warn("pegd: rate update rejected",
			"currency", c.String(),
			"caller", caller.Hex(),
			"rate", rate,
			"error", err)
		return peg.RateChange{}, err
	}
	observability.Events().RecordRateChange(c.String(), change.OldRate, change.NewRate)
	s.logger.Info("pegd: rate updated",
		"currency", c.String(),
		"old_rate", change.OldRate,
		"new_rate", change.NewRate,
		"buffer_before", change.BufferBefore.Dec(),
		"buffer_after", change.BufferAfter.Dec(),
		"policy", change.Policy)
	s.RefreshGauges()
	return change, nil
}

// Orders lists the investor's journaled orders, newest first.
func (s *Service) Orders(ctx context.Context, investor common.Address, limit int) ([]storage.OrderRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListOrders(ctx, investor, limit)
}

// RateChanges lists the journaled rate updates for c, newest first.
func (s *Service) RateChanges(ctx context.Context, c peg.Currency, limit int) ([]storage.RateChangeRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListRateChanges(ctx, c, limit)
}

// Solvency returns the current reserve coverage report.
func (s *Service) Solvency() (peg.Solvency, error) {
	return s.engine.Solvency()
}

// RefreshGauges publishes reserve, supply and rate gauges.
func (s *Service) RefreshGauges() {
	metrics := observability.Peg()
	unit := s.engine.NativeUnit().ToBig()
	buffers := make(map[string]*big.Int, len(peg.Currencies))
	for _, c := range peg.Currencies {
		if share, err := s.engine.BufferOf(c); err == nil {
			buffers[c.String()] = share.ToBig()
		}
		if supply, err := s.engine.TotalSupply(c); err == nil {
			metrics.RecordSupply(c.String(), supply.ToBig())
		}
		if rate, err := s.engine.Rate(c); err == nil {
			metrics.RecordRate(c.String(), rate)
		}
	}
	metrics.RecordReserve(s.engine.NativeBalance().ToBig(), s.engine.Dividends().ToBig(), unit, buffers)
	if report, err := s.engine.Solvency(); err == nil {
		metrics.RecordCollateralRatio(report.CollateralRatioBps)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, c peg.Currency, orderID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("peg.currency", c.String())}
	if orderID != "" {
		attrs = append(attrs, attribute.String("peg.order_id", orderID))
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Service) finish(span trace.Span, operation string, c peg.Currency, start time.Time, err error) {
	reason := peg.ErrorCode(err)
	observability.Peg().Observe(operation, c.String(), time.Since(start), reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return
	}
	span.SetStatus(codes.Ok, "")
}
