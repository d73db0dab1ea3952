package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultLiveTimeout = 250 * time.Millisecond

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("query source unavailable")
)

// Executor runs fn on the goroutine that owns the processor, so reads see
// the state between two commands.
type Executor interface {
	Exec(ctx context.Context, fn func()) error
}

// Projection is the Redis read model used when the live path is busy.
type Projection interface {
	Position(ctx context.Context, owner common.Address) (*core.PositionView, error)
	System(ctx context.Context) (*projection.SystemState, error)
	Riskiest(ctx context.Context, n int64) ([]common.Address, error)
	History(ctx context.Context, owner common.Address, n int64) ([]projection.HistoryEntry, error)
	Watermark(ctx context.Context) (int64, error)
}

// EventLog is the persisted log.
type EventLog interface {
	LoadEventsFrom(ctx context.Context, from int64, limit int) ([]persistence.EventRow, error)
	LatestSequence(ctx context.Context) (int64, error)
	AccountJournals(ctx context.Context, accountPath string, limit int) ([]persistence.JournalRow, error)
}

// QueryService answers reads from the live ledger and falls back to the
// Redis projection when the processor does not answer in time. Every
// response carries as_of_sequence.
type QueryService struct {
	exec        Executor
	proc        *core.Processor
	cache       Projection // optional
	events      EventLog   // optional
	liveTimeout time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewQueryService(exec Executor, proc *core.Processor, metrics *observability.Metrics, logger zerolog.Logger) *QueryService {
	return &QueryService{
		exec:        exec,
		proc:        proc,
		liveTimeout: defaultLiveTimeout,
		metrics:     metrics,
		logger:      logger,
	}
}

// SetProjection enables the Redis fallback and history reads.
func (qs *QueryService) SetProjection(p Projection) { qs.cache = p }

// SetEventLog enables journal history and chain verification.
func (qs *QueryService) SetEventLog(l EventLog) { qs.events = l }

func (qs *QueryService) SetLiveTimeout(d time.Duration) { qs.liveTimeout = d }

// live runs fn against the processor, bounded by the live timeout.
func (qs *QueryService) live(ctx context.Context, fn func(asOf int64)) error {
	ctx, cancel := context.WithTimeout(ctx, qs.liveTimeout)
	defer cancel()
	return qs.exec.Exec(ctx, func() {
		fn(qs.proc.GetSequence() - 1)
	})
}

func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// ============================================================================
// Positions
// ============================================================================

// GetPosition returns owner's position with pending rewards applied.
func (qs *QueryService) GetPosition(ctx context.Context, owner common.Address) (resp *PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("position", start, err) }(time.Now())

	var lookupErr error
	liveErr := qs.live(ctx, func(asOf int64) {
		l := qs.proc.Ledger()
		v, e := l.Position(owner)
		if e != nil {
			lookupErr = fmt.Errorf("%w: %v", ErrNotFound, e)
			return
		}
		price, _ := l.Price()
		resp = newPositionResponse(v, price, asOf, SourceLive)
	})
	if liveErr == nil {
		return resp, lookupErr
	}

	qs.logger.Debug().Err(liveErr).Msg("live position read failed, using projection")
	return qs.projectedPosition(ctx, owner)
}

func (qs *QueryService) projectedPosition(ctx context.Context, owner common.Address) (*PositionResponse, error) {
	if qs.cache == nil {
		return nil, ErrUnavailable
	}
	v, err := qs.cache.Position(ctx, owner)
	if errors.Is(err, projection.ErrNotProjected) {
		return nil, fmt.Errorf("%w: no position for %s", ErrNotFound, owner.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sys, err := qs.cache.System(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return newPositionResponse(*v, sys.Price, sys.Sequence, SourceProjection), nil
}

// GetRiskiest returns up to n active positions from the lowest NICR upward.
func (qs *QueryService) GetRiskiest(ctx context.Context, n int) (out []PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("riskiest", start, err) }(time.Now())

	liveErr := qs.live(ctx, func(asOf int64) {
		l := qs.proc.Ledger()
		price, _ := l.Price()
		owners := l.SortedOwners()
		for i := len(owners) - 1; i >= 0 && len(out) < n; i-- {
			if v, e := l.Position(owners[i]); e == nil {
				out = append(out, *newPositionResponse(v, price, asOf, SourceLive))
			}
		}
	})
	if liveErr == nil {
		return out, nil
	}

	if qs.cache == nil {
		return nil, ErrUnavailable
	}
	owners, err := qs.cache.Riskiest(ctx, int64(n))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out = make([]PositionResponse, 0, len(owners))
	for _, o := range owners {
		p, err := qs.projectedPosition(ctx, o)
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func newPositionResponse(v core.PositionView, price fpmath.Fixed, asOf int64, source string) *PositionResponse {
	var c fpmath.Calc
	entireColl := c.Add(v.Coll, v.PendingColl)
	entireDebt := c.Add(v.Debt, v.PendingDebt)

	resp := &PositionResponse{
		Owner:        v.Owner.Hex(),
		Status:       v.Status,
		Coll:         dec(v.Coll),
		Debt:         dec(v.Debt),
		PendingColl:  dec(v.PendingColl),
		PendingDebt:  dec(v.PendingDebt),
		EntireColl:   dec(entireColl),
		EntireDebt:   dec(entireDebt),
		Stake:        dec(v.Stake),
		Version:      v.Version,
		AsOfSequence: asOf,
		Source:       source,
	}
	if v.Status == state.StatusActive.String() && c.Err() == nil {
		resp.NICR = ratio(v.NICR)
		if !price.IsZero() {
			resp.ICR = ratio(fpmath.ComputeCR(entireColl, entireDebt, price))
		}
	}
	return resp
}

// ============================================================================
// System
// ============================================================================

// GetSystem returns protocol totals, TCR and the current fee rates.
func (qs *QueryService) GetSystem(ctx context.Context) (resp *SystemResponse, err error) {
	defer func(start time.Time) { qs.observe("system", start, err) }(time.Now())

	var readErr error
	liveErr := qs.live(ctx, func(asOf int64) {
		l := qs.proc.Ledger()
		price, _ := l.Price()
		resp = newSystemResponse(l.System(), price, asOf, SourceLive)
		if price.IsZero() {
			return
		}
		tcr, e := l.TCR(price)
		if e != nil {
			readErr = e
			return
		}
		resp.TCR = ratio(tcr)
		if resp.RecoveryMode, e = l.RecoveryMode(price); e != nil {
			readErr = e
			return
		}
		now := time.Now()
		if r, e := l.BorrowingRate(now); e == nil {
			d := dec(r)
			resp.BorrowingRate = &d
		}
		if r, e := l.RedemptionRate(now); e == nil {
			d := dec(r)
			resp.RedemptionRate = &d
		}
	})
	if liveErr == nil {
		return resp, readErr
	}

	if qs.cache == nil {
		return nil, ErrUnavailable
	}
	sys, err := qs.cache.System(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp = newSystemResponse(sys.SystemView, sys.Price, sys.Sequence, SourceProjection)
	resp.TCR = ratio(sys.TCR)
	return resp, nil
}

func newSystemResponse(sys core.SystemView, price fpmath.Fixed, asOf int64, source string) *SystemResponse {
	return &SystemResponse{
		Price:          dec(price),
		ActiveColl:     dec(sys.ActiveColl),
		ActiveDebt:     dec(sys.ActiveDebt),
		DefaultColl:    dec(sys.DefaultColl),
		DefaultDebt:    dec(sys.DefaultDebt),
		SurplusColl:    dec(sys.SurplusColl),
		GasPool:        dec(sys.GasPool),
		TotalSupply:    dec(sys.TotalSupply),
		TotalStakes:    dec(sys.TotalStakes),
		BufferDeposits: dec(sys.BufferDeposits),
		BufferColl:     dec(sys.BufferColl),
		BufferP:        dec(sys.BufferP),
		BufferEpoch:    sys.BufferEpoch,
		BufferScale:    sys.BufferScale,
		LColl:          dec(sys.LColl),
		LDebt:          dec(sys.LDebt),
		BaseRate:       dec(sys.BaseRate),
		PositionCount:  sys.PositionCount,
		AsOfSequence:   asOf,
		Source:         source,
	}
}

// ============================================================================
// Balances and quotes (live only)
// ============================================================================

// GetBalance returns owner's custody balances and claimable amounts.
func (qs *QueryService) GetBalance(ctx context.Context, owner common.Address) (resp *BalanceResponse, err error) {
	defer func(start time.Time) { qs.observe("balance", start, err) }(time.Now())

	var readErr error
	if liveErr := qs.live(ctx, func(asOf int64) {
		l := qs.proc.Ledger()
		deposit, e := l.CompoundedDeposit(owner)
		if e != nil {
			readErr = e
			return
		}
		gain, e := l.CollateralGain(owner)
		if e != nil {
			readErr = e
			return
		}
		book := qs.proc.Book()
		resp = &BalanceResponse{
			Owner:          owner.Hex(),
			FreeCollateral: dec(book.CollateralOf(owner)),
			DebtTokens:     dec(book.BalanceOf(owner)),
			Surplus:        dec(l.SurplusOf(owner)),
			BufferDeposit:  dec(deposit),
			CollateralGain: dec(gain),
			AsOfSequence:   asOf,
		}
	}); liveErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, liveErr)
	}
	return resp, readErr
}

// GetInsertHint returns the neighbours a position with nicr would sit
// between, starting the search from the given hints.
func (qs *QueryService) GetInsertHint(ctx context.Context, nicr fpmath.Fixed, prev, next common.Address) (resp *InsertHintResponse, err error) {
	defer func(start time.Time) { qs.observe("insert_hint", start, err) }(time.Now())

	if liveErr := qs.live(ctx, func(asOf int64) {
		p, n := qs.proc.Ledger().FindInsertPosition(nicr, prev, next)
		resp = &InsertHintResponse{Prev: p.Hex(), Next: n.Hex(), AsOfSequence: asOf}
	}); liveErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, liveErr)
	}
	return resp, nil
}

// GetRedemptionHints simulates a redemption of amount at the current price.
func (qs *QueryService) GetRedemptionHints(ctx context.Context, amount fpmath.Fixed, maxIterations int) (resp *RedemptionHintResponse, err error) {
	defer func(start time.Time) { qs.observe("redemption_hints", start, err) }(time.Now())

	var readErr error
	if liveErr := qs.live(ctx, func(asOf int64) {
		l := qs.proc.Ledger()
		price, e := l.Price()
		if e != nil {
			readErr = e
			return
		}
		first, nicr, truncated, e := l.RedemptionHints(amount, price, maxIterations)
		if e != nil {
			readErr = e
			return
		}
		resp = &RedemptionHintResponse{
			FirstHint:       first.Hex(),
			PartialNICR:     dec(nicr),
			TruncatedAmount: dec(truncated),
			AsOfSequence:    asOf,
		}
	}); liveErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, liveErr)
	}
	return resp, readErr
}

// GetBorrowingFee quotes the fee for drawing debt now.
func (qs *QueryService) GetBorrowingFee(ctx context.Context, debt fpmath.Fixed) (resp *FeeQuote, err error) {
	defer func(start time.Time) { qs.observe("borrowing_fee", start, err) }(time.Now())

	var readErr error
	if liveErr := qs.live(ctx, func(asOf int64) {
		l := qs.proc.Ledger()
		now := time.Now()
		rate, e := l.BorrowingRate(now)
		if e != nil {
			readErr = e
			return
		}
		fee, e := fpmath.Mul(debt, rate)
		if e != nil {
			readErr = e
			return
		}
		resp = &FeeQuote{Debt: dec(debt), Rate: dec(rate), Fee: dec(fee), AsOfSequence: asOf}
	}); liveErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, liveErr)
	}
	return resp, readErr
}

// ============================================================================
// History
// ============================================================================

// GetHistory returns the newest liquidations and redemptions that hit
// owner's position.
func (qs *QueryService) GetHistory(ctx context.Context, owner common.Address, limit int) (out []HistoryResponse, err error) {
	defer func(start time.Time) { qs.observe("history", start, err) }(time.Now())

	if qs.cache == nil {
		return nil, ErrUnavailable
	}
	entries, err := qs.cache.History(ctx, owner, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out = make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			Sequence:  e.Sequence,
			Kind:      e.Kind,
			Initiator: e.Initiator.Hex(),
			Mode:      e.Mode,
			Debt:      dec(e.Debt),
			Coll:      dec(e.Coll),
			Surplus:   dec(e.Surplus),
			Closed:    e.Closed,
			Price:     dec(e.Price),
			Timestamp: e.Timestamp,
		})
	}
	return out, nil
}

// GetJournalHistory returns persisted journal lines touching owner's
// account for asset, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, owner common.Address, asset ledger.AssetID, limit int) (out []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("journals", start, err) }(time.Now())

	if qs.events == nil {
		return nil, ErrUnavailable
	}
	rows, err := qs.events.AccountJournals(ctx, ledger.NewAccountKey(owner, asset).AccountPath(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out = make([]JournalHistoryEntry, 0, len(rows))
	for _, r := range rows {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s amount %q: %w", r.JournalID, r.Amount, err)
		}
		out = append(out, JournalHistoryEntry{
			JournalID:     r.JournalID,
			BatchID:       r.BatchID,
			EventRef:      r.EventRef,
			Sequence:      r.Sequence,
			DebitAccount:  r.DebitAccount,
			CreditAccount: r.CreditAccount,
			AssetID:       r.AssetID,
			Amount:        amount,
			JournalType:   r.JournalType,
			Timestamp:     r.EventTime,
		})
	}
	return out, nil
}

// ============================================================================
// Admin
// ============================================================================

// GetEventLogInfo compares the persisted, applied and projected heads.
func (qs *QueryService) GetEventLogInfo(ctx context.Context) (*EventLogInfo, error) {
	info := &EventLogInfo{
		PersistedSequence: -1,
		AppliedSequence:   qs.proc.AppliedSequence(),
		ProjectedSequence: -1,
	}
	if qs.events != nil {
		seq, err := qs.events.LatestSequence(ctx)
		if err != nil {
			return nil, err
		}
		info.PersistedSequence = seq
	}
	if qs.cache != nil {
		if seq, err := qs.cache.Watermark(ctx); err == nil {
			info.ProjectedSequence = seq
		}
	}
	if err := qs.live(ctx, func(int64) {
		h := qs.proc.GetStateHash()
		info.StateHash = hex.EncodeToString(h[:])
	}); err != nil {
		qs.logger.Debug().Err(err).Msg("state hash unavailable")
	}
	return info, nil
}

// VerifyIntegrity walks up to limit persisted events from sequence from
// and checks that sequences are contiguous and each prev_hash links to the
// previous state_hash.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, from int64, limit int) (*IntegrityReport, error) {
	if qs.events == nil {
		return nil, ErrUnavailable
	}
	report := &IntegrityReport{LastSequence: -1}

	var prev *persistence.EventRow
	const page = 1000
	for report.Checked < int64(limit) {
		n := page
		if rest := int64(limit) - report.Checked; rest < int64(n) {
			n = int(rest)
		}
		rows, err := qs.events.LoadEventsFrom(ctx, from, n)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for i := range rows {
			row := &rows[i]
			if prev != nil {
				if row.Sequence != prev.Sequence+1 {
					report.SequenceGaps = append(report.SequenceGaps, row.Sequence)
				} else if row.PrevHash != prev.StateHash {
					report.HashChainBreaks = append(report.HashChainBreaks, row.Sequence)
				}
			} else if row.Sequence == 0 && row.PrevHash != core.GenesisHash() {
				report.HashChainBreaks = append(report.HashChainBreaks, 0)
			}
			prev = row
			report.Checked++
			report.LastSequence = row.Sequence
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}
