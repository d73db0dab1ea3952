package core

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Ledger is the CDP core: positions, the sorted index, the vaults, the
// stability buffer and the fee schedule, plus the collaborators that hold
// debt tokens and collateral.
//
// Every mutating operation runs in two phases. Validation and all arithmetic
// happen first against unmodified state; any error there leaves the ledger
// untouched. The commit phase then applies the precomputed values and settles
// the journal batch. A failure during commit means the accounting is broken
// and the ledger panics rather than continue from a half-applied state.
type Ledger struct {
	mu sync.RWMutex

	params       *state.ParamsManager
	positions    *state.PositionManager
	index        *state.SortedPositions
	vaults       *state.Vaults
	buffer       *state.StabilityBuffer
	fees         *state.FeeSchedule
	margin       *state.MarginCalculator
	liquidations *state.LiquidationManager

	priceFeed  PriceFeed
	debtToken  DebtToken
	collateral CollateralMover
	book       BatchBook // Set when both collaborators settle through one book
	journalGen *ledger.JournalGenerator

	logger zerolog.Logger
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// setJournalSequence stamps the next batch with seq.
func (l *Ledger) setJournalSequence(seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journalGen.SetSequence(seq)
}

// WithJournalSequence starts batch numbering at seq.
func WithJournalSequence(seq int64) Option {
	return func(lg *Ledger) { lg.journalGen.SetSequence(seq) }
}

// NewLedger builds an empty ledger over the given collaborators.
func NewLedger(p state.Params, feed PriceFeed, token DebtToken, coll CollateralMover, opts ...Option) (*Ledger, error) {
	if feed == nil || token == nil || coll == nil {
		return nil, errors.New("ledger needs a price feed, a debt token and a collateral mover")
	}
	paramsMgr, err := state.NewParamsManager(p)
	if err != nil {
		return nil, err
	}

	positions := state.NewPositionManager()
	vaults := state.NewVaults()
	l := &Ledger{
		params:       paramsMgr,
		positions:    positions,
		index:        state.NewSortedPositions(p.MaxPositions),
		vaults:       vaults,
		buffer:       state.NewStabilityBuffer(),
		fees:         state.NewFeeSchedule(),
		margin:       state.NewMarginCalculator(positions, vaults, paramsMgr),
		liquidations: state.NewLiquidationManager(paramsMgr),
		priceFeed:    feed,
		debtToken:    token,
		collateral:   coll,
		journalGen:   ledger.NewJournalGenerator(0),
		logger:       zerolog.Nop(),
	}
	if b, ok := token.(BatchBook); ok && any(token) == any(coll) {
		l.book = b
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewLedgerWithBook builds a ledger whose debt token and collateral both
// live in one BalanceTracker.
func NewLedgerWithBook(p state.Params, feed PriceFeed, book *ledger.BalanceTracker, opts ...Option) (*Ledger, error) {
	return NewLedger(p, feed, book, book, opts...)
}

// ============================================================================
// Commit helpers
// ============================================================================

// mustCommit aborts on a commit-phase failure. Every such failure was ruled
// out during validation, so reaching it means an accounting invariant broke.
func mustCommit(err error, what string) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: %s: %v", what, err))
	}
}

func (l *Ledger) newBatch(h *event.Header) *ledger.Batch {
	return l.journalGen.NewBatch(h.IdempotencyKey(), h.Timestamp)
}

// checkBatch rejects a batch the collaborators could not settle. Without a
// shared book only the caller-side balances were checked up front.
func (l *Ledger) checkBatch(batch *ledger.Batch) error {
	if l.book == nil || batch.IsEmpty() {
		return nil
	}
	if err := l.book.CheckBatch(batch); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// settle moves tokens and collateral for a committed operation.
func (l *Ledger) settle(batch *ledger.Batch) {
	if batch.IsEmpty() {
		return
	}
	if l.book != nil {
		mustCommit(l.book.ApplyBatch(batch), "settle batch")
		return
	}

	for _, j := range batch.Journals {
		var err error
		switch j.JournalType {
		case ledger.JournalTypeMint:
			err = l.debtToken.Mint(j.DebitAccount.Address, j.Amount)
		case ledger.JournalTypeBurn:
			err = l.debtToken.Burn(j.CreditAccount.Address, j.Amount)
		case ledger.JournalTypeDebtTransfer:
			err = l.debtToken.Transfer(j.CreditAccount.Address, j.DebitAccount.Address, j.Amount)
		case ledger.JournalTypeCollateralMove:
			err = l.collateral.MoveCollateral(j.CreditAccount.Address, j.DebitAccount.Address, j.Amount)
		case ledger.JournalTypeCollateralDeposit:
			err = l.gate().Fund(j.DebitAccount.Address, j.Amount)
		case ledger.JournalTypeCollateralWithdrawal:
			err = l.gate().Release(j.CreditAccount.Address, j.Amount)
		default:
			err = fmt.Errorf("unknown journal type %s", j.JournalType)
		}
		mustCommit(err, "settle "+j.JournalType.String())
	}
}

func (l *Ledger) gate() CollateralGate {
	g, _ := l.collateral.(CollateralGate)
	return g
}

// price reads the feed, rejecting a missing or zero price.
func (l *Ledger) price() (fpmath.Fixed, error) {
	p, err := l.priceFeed.CurrentPrice()
	if err != nil {
		return fpmath.Zero, fmt.Errorf("price feed: %w", err)
	}
	if p.IsZero() {
		return fpmath.Zero, fmt.Errorf("%w: price is zero", ErrState)
	}
	return p, nil
}

// Price returns the last accepted feed price.
func (l *Ledger) Price() (fpmath.Fixed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.price()
}

func requireSender(h *event.Header) error {
	if h.Sender == (common.Address{}) {
		return fmt.Errorf("%w: sender is the zero address", ErrValidation)
	}
	if ledger.IsSystemAddress(h.Sender) {
		return fmt.Errorf("%w: sender %s is a protocol pool", ErrValidation, h.Sender.Hex())
	}
	return nil
}

// requireMaxFee bounds the borrower's fee tolerance: [floor, 100%] in normal
// mode, [0, 100%] in recovery mode.
func requireMaxFee(p *state.Params, maxFee fpmath.Fixed, recovery bool) error {
	if maxFee.Gt(fpmath.One) {
		return fmt.Errorf("%w: max fee %s above 100%%", ErrValidation, maxFee)
	}
	if !recovery && maxFee.Lt(p.BorrowingFeeFloor) {
		return fmt.Errorf("%w: max fee %s below floor %s", ErrValidation, maxFee, p.BorrowingFeeFloor)
	}
	return nil
}

// ============================================================================
// Parameters
// ============================================================================

// UpdateParams replaces the protocol parameters.
func (l *Ledger) UpdateParams(p state.Params) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.params.Update(p); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	l.index.SetMaxSize(p.MaxPositions)
	l.logger.Info().
		Str("mcr", p.MCR.String()).
		Str("ccr", p.CCR.String()).
		Int64("effective_seq", p.EffectiveSeq).
		Msg("params updated")
	return nil
}

// Params returns the active parameters.
func (l *Ledger) Params() state.Params {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.params.Get()
}

// ============================================================================
// Read-only queries
// ============================================================================

// PositionView is a point-in-time copy of a position with its pending
// rewards folded in.
type PositionView struct {
	Owner       common.Address `json:"owner"`
	Status      string         `json:"status"`
	Coll        fpmath.Fixed   `json:"coll"`
	Debt        fpmath.Fixed   `json:"debt"`
	Stake       fpmath.Fixed   `json:"stake"`
	PendingColl fpmath.Fixed   `json:"pending_coll"`
	PendingDebt fpmath.Fixed   `json:"pending_debt"`
	NICR        fpmath.Fixed   `json:"nicr"`
	Version     int64          `json:"version"`
}

// Position returns the owner's position, or ErrState if the owner never
// opened one.
func (l *Ledger) Position(owner common.Address) (PositionView, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positionView(owner)
}

func (l *Ledger) positionView(owner common.Address) (PositionView, error) {
	pos := l.positions.GetPosition(owner)
	if pos == nil {
		return PositionView{}, fmt.Errorf("%w: no position for %s", ErrState, owner.Hex())
	}
	pendingColl, pendingDebt, err := l.positions.PendingRewards(pos)
	if err != nil {
		return PositionView{}, err
	}
	v := PositionView{
		Owner:       owner,
		Status:      pos.Status.String(),
		Coll:        pos.Coll,
		Debt:        pos.Debt,
		Stake:       pos.Stake,
		PendingColl: pendingColl,
		PendingDebt: pendingDebt,
		Version:     pos.Version,
	}
	if pos.IsActive() {
		v.NICR = l.positions.NICR(owner)
	}
	return v, nil
}

// PositionViews returns views for the given owners, skipping owners that
// never opened a position. Duplicates are dropped and the result is ordered
// by address.
func (l *Ledger) PositionViews(owners []common.Address) []PositionView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PositionView, 0, len(owners))
	for _, owner := range sortedUnique(owners) {
		if v, err := l.positionView(owner); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// canonicalPositions returns the hashing bytes of the given owners'
// positions, ordered by address.
func (l *Ledger) canonicalPositions(owners []common.Address) [][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([][]byte, 0, len(owners))
	for _, owner := range sortedUnique(owners) {
		if pos := l.positions.GetPosition(owner); pos != nil {
			out = append(out, pos.CanonicalBytes())
		}
	}
	return out
}

func sortedUnique(owners []common.Address) []common.Address {
	out := make([]common.Address, 0, len(owners))
	seen := make(map[common.Address]bool, len(owners))
	for _, o := range owners {
		if o == (common.Address{}) || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// EntireDebtAndColl returns the owner's debt and collateral including
// pending redistribution.
func (l *Ledger) EntireDebtAndColl(owner common.Address) (debt, coll fpmath.Fixed, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos := l.positions.GetPosition(owner)
	if !pos.IsActive() {
		return fpmath.Zero, fpmath.Zero, fmt.Errorf("%w: %s has no active position", ErrState, owner.Hex())
	}
	return l.positions.EntireDebtAndColl(pos)
}

// PendingRewards returns the redistributed collateral and debt not yet
// applied to the owner's position.
func (l *Ledger) PendingRewards(owner common.Address) (coll, debt fpmath.Fixed, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos := l.positions.GetPosition(owner)
	if pos == nil {
		return fpmath.Zero, fpmath.Zero, nil
	}
	return l.positions.PendingRewards(pos)
}

// ICR returns the owner's collateral ratio at price.
func (l *Ledger) ICR(owner common.Address, price fpmath.Fixed) (fpmath.Fixed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positions.ICR(owner, price)
}

// NICR returns the owner's nominal collateral ratio.
func (l *Ledger) NICR(owner common.Address) fpmath.Fixed {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positions.NICR(owner)
}

// TCR returns the system collateral ratio at price.
func (l *Ledger) TCR(price fpmath.Fixed) (fpmath.Fixed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.margin.TCR(price)
}

// RecoveryMode reports whether TCR < CCR at price.
func (l *Ledger) RecoveryMode(price fpmath.Fixed) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.margin.CheckRecoveryMode(price)
}

// CompoundedDeposit returns the depositor's buffer deposit after losses.
func (l *Ledger) CompoundedDeposit(owner common.Address) (fpmath.Fixed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buffer.CompoundedDeposit(owner)
}

// CollateralGain returns the depositor's unclaimed collateral gain.
func (l *Ledger) CollateralGain(owner common.Address) (fpmath.Fixed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buffer.CollateralGain(owner)
}

// SurplusOf returns the owner's claimable surplus collateral.
func (l *Ledger) SurplusOf(owner common.Address) fpmath.Fixed {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vaults.SurplusOf(owner)
}

// BorrowingRate returns the borrowing fee rate at now.
func (l *Ledger) BorrowingRate(now time.Time) (fpmath.Fixed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p := l.params.Get()
	base, err := l.fees.DecayedBaseRate(&p, now)
	if err != nil {
		return fpmath.Zero, err
	}
	return state.BorrowingRate(&p, base), nil
}

// RedemptionRate returns the redemption fee rate at now, before the
// redemption's own bump.
func (l *Ledger) RedemptionRate(now time.Time) (fpmath.Fixed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p := l.params.Get()
	base, err := l.fees.DecayedBaseRate(&p, now)
	if err != nil {
		return fpmath.Zero, err
	}
	return state.RedemptionRate(&p, base), nil
}

// BorrowingFee returns the fee for borrowing debt at now.
func (l *Ledger) BorrowingFee(debt fpmath.Fixed, now time.Time) (fpmath.Fixed, error) {
	rate, err := l.BorrowingRate(now)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.Mul(debt, rate)
}

// FindInsertPosition returns the (prev, next) neighbours for nicr.
func (l *Ledger) FindInsertPosition(nicr fpmath.Fixed, prevHint, nextHint common.Address) (common.Address, common.Address) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.FindInsertPosition(l.positions, nicr, prevHint, nextHint)
}

// ApproxHint samples numTrials listed positions and returns the one whose
// NICR is closest to nicr, plus the advanced seed.
func (l *Ledger) ApproxHint(nicr fpmath.Fixed, numTrials int, seed uint64) (common.Address, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.ApproxHint(l.positions, nicr, numTrials, seed)
}

// SortedOwners returns listed owners from the highest NICR to the lowest.
func (l *Ledger) SortedOwners() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Owners()
}

// SystemView summarises protocol-level state.
type SystemView struct {
	ActiveColl     fpmath.Fixed `json:"active_coll"`
	ActiveDebt     fpmath.Fixed `json:"active_debt"`
	DefaultColl    fpmath.Fixed `json:"default_coll"`
	DefaultDebt    fpmath.Fixed `json:"default_debt"`
	SurplusColl    fpmath.Fixed `json:"surplus_coll"`
	GasPool        fpmath.Fixed `json:"gas_pool"`
	BufferDeposits fpmath.Fixed `json:"buffer_deposits"`
	BufferColl     fpmath.Fixed `json:"buffer_coll"`
	BufferP        fpmath.Fixed `json:"buffer_p"`
	BufferEpoch    uint64       `json:"buffer_epoch"`
	BufferScale    uint64       `json:"buffer_scale"`
	LColl          fpmath.Fixed `json:"l_coll"`
	LDebt          fpmath.Fixed `json:"l_debt"`
	TotalStakes    fpmath.Fixed `json:"total_stakes"`
	BaseRate       fpmath.Fixed `json:"base_rate"`
	PositionCount  int          `json:"position_count"`
	TotalSupply    fpmath.Fixed `json:"total_supply"`
}

// System returns a summary of protocol-level state.
func (l *Ledger) System() SystemView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.systemView()
}

func (l *Ledger) systemView() SystemView {
	r := l.positions.Rewards()
	return SystemView{
		ActiveColl:     l.vaults.Active.Coll,
		ActiveDebt:     l.vaults.Active.Debt,
		DefaultColl:    l.vaults.Default.Coll,
		DefaultDebt:    l.vaults.Default.Debt,
		SurplusColl:    l.vaults.SurplusTotal,
		GasPool:        l.vaults.GasPool,
		BufferDeposits: l.buffer.TotalDeposits(),
		BufferColl:     l.buffer.CollBalance(),
		BufferP:        l.buffer.P(),
		BufferEpoch:    l.buffer.CurrentEpoch(),
		BufferScale:    l.buffer.CurrentScale(),
		LColl:          r.LColl,
		LDebt:          r.LDebt,
		TotalStakes:    r.TotalStakes,
		BaseRate:       l.fees.BaseRate(),
		PositionCount:  l.index.Size(),
		TotalSupply:    l.debtToken.TotalSupply(),
	}
}
