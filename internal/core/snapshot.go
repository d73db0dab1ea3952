package core

import (
	"fmt"
	"time"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerState is the complete protocol state in a deterministic layout.
// Custody balances live with the collaborators and are snapshotted by their
// owner.
type LedgerState struct {
	Params      state.Params           `msgpack:"params"`
	Positions   []state.Position       `msgpack:"positions"` // Insertion order
	Order       []common.Address       `msgpack:"order"`     // Index, head to tail
	SampleOrder []common.Address       `msgpack:"sample_order"`
	Rewards     state.RewardState      `msgpack:"rewards"`
	Active      state.Pool             `msgpack:"active"`
	Default     state.Pool             `msgpack:"default"`
	GasPool     fpmath.Fixed           `msgpack:"gas_pool"`
	Surplus     []state.SurplusBalance `msgpack:"surplus"`
	Buffer      state.BufferState      `msgpack:"buffer"`
	Deposits    []DepositEntry         `msgpack:"deposits"`
	BaseRate    fpmath.Fixed           `msgpack:"base_rate"`
	LastFeeOp   int64                  `msgpack:"last_fee_op"` // Epoch micros, 0 = never
	JournalSeq  int64                  `msgpack:"journal_seq"`
}

// DepositEntry is one buffer deposit.
type DepositEntry struct {
	Owner   common.Address `msgpack:"owner"`
	Deposit state.Deposit  `msgpack:"deposit"`
}

// ExportState copies the protocol state.
func (l *Ledger) ExportState() LedgerState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := LedgerState{
		Params:      l.params.Get(),
		Order:       l.index.Owners(),
		SampleOrder: l.index.SampleOrder(),
		Rewards:     l.positions.Rewards(),
		Active:      l.vaults.Active,
		Default:     l.vaults.Default,
		GasPool:     l.vaults.GasPool,
		Surplus:     l.vaults.SurplusBalances(),
		Buffer:      l.buffer.State(),
		BaseRate:    l.fees.BaseRate(),
		JournalSeq:  l.journalGen.Sequence(),
	}
	if t := l.fees.LastFeeOpTime(); !t.IsZero() {
		st.LastFeeOp = t.UnixMicro()
	}
	for _, pos := range l.positions.GetAllPositions() {
		st.Positions = append(st.Positions, *pos)
	}
	for _, owner := range l.buffer.Depositors() {
		st.Deposits = append(st.Deposits, DepositEntry{Owner: owner, Deposit: *l.buffer.GetDeposit(owner)})
	}
	return st
}

// ImportState replaces the protocol state. The ledger must not be serving
// operations while this runs.
func (l *Ledger) ImportState(st LedgerState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	paramsMgr, err := state.NewParamsManager(st.Params)
	if err != nil {
		return err
	}

	positions := state.NewPositionManager()
	for i := range st.Positions {
		pos := st.Positions[i]
		positions.SetPosition(&pos)
	}
	positions.RestoreRewards(st.Rewards)

	index := state.NewSortedPositions(st.Params.MaxPositions)
	if err := index.RestoreLayout(st.Order, st.SampleOrder); err != nil {
		return err
	}
	for _, owner := range st.Order {
		if !positions.GetPosition(owner).IsActive() {
			return fmt.Errorf("%w: listed owner %s is not active", ErrState, owner.Hex())
		}
	}

	vaults := state.NewVaults()
	vaults.Active = st.Active
	vaults.Default = st.Default
	vaults.GasPool = st.GasPool
	for _, s := range st.Surplus {
		vaults.RestoreSurplus(s.Owner, s.Amount)
	}

	buffer := state.NewStabilityBuffer()
	buffer.Restore(st.Buffer)
	for _, d := range st.Deposits {
		buffer.RestoreDeposit(d.Owner, d.Deposit)
	}

	fees := state.NewFeeSchedule()
	var lastFeeOp time.Time
	if st.LastFeeOp != 0 {
		lastFeeOp = time.UnixMicro(st.LastFeeOp)
	}
	fees.Restore(st.BaseRate, lastFeeOp)

	l.params = paramsMgr
	l.positions = positions
	l.index = index
	l.vaults = vaults
	l.buffer = buffer
	l.fees = fees
	l.margin = state.NewMarginCalculator(positions, vaults, paramsMgr)
	l.liquidations = state.NewLiquidationManager(paramsMgr)
	l.journalGen.SetSequence(st.JournalSeq)
	return nil
}
