package core

import (
	"fmt"
	"sync"

	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// PriceFeed supplies the collateral price in debt tokens per unit.
type PriceFeed interface {
	CurrentPrice() (fpmath.Fixed, error)
}

// DebtToken is the debt-token book the ledger mints into and burns from.
type DebtToken interface {
	Mint(to common.Address, amount fpmath.Fixed) error
	Burn(from common.Address, amount fpmath.Fixed) error
	Transfer(from, to common.Address, amount fpmath.Fixed) error
	BalanceOf(owner common.Address) fpmath.Fixed
	TotalSupply() fpmath.Fixed
}

// CollateralMover custodies collateral on behalf of owners and pools.
type CollateralMover interface {
	MoveCollateral(from, to common.Address, amount fpmath.Fixed) error
	CollateralOf(owner common.Address) fpmath.Fixed
}

// CollateralGate moves collateral across the custody boundary. Optional:
// without it the ledger rejects collateral deposits and withdrawals.
type CollateralGate interface {
	Fund(owner common.Address, amount fpmath.Fixed) error
	Release(owner common.Address, amount fpmath.Fixed) error
}

// BatchBook settles a whole journal batch at once. When the debt token and
// the collateral mover are the same BatchBook, settlement is atomic and
// batches are checked before any state changes.
type BatchBook interface {
	ApplyBatch(batch *ledger.Batch) error
	CheckBatch(batch *ledger.Batch) error
}

var _ BatchBook = (*ledger.BalanceTracker)(nil)
var _ DebtToken = (*ledger.BalanceTracker)(nil)
var _ CollateralMover = (*ledger.BalanceTracker)(nil)
var _ CollateralGate = (*ledger.BalanceTracker)(nil)

// StaticPriceFeed holds the last price delivered by the oracle stream.
type StaticPriceFeed struct {
	mu    sync.RWMutex
	price fpmath.Fixed
}

func NewStaticPriceFeed(initial fpmath.Fixed) *StaticPriceFeed {
	return &StaticPriceFeed{price: initial}
}

func (f *StaticPriceFeed) CurrentPrice() (fpmath.Fixed, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price.IsZero() {
		return fpmath.Zero, fmt.Errorf("%w: no price available", ErrState)
	}
	return f.price, nil
}

func (f *StaticPriceFeed) SetPrice(p fpmath.Fixed) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

// Last returns the stored price, zero before the first update.
func (f *StaticPriceFeed) Last() fpmath.Fixed {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price
}
