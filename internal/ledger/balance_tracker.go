package ledger

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances. It is the default
// custody book behind the debt token and collateral collaborators.
//
// Balances are unsigned. External boundary accounts are tracked as the
// outstanding amount issued through them, so for every asset
// Σ internal balances == issued.
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Fixed
	issued   map[AssetID]fpmath.Fixed
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Fixed),
		issued:   make(map[AssetID]fpmath.Fixed),
	}
}

// overlay stages balance changes so a batch can be checked in full before
// any of it becomes visible.
type overlay struct {
	bt       *BalanceTracker
	balances map[AccountKey]fpmath.Fixed
	issued   map[AssetID]fpmath.Fixed
}

func (o *overlay) balance(k AccountKey) fpmath.Fixed {
	if v, ok := o.balances[k]; ok {
		return v
	}
	return o.bt.balances[k]
}

func (o *overlay) issuedOf(a AssetID) fpmath.Fixed {
	if v, ok := o.issued[a]; ok {
		return v
	}
	return o.bt.issued[a]
}

func (o *overlay) apply(j Journal) error {
	// Credit side gives value.
	if j.CreditAccount.Scope == AccountScopeExternal {
		v, err := fpmath.Add(o.issuedOf(j.AssetID), j.Amount)
		if err != nil {
			return fmt.Errorf("issue %s: %w", j.AssetID, err)
		}
		o.issued[j.AssetID] = v
	} else {
		v, err := fpmath.Sub(o.balance(j.CreditAccount), j.Amount)
		if err != nil {
			return fmt.Errorf("insufficient balance in %s: have=%s, need=%s",
				j.CreditAccount.AccountPath(), o.balance(j.CreditAccount), j.Amount)
		}
		o.balances[j.CreditAccount] = v
	}

	// Debit side receives value.
	if j.DebitAccount.Scope == AccountScopeExternal {
		v, err := fpmath.Sub(o.issuedOf(j.AssetID), j.Amount)
		if err != nil {
			return fmt.Errorf("retire more %s than issued: %w", j.AssetID, err)
		}
		o.issued[j.AssetID] = v
	} else {
		v, err := fpmath.Add(o.balance(j.DebitAccount), j.Amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", j.DebitAccount.AccountPath(), err)
		}
		o.balances[j.DebitAccount] = v
	}
	return nil
}

// ApplyBatch applies all journals in a batch, or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	o := &overlay{
		bt:       bt,
		balances: make(map[AccountKey]fpmath.Fixed, 2*len(batch.Journals)),
		issued:   make(map[AssetID]fpmath.Fixed, 2),
	}
	for _, j := range batch.Journals {
		if err := o.apply(j); err != nil {
			return fmt.Errorf("journal %s (%s): %w", j.JournalID, j.JournalType, err)
		}
	}

	for k, v := range o.balances {
		if v.IsZero() {
			delete(bt.balances, k)
			continue
		}
		bt.balances[k] = v
	}
	for a, v := range o.issued {
		bt.issued[a] = v
	}
	return nil
}

// CheckBatch reports whether batch would apply cleanly, without applying it.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	o := &overlay{
		bt:       bt,
		balances: make(map[AccountKey]fpmath.Fixed, 2*len(batch.Journals)),
		issued:   make(map[AssetID]fpmath.Fixed, 2),
	}
	for _, j := range batch.Journals {
		if err := o.apply(j); err != nil {
			return err
		}
	}
	return nil
}

func (bt *BalanceTracker) single(build func(b *Batch)) error {
	b := &Batch{BatchID: uuid.New(), EventRef: "direct"}
	build(b)
	if b.IsEmpty() {
		return nil
	}
	return bt.ApplyBatch(b)
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Fixed {
	return bt.balances[key]
}

// === Debt token ===

func (bt *BalanceTracker) Mint(to common.Address, amount fpmath.Fixed) error {
	return bt.single(func(b *Batch) { b.AddMint(to, amount) })
}

func (bt *BalanceTracker) Burn(from common.Address, amount fpmath.Fixed) error {
	return bt.single(func(b *Batch) { b.AddBurn(from, amount) })
}

func (bt *BalanceTracker) Transfer(from, to common.Address, amount fpmath.Fixed) error {
	return bt.single(func(b *Batch) { b.AddDebtTransfer(from, to, amount) })
}

func (bt *BalanceTracker) BalanceOf(owner common.Address) fpmath.Fixed {
	return bt.balances[NewAccountKey(owner, AssetDebtToken)]
}

// TotalSupply is the outstanding debt token issuance.
func (bt *BalanceTracker) TotalSupply() fpmath.Fixed {
	return bt.issued[AssetDebtToken]
}

// === Collateral ===

func (bt *BalanceTracker) MoveCollateral(from, to common.Address, amount fpmath.Fixed) error {
	return bt.single(func(b *Batch) { b.AddCollateralMove(from, to, amount) })
}

func (bt *BalanceTracker) CollateralOf(owner common.Address) fpmath.Fixed {
	return bt.balances[NewAccountKey(owner, AssetCollateral)]
}

// Fund credits collateral arriving from outside custody.
func (bt *BalanceTracker) Fund(owner common.Address, amount fpmath.Fixed) error {
	return bt.single(func(b *Batch) { b.AddCollateralDeposit(owner, amount) })
}

// Release debits collateral leaving custody.
func (bt *BalanceTracker) Release(owner common.Address, amount fpmath.Fixed) error {
	return bt.single(func(b *Batch) { b.AddCollateralWithdrawal(owner, amount) })
}

// === Invariant support ===

// ComputeGlobalBalance sums internal balances per asset.
func (bt *BalanceTracker) ComputeGlobalBalance() (map[AssetID]fpmath.Fixed, error) {
	totals := make(map[AssetID]fpmath.Fixed)
	for key, balance := range bt.balances {
		v, err := fpmath.Add(totals[key.AssetID], balance)
		if err != nil {
			return nil, err
		}
		totals[key.AssetID] = v
	}
	return totals, nil
}

// Issued returns the outstanding issuance for an asset.
func (bt *BalanceTracker) Issued(assetID AssetID) fpmath.Fixed {
	return bt.issued[assetID]
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Fixed {
	snapshot := make(map[AccountKey]fpmath.Fixed, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SetBalance restores a balance from a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, v fpmath.Fixed) {
	if v.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = v
}

// SetIssued restores issuance from a snapshot.
func (bt *BalanceTracker) SetIssued(assetID AssetID, v fpmath.Fixed) {
	bt.issued[assetID] = v
}
