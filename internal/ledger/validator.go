package ledger

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed and would apply
// against current balances.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return v.tracker.CheckBatch(batch)
}

// ValidateGlobalBalance verifies that every unit held internally was issued
// through the external boundary.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals, err := v.tracker.ComputeGlobalBalance()
	if err != nil {
		return err
	}

	for _, assetID := range []AssetID{AssetCollateral, AssetDebtToken} {
		issued := v.tracker.Issued(assetID)
		if !totals[assetID].Eq(issued) {
			return fmt.Errorf("global balance for %s is %s, issued %s", assetID, totals[assetID], issued)
		}
	}

	return nil
}

// ValidatePoolBalance checks that a pool's custodied balance matches the
// amount the protocol accounts for it.
func (v *InvariantValidator) ValidatePoolBalance(pool common.Address, assetID AssetID, expected fpmath.Fixed) error {
	key := NewAccountKey(pool, assetID)
	got := v.tracker.GetBalance(key)
	if !got.Eq(expected) {
		return fmt.Errorf("%s holds %s, accounted %s", key.AccountPath(), got, expected)
	}
	return nil
}
