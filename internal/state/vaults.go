package state

import (
	"fmt"
	"sort"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Pool is the collateral and debt a vault accounts for.
type Pool struct {
	Coll fpmath.Fixed
	Debt fpmath.Fixed
}

// Vaults tracks the protocol pools. The custody book holds the actual
// balances; Vaults is the protocol's own accounting of them and the two must
// agree after every operation.
//
//   - Active:  collateral and debt of live positions (recorded values only)
//   - Default: redistributed collateral and debt not yet applied to positions
//   - Surplus: collateral owed to owners after capped liquidation or full redemption
//   - GasPool: debt tokens reserved as liquidation gas compensation
type Vaults struct {
	Active       Pool
	Default      Pool
	SurplusTotal fpmath.Fixed
	GasPool      fpmath.Fixed

	surplus map[common.Address]fpmath.Fixed
}

func NewVaults() *Vaults {
	return &Vaults{
		surplus: make(map[common.Address]fpmath.Fixed),
	}
}

// SystemColl is Active.Coll + Default.Coll.
func (v *Vaults) SystemColl() (fpmath.Fixed, error) {
	return fpmath.Add(v.Active.Coll, v.Default.Coll)
}

// SystemDebt is Active.Debt + Default.Debt.
func (v *Vaults) SystemDebt() (fpmath.Fixed, error) {
	return fpmath.Add(v.Active.Debt, v.Default.Debt)
}

// AddActive records collateral and debt entering live positions.
func (v *Vaults) AddActive(coll, debt fpmath.Fixed) error {
	var c fpmath.Calc
	newColl := c.Add(v.Active.Coll, coll)
	newDebt := c.Add(v.Active.Debt, debt)
	if c.Err() != nil {
		return fmt.Errorf("active pool: %w", c.Err())
	}
	v.Active.Coll, v.Active.Debt = newColl, newDebt
	return nil
}

// SubActive records collateral and debt leaving live positions.
func (v *Vaults) SubActive(coll, debt fpmath.Fixed) error {
	var c fpmath.Calc
	newColl := c.Sub(v.Active.Coll, coll)
	newDebt := c.Sub(v.Active.Debt, debt)
	if c.Err() != nil {
		return fmt.Errorf("active pool: %w", c.Err())
	}
	v.Active.Coll, v.Active.Debt = newColl, newDebt
	return nil
}

// MoveActiveToDefault parks redistributed collateral and debt.
func (v *Vaults) MoveActiveToDefault(coll, debt fpmath.Fixed) error {
	var c fpmath.Calc
	activeColl := c.Sub(v.Active.Coll, coll)
	activeDebt := c.Sub(v.Active.Debt, debt)
	defaultColl := c.Add(v.Default.Coll, coll)
	defaultDebt := c.Add(v.Default.Debt, debt)
	if c.Err() != nil {
		return fmt.Errorf("active -> default: %w", c.Err())
	}
	v.Active = Pool{Coll: activeColl, Debt: activeDebt}
	v.Default = Pool{Coll: defaultColl, Debt: defaultDebt}
	return nil
}

// MoveDefaultToActive applies a position's pending reward.
func (v *Vaults) MoveDefaultToActive(coll, debt fpmath.Fixed) error {
	var c fpmath.Calc
	defaultColl := c.Sub(v.Default.Coll, coll)
	defaultDebt := c.Sub(v.Default.Debt, debt)
	activeColl := c.Add(v.Active.Coll, coll)
	activeDebt := c.Add(v.Active.Debt, debt)
	if c.Err() != nil {
		return fmt.Errorf("default -> active: %w", c.Err())
	}
	v.Active = Pool{Coll: activeColl, Debt: activeDebt}
	v.Default = Pool{Coll: defaultColl, Debt: defaultDebt}
	return nil
}

// ============================================================================
// Surplus
// ============================================================================

// AddSurplus credits collateral the owner can later claim.
func (v *Vaults) AddSurplus(owner common.Address, amount fpmath.Fixed) error {
	if amount.IsZero() {
		return nil
	}
	var c fpmath.Calc
	owed := c.Add(v.surplus[owner], amount)
	total := c.Add(v.SurplusTotal, amount)
	if c.Err() != nil {
		return fmt.Errorf("surplus for %s: %w", owner.Hex(), c.Err())
	}
	v.surplus[owner] = owed
	v.SurplusTotal = total
	return nil
}

// SurplusOf returns the collateral claimable by owner.
func (v *Vaults) SurplusOf(owner common.Address) fpmath.Fixed {
	return v.surplus[owner]
}

// TakeSurplus zeroes and returns the owner's claimable collateral.
func (v *Vaults) TakeSurplus(owner common.Address) (fpmath.Fixed, error) {
	owed := v.surplus[owner]
	if owed.IsZero() {
		return fpmath.Zero, fmt.Errorf("%w: no collateral surplus for %s", ErrState, owner.Hex())
	}
	total, err := fpmath.Sub(v.SurplusTotal, owed)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("surplus total: %w", err)
	}
	delete(v.surplus, owner)
	v.SurplusTotal = total
	return owed, nil
}

// SurplusBalances returns every non-zero claim ordered by address.
func (v *Vaults) SurplusBalances() []SurplusBalance {
	out := make([]SurplusBalance, 0, len(v.surplus))
	for owner, amt := range v.surplus {
		out = append(out, SurplusBalance{Owner: owner, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.Cmp(out[j].Owner) < 0
	})
	return out
}

// SurplusBalance is one owner's claim.
type SurplusBalance struct {
	Owner  common.Address
	Amount fpmath.Fixed
}

// RestoreSurplus reloads a claim from a snapshot. SurplusTotal is restored
// separately.
func (v *Vaults) RestoreSurplus(owner common.Address, amount fpmath.Fixed) {
	if amount.IsZero() {
		delete(v.surplus, owner)
		return
	}
	v.surplus[owner] = amount
}

// ============================================================================
// Gas pool
// ============================================================================

func (v *Vaults) AddGasReserve(amount fpmath.Fixed) error {
	r, err := fpmath.Add(v.GasPool, amount)
	if err != nil {
		return fmt.Errorf("gas pool: %w", err)
	}
	v.GasPool = r
	return nil
}

func (v *Vaults) SubGasReserve(amount fpmath.Fixed) error {
	r, err := fpmath.Sub(v.GasPool, amount)
	if err != nil {
		return fmt.Errorf("gas pool: %w", err)
	}
	v.GasPool = r
	return nil
}
