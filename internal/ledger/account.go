package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AssetID identifies the two assets the book custodies.
type AssetID uint8

const (
	AssetCollateral AssetID = iota + 1
	AssetDebtToken
)

func (a AssetID) String() string {
	switch a {
	case AssetCollateral:
		return "COLL"
	case AssetDebtToken:
		return "DEBT"
	default:
		return "UNKNOWN"
	}
}

// System addresses. They hold protocol-owned balances and are never the
// owner of a position.
var (
	ActivePoolAddress      = common.BytesToAddress([]byte("cdp/active-pool"))
	DefaultPoolAddress     = common.BytesToAddress([]byte("cdp/default-pool"))
	SurplusPoolAddress     = common.BytesToAddress([]byte("cdp/surplus-pool"))
	StabilityBufferAddress = common.BytesToAddress([]byte("cdp/stability-buf"))
	GasPoolAddress         = common.BytesToAddress([]byte("cdp/gas-pool"))
	FeeRecipientAddress    = common.BytesToAddress([]byte("cdp/fee-recipient"))
)

var systemNames = map[common.Address]string{
	ActivePoolAddress:      "active_pool",
	DefaultPoolAddress:     "default_pool",
	SurplusPoolAddress:     "surplus_pool",
	StabilityBufferAddress: "stability_buffer",
	GasPoolAddress:         "gas_pool",
	FeeRecipientAddress:    "fee_recipient",
}

// IsSystemAddress reports whether addr is one of the protocol pools.
func IsSystemAddress(addr common.Address) bool {
	_, ok := systemNames[addr]
	return ok
}

// External boundary accounts. Debt tokens enter and leave circulation through
// issuance; collateral enters and leaves custody through the collateral gate.
var (
	issuanceAddress       = common.BytesToAddress([]byte("ext/issuance"))
	collateralGateAddress = common.BytesToAddress([]byte("ext/collateral"))
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Address common.Address
	AssetID AssetID
}

// NewAccountKey creates a key for addr, classifying system pools automatically.
func NewAccountKey(addr common.Address, assetID AssetID) AccountKey {
	scope := AccountScopeUser
	if IsSystemAddress(addr) {
		scope = AccountScopeSystem
	}
	return AccountKey{Scope: scope, Address: addr, AssetID: assetID}
}

// NewExternalAccountKey returns the boundary account for assetID.
func NewExternalAccountKey(assetID AssetID) AccountKey {
	addr := issuanceAddress
	if assetID == AssetCollateral {
		addr = collateralGateAddress
	}
	return AccountKey{Scope: AccountScopeExternal, Address: addr, AssetID: assetID}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Address.Hex(), k.AssetID)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", systemNames[k.Address], k.AssetID)
	case AccountScopeExternal:
		if k.AssetID == AssetCollateral {
			return "external:collateral_gate:COLL"
		}
		return "external:issuance:DEBT"
	}
	return "unknown"
}
