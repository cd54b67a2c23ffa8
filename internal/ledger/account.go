package ledger

import (
	"fmt"
	"strconv"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopePosition AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Position sub-types (receivables owed to the pool)
	SubTypePrincipal AccountSubType = iota
	SubTypeInterest

	// System sub-types
	SubTypePoolCash
	SubTypeInterestIncome
	SubTypeFees
	SubTypeBadDebt

	// External sub-types
	SubTypeLenderFunding
	SubTypeLiquidationProceeds
	SubTypeOwnerRefunds
)

// AssetID maps asset strings to numeric IDs
type AssetID uint16

// AssetUSDC is the stablecoin every loan is denominated in.
const AssetUSDC AssetID = 1

var (
	assetToID = map[string]AssetID{
		"USDC": AssetUSDC,
	}
	idToAsset = map[AssetID]string{
		AssetUSDC: "USDC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID uint64 // position ID for position accounts, 0 otherwise
	SubType  AccountSubType
	AssetID  AssetID
}

// NewPositionAccountKey creates a receivable account for a position
func NewPositionAccountKey(positionID uint64, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopePosition,
		EntityID: positionID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopePosition:
		return fmt.Sprintf("position:%s:%s:%s", strconv.FormatUint(k.EntityID, 10), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePrincipal:
		return "principal"
	case SubTypeInterest:
		return "interest"
	case SubTypePoolCash:
		return "pool_cash"
	case SubTypeInterestIncome:
		return "interest_income"
	case SubTypeFees:
		return "fees"
	case SubTypeBadDebt:
		return "bad_debt"
	case SubTypeLenderFunding:
		return "lender_funding"
	case SubTypeLiquidationProceeds:
		return "liquidation_proceeds"
	case SubTypeOwnerRefunds:
		return "owner_refunds"
	default:
		return "unknown"
	}
}
