package coa

// Classification rules are pure lookups: no state, no I/O.

var subTypesByType = map[AccountType][]AccountSubType{
	AccountTypeAsset: {
		SubTypeCurrentAsset,
		SubTypeNonCurrentAsset,
		SubTypeFixedAsset,
		SubTypeIntangibleAsset,
	},
	AccountTypeLiability: {
		SubTypeCurrentLiability,
		SubTypeNonCurrentLiability,
	},
	AccountTypeEquity: {
		SubTypeOwnerEquity,
		SubTypeRetainedEarnings,
	},
	AccountTypeRevenue: {
		SubTypeOperatingRevenue,
		SubTypeOtherRevenue,
	},
	AccountTypeExpense: {
		SubTypeCostOfSales,
		SubTypeOperatingExpense,
		SubTypeOtherExpense,
	},
}

// ValidSubTypes returns the fixed sub-type set for an account type.
// Unknown types return nil.
func ValidSubTypes(t AccountType) []AccountSubType {
	subs := subTypesByType[t]
	out := make([]AccountSubType, len(subs))
	copy(out, subs)
	return out
}

// IsValidSubType reports whether sub belongs to t's allowed set.
func IsValidSubType(t AccountType, sub AccountSubType) bool {
	for _, s := range subTypesByType[t] {
		if s == sub {
			return true
		}
	}
	return false
}

// NormalBalanceSign returns the side on which increases to the account type
// are recorded. Assets and expenses grow on the debit side, the rest on the
// credit side.
func NormalBalanceSign(t AccountType) BalanceSign {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return SignDebit
	default:
		return SignCredit
	}
}

// KnownType reports whether t is one of the five fixed account types.
func KnownType(t AccountType) bool {
	_, ok := subTypesByType[t]
	return ok
}
