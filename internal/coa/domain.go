// Package coa implements the chart-of-accounts hierarchy and balance engine:
// classification rules, code generation, tree management, and as-of-date
// balance aggregation over an injected ledger store.
package coa

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// AccountSubType narrows an AccountType. Valid combinations are fixed by
// the classification rules.
type AccountSubType string

const (
	SubTypeCurrentAsset        AccountSubType = "CURRENT_ASSET"
	SubTypeNonCurrentAsset     AccountSubType = "NON_CURRENT_ASSET"
	SubTypeFixedAsset          AccountSubType = "FIXED_ASSET"
	SubTypeIntangibleAsset     AccountSubType = "INTANGIBLE_ASSET"
	SubTypeCurrentLiability    AccountSubType = "CURRENT_LIABILITY"
	SubTypeNonCurrentLiability AccountSubType = "NON_CURRENT_LIABILITY"
	SubTypeOwnerEquity         AccountSubType = "OWNER_EQUITY"
	SubTypeRetainedEarnings    AccountSubType = "RETAINED_EARNINGS"
	SubTypeOperatingRevenue    AccountSubType = "OPERATING_REVENUE"
	SubTypeOtherRevenue        AccountSubType = "OTHER_REVENUE"
	SubTypeCostOfSales         AccountSubType = "COST_OF_SALES"
	SubTypeOperatingExpense    AccountSubType = "OPERATING_EXPENSE"
	SubTypeOtherExpense        AccountSubType = "OTHER_EXPENSE"
)

// AccountStatus is the lifecycle marker; archival is the soft-delete path.
type AccountStatus string

const (
	StatusActive   AccountStatus = "ACTIVE"
	StatusInactive AccountStatus = "INACTIVE"
	StatusArchived AccountStatus = "ARCHIVED"
)

// BalanceSign tells which side increases an account type.
type BalanceSign string

const (
	SignDebit  BalanceSign = "DEBIT"
	SignCredit BalanceSign = "CREDIT"
)

// Account models a chart of accounts node. Code is unique per company;
// Level is always parent.Level+1 (0 for roots).
type Account struct {
	ID                 uuid.UUID
	CompanyID          int64
	Code               string
	Name               string
	Description        string
	Type               AccountType
	SubType            AccountSubType
	ParentID           *uuid.UUID
	Level              int
	IsControl          bool
	AllowDirect        bool
	Currency           string
	OpeningBalance     decimal.Decimal
	OpeningBalanceDate *time.Time
	Status             AccountStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsArchived reports whether the account has been soft-deleted.
func (a Account) IsArchived() bool { return a.Status == StatusArchived }

var (
	// ErrNotFound indicates the account does not exist for the tenant.
	ErrNotFound = errors.New("coa: account not found")
	// ErrDuplicateCode indicates a caller-supplied code already exists.
	ErrDuplicateCode = errors.New("coa: duplicate account code")
	// ErrCodeConflict indicates the store rejected a generated code; the
	// create path retries generation before surfacing this.
	ErrCodeConflict = errors.New("coa: account code conflict")
	// ErrCycleDetected indicates a reparent target inside the moved subtree.
	ErrCycleDetected = errors.New("coa: reparent would create a cycle")
	// ErrTypeMismatch indicates parent and child account types differ.
	ErrTypeMismatch = errors.New("coa: parent and child account types differ")
	// ErrParentArchived indicates the chosen parent is archived.
	ErrParentArchived = errors.New("coa: parent account is archived")
	// ErrHasChildren blocks deletion of a non-leaf account.
	ErrHasChildren = errors.New("coa: account has children")
	// ErrHasActivity blocks deletion of an account with recorded balances.
	ErrHasActivity = errors.New("coa: account has recorded activity")
	// ErrTreeTooDeep indicates the hierarchy exceeds the configured depth.
	ErrTreeTooDeep = errors.New("coa: account tree exceeds depth limit")
	// ErrCodeSpaceExhausted indicates no unused code remains in a band.
	ErrCodeSpaceExhausted = errors.New("coa: code band exhausted")
)

// ValidationError reports which field broke which rule so the calling layer
// can render a message without knowing engine internals.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("coa: validation failed on %s: %s", e.Field, e.Rule)
}

func validationErr(field, rule string) error {
	return &ValidationError{Field: field, Rule: rule}
}

// CreateInput carries everything needed to create an account. Code is
// optional; when empty the service generates one from the type band.
type CreateInput struct {
	CompanyID          int64
	Code               string
	Name               string
	Description        string
	Type               AccountType
	SubType            AccountSubType
	ParentID           *uuid.UUID
	IsControl          bool
	AllowDirect        bool
	Currency           string
	OpeningBalance     decimal.Decimal
	OpeningBalanceDate *time.Time
}

// UpdateInput is a sparse patch; nil fields are left unchanged. Type and
// parent are immutable here; moves go through Reparent.
type UpdateInput struct {
	Name        *string
	Description *string
	SubType     *AccountSubType
	IsControl   *bool
	AllowDirect *bool
	Currency    *string
	Status      *AccountStatus
}

// Filter narrows FetchAccounts/List results. Search matches name or code.
type Filter struct {
	Type     AccountType
	SubType  AccountSubType
	Status   AccountStatus
	ParentID *uuid.UUID
	Search   string
	Page     int
	PerPage  int
	SortBy   string
	SortDir  string
}

// ActivityTotals is the sum of posted legs against one account in a window.
type ActivityTotals struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// BalanceReport is the aggregated position of an account as of a date.
// Net follows the account type's normal balance sign.
type BalanceReport struct {
	AccountID uuid.UUID
	AsOf      time.Time
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Net       decimal.Decimal
}

// AccountNode is one node of an assembled tree view. Children are ordered
// by code ascending.
type AccountNode struct {
	Account  Account
	Children []*AccountNode
	Balance  *BalanceReport
}
