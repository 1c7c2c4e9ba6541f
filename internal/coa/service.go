package coa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/money"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// Config carries the engine's tenant-independent knobs. Zero values fall
// back to the documented defaults.
type Config struct {
	Arithmetic         money.Context
	Bands              CodeBands
	CodeWidth          int
	CodeIncrement      int
	CodeRetries        int
	MaxTreeDepth       int
	BalanceConcurrency int
	DefaultCurrency    string
}

func (c Config) withDefaults() Config {
	if c.CodeRetries <= 0 {
		c.CodeRetries = 3
	}
	if c.MaxTreeDepth <= 0 {
		c.MaxTreeDepth = 32
	}
	if c.BalanceConcurrency <= 0 {
		c.BalanceConcurrency = 4
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "USD"
	}
	return c
}

// Service is the hierarchy manager: it owns every invariant of the account
// tree and persists through the ledger-store port.
type Service struct {
	repo  Repository
	gen   *CodeGenerator
	arith money.Context
	cfg   Config
	now   func() time.Time
}

// NewService constructs the engine.
func NewService(repo Repository, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		repo:  repo,
		gen:   NewCodeGenerator(cfg.Bands, cfg.CodeWidth, cfg.CodeIncrement),
		arith: cfg.Arithmetic,
		cfg:   cfg,
		now:   time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create validates the input against the classification rules and the
// prospective tree shape, assigns the level and (if needed) a generated
// code, and persists. A generated code losing the insert race is retried
// up to CodeRetries times before ErrCodeConflict surfaces.
func (s *Service) Create(ctx context.Context, in CreateInput) (Account, error) {
	if err := s.validateCreate(in); err != nil {
		return Account{}, err
	}

	var parent *Account
	if in.ParentID != nil {
		p, err := s.repo.GetAccount(ctx, in.CompanyID, *in.ParentID)
		if errors.Is(err, ErrNotFound) {
			return Account{}, validationErr("parentAccountId", "parent account does not exist")
		}
		if err != nil {
			return Account{}, err
		}
		if err := s.checkParent(p, in.Type); err != nil {
			return Account{}, err
		}
		parent = &p
	}

	now := s.now()
	a := Account{
		ID:                 uuid.New(),
		CompanyID:          in.CompanyID,
		Code:               strings.TrimSpace(in.Code),
		Name:               strings.TrimSpace(in.Name),
		Description:        in.Description,
		Type:               in.Type,
		SubType:            in.SubType,
		ParentID:           in.ParentID,
		IsControl:          in.IsControl,
		AllowDirect:        in.AllowDirect,
		Currency:           in.Currency,
		OpeningBalance:     in.OpeningBalance,
		OpeningBalanceDate: in.OpeningBalanceDate,
		Status:             StatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if a.Currency == "" {
		a.Currency = s.cfg.DefaultCurrency
	}
	if parent != nil {
		a.Level = parent.Level + 1
	}

	if a.Code != "" {
		inserted, err := s.repo.InsertAccount(ctx, a)
		if errors.Is(err, ErrCodeConflict) {
			return Account{}, fmt.Errorf("%w: code %s", ErrDuplicateCode, a.Code)
		}
		return inserted, err
	}

	// Generated codes are advisory; the unique constraint is the referee
	// and the loser regenerates against a fresh snapshot.
	var lastErr error
	for attempt := 0; attempt < s.cfg.CodeRetries; attempt++ {
		existing, _, err := s.repo.FetchAccounts(ctx, in.CompanyID, Filter{})
		if err != nil {
			return Account{}, err
		}
		code, err := s.gen.Next(existing, in.Type, parent)
		if err != nil {
			return Account{}, err
		}
		a.Code = code
		inserted, err := s.repo.InsertAccount(ctx, a)
		if err == nil {
			return inserted, nil
		}
		if !errors.Is(err, ErrCodeConflict) {
			return Account{}, err
		}
		lastErr = err
	}
	return Account{}, lastErr
}

// Get returns one account scoped to the tenant.
func (s *Service) Get(ctx context.Context, companyID int64, id uuid.UUID) (Account, error) {
	return s.repo.GetAccount(ctx, companyID, id)
}

// Update applies a sparse patch and re-validates classification and status
// invariants before persisting. Type and parent never change here.
func (s *Service) Update(ctx context.Context, companyID int64, id uuid.UUID, patch UpdateInput) (Account, error) {
	a, err := s.repo.GetAccount(ctx, companyID, id)
	if err != nil {
		return Account{}, err
	}

	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return Account{}, validationErr("name", "name is required")
		}
		a.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		a.Description = *patch.Description
	}
	if patch.SubType != nil {
		if !IsValidSubType(a.Type, *patch.SubType) {
			return Account{}, validationErr("subType", fmt.Sprintf("sub-type %s is not valid for type %s", *patch.SubType, a.Type))
		}
		a.SubType = *patch.SubType
	}
	if patch.IsControl != nil {
		a.IsControl = *patch.IsControl
	}
	if patch.AllowDirect != nil {
		a.AllowDirect = *patch.AllowDirect
	}
	if patch.Currency != nil {
		if len(*patch.Currency) != 3 {
			return Account{}, validationErr("currency", "currency must be a 3-letter code")
		}
		a.Currency = strings.ToUpper(*patch.Currency)
	}
	if patch.Status != nil && *patch.Status != a.Status {
		if err := s.checkTransition(ctx, a, *patch.Status); err != nil {
			return Account{}, err
		}
		a.Status = *patch.Status
	}

	a.UpdatedAt = s.now()
	return s.repo.UpdateAccount(ctx, a)
}

// checkTransition enforces ACTIVE <-> INACTIVE, with archival reserved for
// Archive. Reactivation re-validates the parent link.
func (s *Service) checkTransition(ctx context.Context, a Account, to AccountStatus) error {
	switch {
	case a.Status == StatusActive && to == StatusInactive:
		return nil
	case a.Status == StatusInactive && to == StatusActive:
		if a.ParentID != nil {
			parent, err := s.repo.GetAccount(ctx, a.CompanyID, *a.ParentID)
			if err != nil {
				return err
			}
			if err := s.checkParent(parent, a.Type); err != nil {
				return err
			}
		}
		return nil
	default:
		return validationErr("status", fmt.Sprintf("transition %s -> %s is not allowed", a.Status, to))
	}
}

// Reparent moves an account (and its whole subtree) under a new parent,
// or to the root when newParentID is nil. Levels of every descendant are
// recomputed inside a single store transaction.
func (s *Service) Reparent(ctx context.Context, companyID int64, id uuid.UUID, newParentID *uuid.UUID) (Account, error) {
	accounts, _, err := s.repo.FetchAccounts(ctx, companyID, Filter{})
	if err != nil {
		return Account{}, err
	}
	ix := newTreeIndex(accounts)
	a, ok := ix.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}

	newLevel := 0
	if newParentID != nil {
		if *newParentID == id {
			return Account{}, ErrCycleDetected
		}
		parent, ok := ix.byID[*newParentID]
		if !ok {
			return Account{}, validationErr("newParentId", "parent account does not exist")
		}
		if err := s.checkParent(parent, a.Type); err != nil {
			return Account{}, err
		}
		if ix.isAncestor(id, parent.ID) {
			return Account{}, ErrCycleDetected
		}
		newLevel = parent.Level + 1
	}

	if newLevel+ix.subtreeHeight(id) >= s.cfg.MaxTreeDepth {
		return Account{}, fmt.Errorf("%w: limit %d levels", ErrTreeTooDeep, s.cfg.MaxTreeDepth)
	}

	sameParent := (a.ParentID == nil && newParentID == nil) ||
		(a.ParentID != nil && newParentID != nil && *a.ParentID == *newParentID)
	if sameParent {
		return a, nil
	}

	delta := newLevel - a.Level
	descendants := ix.descendants(id)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetParent(ctx, id, newParentID, newLevel); err != nil {
			return err
		}
		for _, d := range descendants {
			if err := tx.SetLevel(ctx, d.ID, d.Level+delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	a.ParentID = newParentID
	a.Level = newLevel
	return a, nil
}

// Delete removes a leaf account with no recorded balance activity. Anything
// else must be archived instead.
func (s *Service) Delete(ctx context.Context, companyID int64, id uuid.UUID) error {
	a, err := s.repo.GetAccount(ctx, companyID, id)
	if err != nil {
		return err
	}
	children, err := s.repo.CountChildren(ctx, companyID, id)
	if err != nil {
		return err
	}
	if children > 0 {
		return ErrHasChildren
	}
	active, err := s.repo.HasActivity(ctx, id)
	if err != nil {
		return err
	}
	if active || !a.OpeningBalance.IsZero() {
		return ErrHasActivity
	}
	return s.repo.DeleteAccount(ctx, companyID, id)
}

// Archive soft-deletes an account. Archiving an archived account is a
// no-op so the operation is idempotent.
func (s *Service) Archive(ctx context.Context, companyID int64, id uuid.UUID) (Account, error) {
	a, err := s.repo.GetAccount(ctx, companyID, id)
	if err != nil {
		return Account{}, err
	}
	if a.Status == StatusArchived {
		return a, nil
	}
	a.Status = StatusArchived
	a.UpdatedAt = s.now()
	return s.repo.UpdateAccount(ctx, a)
}

// Page is one page of a listing.
type Page struct {
	Accounts []Account
	Meta     shared.Pagination
}

// List returns accounts matching the filter, sorted by code ascending
// unless the filter says otherwise.
func (s *Service) List(ctx context.Context, companyID int64, f Filter) (Page, error) {
	if f.PerPage <= 0 {
		f.PerPage = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	accounts, total, err := s.repo.FetchAccounts(ctx, companyID, f)
	if err != nil {
		return Page{}, err
	}
	return Page{Accounts: accounts, Meta: shared.NewPagination(f.Page, f.PerPage, total)}, nil
}

// TreeOptions controls BuildTree decoration.
type TreeOptions struct {
	WithBalances bool
	AsOf         time.Time
}

// BuildTree loads the tenant's flat account set and assembles the forest,
// siblings ordered by code. With balances requested every node carries its
// aggregate as of the given date.
func (s *Service) BuildTree(ctx context.Context, companyID int64, opts TreeOptions) ([]*AccountNode, error) {
	accounts, _, err := s.repo.FetchAccounts(ctx, companyID, Filter{})
	if err != nil {
		return nil, err
	}
	ix := newTreeIndex(accounts)
	forest := ix.assemble()
	if !opts.WithBalances {
		return forest, nil
	}
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	for _, root := range forest {
		if err := s.decorateNode(ctx, root, asOf); err != nil {
			return nil, err
		}
	}
	return forest, nil
}

// decorateNode attaches a balance to every node in the subtree. Aggregation
// recurses through control chains on its own; branches under non-control
// parents are decorated here without folding them into the parent.
func (s *Service) decorateNode(ctx context.Context, node *AccountNode, asOf time.Time) error {
	if node.Balance == nil {
		if _, err := s.aggregateNode(ctx, node, asOf, node.Account.Level); err != nil {
			return err
		}
	}
	for _, child := range node.Children {
		if err := s.decorateNode(ctx, child, asOf); err != nil {
			return err
		}
	}
	return nil
}

// GenerateCode suggests the next unused code for the given classification
// and optional parent. The suggestion is not reserved.
func (s *Service) GenerateCode(ctx context.Context, companyID int64, typ AccountType, sub AccountSubType, parentID *uuid.UUID) (string, error) {
	if !KnownType(typ) {
		return "", validationErr("type", fmt.Sprintf("unknown account type %q", typ))
	}
	if sub != "" && !IsValidSubType(typ, sub) {
		return "", validationErr("subType", fmt.Sprintf("sub-type %s is not valid for type %s", sub, typ))
	}
	accounts, _, err := s.repo.FetchAccounts(ctx, companyID, Filter{})
	if err != nil {
		return "", err
	}
	var parent *Account
	if parentID != nil {
		ix := newTreeIndex(accounts)
		p, ok := ix.byID[*parentID]
		if !ok {
			return "", validationErr("parentAccountId", "parent account does not exist")
		}
		if p.Type != typ {
			return "", ErrTypeMismatch
		}
		parent = &p
	}
	return s.gen.Next(accounts, typ, parent)
}

func (s *Service) validateCreate(in CreateInput) error {
	if in.CompanyID <= 0 {
		return validationErr("companyId", "company is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return validationErr("name", "name is required")
	}
	if !KnownType(in.Type) {
		return validationErr("type", fmt.Sprintf("unknown account type %q", in.Type))
	}
	if !IsValidSubType(in.Type, in.SubType) {
		return validationErr("subType", fmt.Sprintf("sub-type %s is not valid for type %s", in.SubType, in.Type))
	}
	if in.Currency != "" && len(in.Currency) != 3 {
		return validationErr("currency", "currency must be a 3-letter code")
	}
	if in.OpeningBalanceDate == nil && !in.OpeningBalance.IsZero() {
		return validationErr("openingBalanceDate", "opening balance requires a baseline date")
	}
	return nil
}

// checkParent enforces the parent-side invariants shared by create,
// reparent, and reactivation.
func (s *Service) checkParent(parent Account, childType AccountType) error {
	if parent.IsArchived() {
		return ErrParentArchived
	}
	if parent.Type != childType {
		return fmt.Errorf("%w: parent %s, child %s", ErrTypeMismatch, parent.Type, childType)
	}
	if parent.Level+1 >= s.cfg.MaxTreeDepth {
		return fmt.Errorf("%w: limit %d levels", ErrTreeTooDeep, s.cfg.MaxTreeDepth)
	}
	return nil
}
