package coa

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// fakeRepo is an in-memory ledger store with the same contract as the
// PostgreSQL adapter, including atomic code uniqueness on insert.
type fakeRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]Account
	activity map[uuid.UUID][]leg

	insertCalls   int
	activityCalls int
	// forceConflicts makes the next N inserts fail as if a concurrent
	// request won the code race.
	forceConflicts int
}

type leg struct {
	date   time.Time
	debit  decimal.Decimal
	credit decimal.Decimal
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		accounts: make(map[uuid.UUID]Account),
		activity: make(map[uuid.UUID][]leg),
	}
}

func (f *fakeRepo) seed(a Account) Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.accounts[a.ID] = a
	return a
}

func (f *fakeRepo) post(id uuid.UUID, date time.Time, debit, credit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity[id] = append(f.activity[id], leg{
		date:   date,
		debit:  decimal.RequireFromString(debit),
		credit: decimal.RequireFromString(credit),
	})
}

func (f *fakeRepo) FetchAccounts(_ context.Context, companyID int64, fl Filter) ([]Account, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Account
	for _, a := range f.accounts {
		if a.CompanyID != companyID {
			continue
		}
		if fl.Type != "" && a.Type != fl.Type {
			continue
		}
		if fl.SubType != "" && a.SubType != fl.SubType {
			continue
		}
		if fl.Status != "" && a.Status != fl.Status {
			continue
		}
		if fl.ParentID != nil && (a.ParentID == nil || *a.ParentID != *fl.ParentID) {
			continue
		}
		if fl.Search != "" {
			needle := strings.ToLower(fl.Search)
			if !strings.Contains(strings.ToLower(a.Name), needle) && !strings.Contains(strings.ToLower(a.Code), needle) {
				continue
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	total := len(out)
	if fl.PerPage > 0 {
		start := (fl.Page - 1) * fl.PerPage
		if start < 0 {
			start = 0
		}
		if start > total {
			start = total
		}
		end := start + fl.PerPage
		if end > total {
			end = total
		}
		out = out[start:end]
	}
	return out, total, nil
}

func (f *fakeRepo) GetAccount(_ context.Context, companyID int64, id uuid.UUID) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok || a.CompanyID != companyID {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeRepo) InsertAccount(_ context.Context, a Account) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.forceConflicts > 0 {
		f.forceConflicts--
		return Account{}, fmt.Errorf("%w: code %s", ErrCodeConflict, a.Code)
	}
	for _, existing := range f.accounts {
		if existing.CompanyID == a.CompanyID && existing.Code == a.Code {
			return Account{}, fmt.Errorf("%w: code %s", ErrCodeConflict, a.Code)
		}
	}
	f.accounts[a.ID] = a
	return a, nil
}

func (f *fakeRepo) UpdateAccount(_ context.Context, a Account) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.accounts[a.ID]
	if !ok || existing.CompanyID != a.CompanyID {
		return Account{}, ErrNotFound
	}
	f.accounts[a.ID] = a
	return a, nil
}

func (f *fakeRepo) DeleteAccount(_ context.Context, companyID int64, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok || a.CompanyID != companyID {
		return ErrNotFound
	}
	delete(f.accounts, id)
	return nil
}

func (f *fakeRepo) CountChildren(_ context.Context, companyID int64, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.accounts {
		if a.CompanyID == companyID && a.ParentID != nil && *a.ParentID == id {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) HasActivity(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activity[id]) > 0, nil
}

func (f *fakeRepo) FetchActivityTotals(ctx context.Context, id uuid.UUID, since, until time.Time) (ActivityTotals, error) {
	if err := ctx.Err(); err != nil {
		return ActivityTotals{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activityCalls++
	totals := ActivityTotals{Debit: decimal.Zero, Credit: decimal.Zero}
	for _, l := range f.activity[id] {
		if l.date.After(until) {
			continue
		}
		if !since.IsZero() && l.date.Before(since) {
			continue
		}
		totals.Debit = totals.Debit.Add(l.debit)
		totals.Credit = totals.Credit.Add(l.credit)
	}
	return totals, nil
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	// Mutations land on a copy and commit only on success, mirroring the
	// adapter's rollback behaviour.
	f.mu.Lock()
	staged := make(map[uuid.UUID]Account, len(f.accounts))
	for id, a := range f.accounts {
		staged[id] = a
	}
	f.mu.Unlock()

	tx := &fakeTx{accounts: staged}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	f.mu.Lock()
	f.accounts = staged
	f.mu.Unlock()
	return nil
}

type fakeTx struct {
	accounts map[uuid.UUID]Account
}

func (t *fakeTx) SetParent(_ context.Context, id uuid.UUID, parentID *uuid.UUID, level int) error {
	a, ok := t.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.ParentID = parentID
	a.Level = level
	t.accounts[id] = a
	return nil
}

func (t *fakeTx) SetLevel(_ context.Context, id uuid.UUID, level int) error {
	a, ok := t.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Level = level
	t.accounts[id] = a
	return nil
}
