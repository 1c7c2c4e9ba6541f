package coa

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Balance computes an account's position as of a date: raw debit and credit
// totals plus the net in the account type's own sign convention. The read
// is pure; any failure below aborts the whole aggregation rather than
// reporting a partial figure.
func (s *Service) Balance(ctx context.Context, companyID int64, accountID uuid.UUID, asOf time.Time) (BalanceReport, error) {
	accounts, _, err := s.repo.FetchAccounts(ctx, companyID, Filter{})
	if err != nil {
		return BalanceReport{}, err
	}
	ix := newTreeIndex(accounts)
	a, ok := ix.byID[accountID]
	if !ok {
		return BalanceReport{}, ErrNotFound
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	node := buildSubtree(ix, a)
	return s.aggregateNode(ctx, node, asOf, a.Level)
}

func buildSubtree(ix *treeIndex, a Account) *AccountNode {
	node := &AccountNode{Account: a}
	for _, c := range ix.children[a.ID] {
		node.Children = append(node.Children, buildSubtree(ix, c))
	}
	return node
}

// aggregateNode fills node.Balance and returns it. Leaves and accounts
// allowing direct postings contribute their own activity window; control
// accounts additionally fold in their children, concurrently but read-only.
// A non-control account ignores its children. Raw debit and credit totals
// roll up unchanged, which makes the net sign-correct even when a child's
// type differs from its parent's.
func (s *Service) aggregateNode(ctx context.Context, node *AccountNode, asOf time.Time, depth int) (BalanceReport, error) {
	if depth >= s.cfg.MaxTreeDepth {
		return BalanceReport{}, ErrTreeTooDeep
	}
	if err := ctx.Err(); err != nil {
		return BalanceReport{}, err
	}

	a := node.Account
	report := BalanceReport{
		AccountID: a.ID,
		AsOf:      asOf,
		Debit:     decimal.Zero,
		Credit:    decimal.Zero,
		Net:       decimal.Zero,
	}

	if len(node.Children) == 0 || a.AllowDirect {
		since := time.Time{}
		if a.OpeningBalanceDate != nil {
			// Activity before the baseline predates the opening balance
			// and must not be counted twice.
			since = *a.OpeningBalanceDate
		}
		totals, err := s.repo.FetchActivityTotals(ctx, a.ID, since, asOf)
		if err != nil {
			return BalanceReport{}, err
		}
		report.Debit = totals.Debit
		report.Credit = totals.Credit
	}

	if a.OpeningBalanceDate == nil || !a.OpeningBalanceDate.After(asOf) {
		var err error
		if NormalBalanceSign(a.Type) == SignDebit {
			report.Debit, err = s.arith.Add(report.Debit, a.OpeningBalance)
		} else {
			report.Credit, err = s.arith.Add(report.Credit, a.OpeningBalance)
		}
		if err != nil {
			return BalanceReport{}, err
		}
	}

	if a.IsControl && len(node.Children) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.BalanceConcurrency)
		reports := make([]BalanceReport, len(node.Children))
		for i, child := range node.Children {
			g.Go(func() error {
				r, err := s.aggregateNode(gctx, child, asOf, depth+1)
				if err != nil {
					return err
				}
				reports[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return BalanceReport{}, err
		}
		for _, cr := range reports {
			var err error
			if report.Debit, err = s.arith.Add(report.Debit, cr.Debit); err != nil {
				return BalanceReport{}, err
			}
			if report.Credit, err = s.arith.Add(report.Credit, cr.Credit); err != nil {
				return BalanceReport{}, err
			}
		}
	}

	var err error
	if NormalBalanceSign(a.Type) == SignDebit {
		report.Net, err = s.arith.Sub(report.Debit, report.Credit)
	} else {
		report.Net, err = s.arith.Sub(report.Credit, report.Debit)
	}
	if err != nil {
		return BalanceReport{}, err
	}

	node.Balance = &report
	return report, nil
}
