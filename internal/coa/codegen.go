package coa

import (
	"fmt"
	"strconv"
)

// CodeBands maps each account type to the base of its numeric code band.
type CodeBands map[AccountType]int

// DefaultCodeBands is the conventional 4-digit layout: assets in the 1000s
// through expenses in the 5000s.
func DefaultCodeBands() CodeBands {
	return CodeBands{
		AccountTypeAsset:     1000,
		AccountTypeLiability: 2000,
		AccountTypeEquity:    3000,
		AccountTypeRevenue:   4000,
		AccountTypeExpense:   5000,
	}
}

// CodeGenerator proposes the next unused account code for a type band or a
// parent's sequence. Its output is advisory; the store enforces uniqueness
// atomically at insert time and losers retry.
type CodeGenerator struct {
	bands     CodeBands
	width     int
	increment int
}

// NewCodeGenerator builds a generator. Width is the size of each band
// (default 1000) and increment the step between generated codes (default 1;
// a gap convention such as 10 is supported but not used here).
func NewCodeGenerator(bands CodeBands, width, increment int) *CodeGenerator {
	if bands == nil {
		bands = DefaultCodeBands()
	}
	if width <= 0 {
		width = 1000
	}
	if increment <= 0 {
		increment = 1
	}
	return &CodeGenerator{bands: bands, width: width, increment: increment}
}

// Next picks the lowest free code after the highest relevant existing code.
// Existing must be the tenant's full account set so collisions across
// branches are seen. With a parent the sequence starts at parent+1 and all
// of the parent's children advance it; without one it starts at the band
// base.
func (g *CodeGenerator) Next(existing []Account, typ AccountType, parent *Account) (string, error) {
	base, ok := g.bands[typ]
	if !ok {
		return "", validationErr("type", fmt.Sprintf("no code band for type %q", typ))
	}
	bandEnd := base + g.width

	taken := make(map[int]bool, len(existing))
	for _, a := range existing {
		if n, err := strconv.Atoi(a.Code); err == nil {
			taken[n] = true
		}
	}

	candidate := base
	if parent != nil {
		parentNum, err := strconv.Atoi(parent.Code)
		if err != nil {
			return "", validationErr("parentAccountId", fmt.Sprintf("parent code %q is not numeric", parent.Code))
		}
		candidate = parentNum + g.increment
		for _, a := range existing {
			if a.ParentID == nil || *a.ParentID != parent.ID {
				continue
			}
			if n, err := strconv.Atoi(a.Code); err == nil && n+g.increment > candidate {
				candidate = n + g.increment
			}
		}
	} else {
		for _, a := range existing {
			n, err := strconv.Atoi(a.Code)
			if err != nil || n < base || n >= bandEnd {
				continue
			}
			if n+g.increment > candidate {
				candidate = n + g.increment
			}
		}
	}

	for taken[candidate] {
		candidate += g.increment
	}
	if candidate >= bandEnd {
		return "", fmt.Errorf("%w: type %s band %d-%d", ErrCodeSpaceExhausted, typ, base, bandEnd-1)
	}
	return fmt.Sprintf("%04d", candidate), nil
}
