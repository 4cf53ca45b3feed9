// Package acs fetches and aggregates the ledger's active contract set. The
// full fetcher sweeps the ACS at a fixed (migration, record_time); the delta
// fetcher pages the update log after a cursor. Both fold into an explicit
// Accumulator value so re-running a page range is idempotent and parallel
// folds stay safe.
package acs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cantonwatch/acs-indexer/pkg/decimal"
)

// ErrNoProgress is returned when a pagination cursor fails to advance.
// This signals a ledger-side pagination contract violation and is never
// retried.
var ErrNoProgress = errors.New("acs: pagination cursor did not advance")

// Event type tags carried on contract entries in incremental artifacts.
const (
	EntryCreated  = "created"
	EntryArchived = "archived"
)

// Contract is one active-set entry. EventType distinguishes created from
// archived entries in incremental artifacts; full-snapshot entries are all
// created by definition.
type Contract struct {
	ContractID      string          `json:"contract_id"`
	TemplateID      string          `json:"template_id"`
	PackageName     string          `json:"package_name,omitempty"`
	CreateArguments json.RawMessage `json:"create_arguments,omitempty"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
	EventType       string          `json:"event_type,omitempty"`
}

// TemplateBucket collects the contracts and running aggregates for one
// template within an Accumulator.
type TemplateBucket struct {
	TemplateID    string
	Contracts     []Contract
	FieldSums     map[string]decimal.Decimal
	StatusTallies map[string]int64
}

// Accumulator is the aggregation state threaded through page processing.
// It is a plain value owned by the caller, never package state.
type Accumulator struct {
	Templates map[string]*TemplateBucket
	seen      map[string]struct{}

	// per-package primary-amount totals, in first-seen order
	packageTotals map[string]decimal.Decimal
	packageOrder  []string

	AmuletTotal decimal.Decimal
	LockedTotal decimal.Decimal
	EntryCount  int64
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		Templates:     make(map[string]*TemplateBucket),
		seen:          make(map[string]struct{}),
		packageTotals: make(map[string]decimal.Decimal),
	}
}

// Circulating is the unlocked share of the tracked token: every amulet
// amount observed minus the locked portion.
func (a *Accumulator) Circulating() decimal.Decimal {
	return a.AmuletTotal.Minus(a.LockedTotal)
}

// CanonicalPackage returns the package with the largest primary-amount
// aggregate, ties broken by first-seen order. During a migration the same
// token can be live under several package versions at once; totals must not
// arbitrarily pick a stale one.
func (a *Accumulator) CanonicalPackage() string {
	var best string
	var bestTotal decimal.Decimal
	for _, pkg := range a.packageOrder {
		total := a.packageTotals[pkg]
		if best == "" || total.Cmp(bestTotal) > 0 {
			best = pkg
			bestTotal = total
		}
	}
	return best
}

// PackageTotal returns the accumulated primary amount for a package.
func (a *Accumulator) PackageTotal(pkg string) decimal.Decimal {
	return a.packageTotals[pkg]
}

// Bucket returns the accumulator's bucket for a template, creating it on
// first use.
func (a *Accumulator) Bucket(templateID string) *TemplateBucket {
	b, ok := a.Templates[templateID]
	if !ok {
		b = &TemplateBucket{
			TemplateID:    templateID,
			FieldSums:     make(map[string]decimal.Decimal),
			StatusTallies: make(map[string]int64),
		}
		a.Templates[templateID] = b
	}
	return b
}

func (a *Accumulator) notePackage(pkg string, amount decimal.Decimal) {
	if pkg == "" {
		return
	}
	if _, ok := a.packageTotals[pkg]; !ok {
		a.packageOrder = append(a.packageOrder, pkg)
	}
	a.packageTotals[pkg] = a.packageTotals[pkg].Plus(amount)
}
