package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
)

// QuotaLedger tracks bundle grants and their consumption.
// Reports for the same account are applied one at a time, so concurrent
// reports never lose an update and a grant never exceeds its bundle.
type QuotaLedger struct {
	grants GrantStore
	links  LinkStore
	unify  bool
	locks  keyedMutex
	log    *logger.Logger
	now    func() time.Time

	statsMu sync.Mutex
	stats   map[string]*model.UsageStats
}

// NewQuotaLedger creates a new QuotaLedger. links may be nil when accounts are never linked.
func NewQuotaLedger(grants GrantStore, links LinkStore, unify bool, log *logger.Logger) *QuotaLedger {
	return &QuotaLedger{
		grants: grants,
		links:  links,
		unify:  unify,
		log:    log.WithComponent("quota_ledger"),
		now:    time.Now,
		stats:  make(map[string]*model.UsageStats),
	}
}

// GrantBundle appends a new bundle grant for the device
func (l *QuotaLedger) GrantBundle(ctx context.Context, identifier string, bundleMB float64, fingerprint, routerID string, source model.GrantSource) (*model.BundleGrant, error) {
	if identifier == "" || fingerprint == "" {
		return nil, fmt.Errorf("%w: identifier and fingerprint are required", ErrInvalidGrant)
	}
	if math.IsNaN(bundleMB) || math.IsInf(bundleMB, 0) || bundleMB <= 0 {
		return nil, fmt.Errorf("%w: bundle must be a positive number of megabytes", ErrInvalidGrant)
	}
	if !source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidGrant, source)
	}

	ids, err := l.accountIDs(ctx, identifier)
	if err != nil {
		return nil, err
	}
	unlock := l.locks.lock(accountKey(ids))
	defer unlock()

	grant := &model.BundleGrant{
		ID:          generateID("grt"),
		Identifier:  identifier,
		Fingerprint: fingerprint,
		BundleMB:    bundleMB,
		GrantedAt:   l.now().UTC(),
		Source:      source,
		RouterID:    routerID,
	}
	if err := l.grants.Append(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to append grant: %w", err)
	}

	l.Seed(identifier)
	l.log.Info().
		Str("identifier", identifier).
		Str("grant_id", grant.ID).
		Float64("bundle_mb", bundleMB).
		Str("source", string(source)).
		Msg("bundle granted")

	return grant, nil
}

// ReportUsage consumes deltaMB from the oldest open grant. The excess beyond
// that grant's capacity is dropped. It returns false when there was nothing to
// consume. Non-positive deltas are ignored.
func (l *QuotaLedger) ReportUsage(ctx context.Context, identifier, fingerprint string, deltaMB float64, routerID string) (bool, error) {
	if identifier == "" {
		return false, fmt.Errorf("%w: identifier is required", ErrInvalidUsage)
	}
	if math.IsNaN(deltaMB) || math.IsInf(deltaMB, 0) {
		return false, fmt.Errorf("%w: usage must be a finite number of megabytes", ErrInvalidUsage)
	}
	if deltaMB <= 0 {
		return false, nil
	}

	ids, err := l.accountIDs(ctx, identifier)
	if err != nil {
		return false, err
	}
	unlock := l.locks.lock(accountKey(ids))
	defer unlock()

	grants, err := l.grants.List(ctx, ids, l.deviceFilter(fingerprint))
	if err != nil {
		return false, fmt.Errorf("failed to list grants: %w", err)
	}

	var open *model.BundleGrant
	for _, g := range grants {
		if g.IsOpen() {
			open = g
			break
		}
	}
	if open == nil {
		l.record(identifier, deltaMB, deltaMB)
		return false, nil
	}
	consumed := math.Min(deltaMB, open.RemainingMB())
	if _, err := l.grants.AddUsage(ctx, open.ID, consumed); err != nil {
		return false, fmt.Errorf("failed to record usage: %w", err)
	}
	l.record(identifier, deltaMB, deltaMB-consumed)

	l.log.Debug().
		Str("identifier", identifier).
		Str("grant_id", open.ID).
		Str("router_id", routerID).
		Float64("consumed_mb", consumed).
		Float64("dropped_mb", deltaMB-consumed).
		Msg("usage recorded")

	return true, nil
}

// Remaining sums the grants of the device, or of the whole linked account when unify is set
func (l *QuotaLedger) Remaining(ctx context.Context, identifier, fingerprint string, unify bool) (*model.Quota, error) {
	ids := []string{identifier}
	filter := fingerprint
	if unify {
		linked, err := l.linked(ctx, identifier)
		if err != nil {
			return nil, err
		}
		ids = linked
		filter = ""
	}

	grants, err := l.grants.List(ctx, ids, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return summarize(grants), nil
}

// HasAccess reports whether the device has any quota left under the configured unification mode
func (l *QuotaLedger) HasAccess(ctx context.Context, identifier, fingerprint string) (bool, error) {
	q, err := l.Remaining(ctx, identifier, fingerprint, l.unify)
	if err != nil {
		return false, err
	}
	return !q.Exhausted, nil
}

// Unified reports whether quota is shared across linked identifiers
func (l *QuotaLedger) Unified() bool {
	return l.unify
}

// Reset removes every grant of the identifier. Operator use only.
func (l *QuotaLedger) Reset(ctx context.Context, identifier string) (int64, error) {
	ids, err := l.accountIDs(ctx, identifier)
	if err != nil {
		return 0, err
	}
	unlock := l.locks.lock(accountKey(ids))
	defer unlock()

	n, err := l.grants.DeleteByIdentifier(ctx, identifier)
	if err != nil {
		return 0, fmt.Errorf("failed to reset grants: %w", err)
	}

	l.statsMu.Lock()
	delete(l.stats, identifier)
	l.statsMu.Unlock()

	l.log.Info().Str("identifier", identifier).Int64("grants", n).Msg("quota reset")
	return n, nil
}

// Link groups identifiers under one account
func (l *QuotaLedger) Link(ctx context.Context, accountID string, identifiers []string) error {
	if l.links == nil {
		return fmt.Errorf("account linking is not available")
	}
	if err := l.links.Link(ctx, accountID, identifiers); err != nil {
		return fmt.Errorf("failed to link identifiers: %w", err)
	}
	return nil
}

// Seed makes sure usage stats exist for identifier
func (l *QuotaLedger) Seed(identifier string) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	if _, ok := l.stats[identifier]; !ok {
		l.stats[identifier] = &model.UsageStats{Identifier: identifier}
	}
}

// Stats returns a copy of the usage stats for identifier
func (l *QuotaLedger) Stats(identifier string) model.UsageStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	if s, ok := l.stats[identifier]; ok {
		return *s
	}
	return model.UsageStats{Identifier: identifier}
}

func (l *QuotaLedger) record(identifier string, reported, dropped float64) {
	now := l.now().UTC()
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	s, ok := l.stats[identifier]
	if !ok {
		s = &model.UsageStats{Identifier: identifier}
		l.stats[identifier] = s
	}
	s.ReportedMB += reported
	s.DroppedMB += dropped
	s.LastReportAt = &now
}

func (l *QuotaLedger) deviceFilter(fingerprint string) string {
	if l.unify {
		return ""
	}
	return fingerprint
}

// accountIDs returns the identifiers whose grants are consumed together
func (l *QuotaLedger) accountIDs(ctx context.Context, identifier string) ([]string, error) {
	if !l.unify {
		return []string{identifier}, nil
	}
	return l.linked(ctx, identifier)
}

func (l *QuotaLedger) linked(ctx context.Context, identifier string) ([]string, error) {
	if l.links == nil {
		return []string{identifier}, nil
	}
	ids, err := l.links.Linked(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve linked identifiers: %w", err)
	}
	if len(ids) == 0 {
		return []string{identifier}, nil
	}
	return ids, nil
}

func accountKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}

func summarize(grants []*model.BundleGrant) *model.Quota {
	q := &model.Quota{}
	for _, g := range grants {
		q.TotalBundleMB += g.BundleMB
		q.TotalUsedMB += math.Min(g.UsedMB, g.BundleMB)
	}
	q.RemainingMB = math.Max(0, q.TotalBundleMB-q.TotalUsedMB)
	q.Exhausted = q.RemainingMB <= 0
	return q
}
