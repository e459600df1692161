package service

import (
	"context"
	"errors"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"identityresolver/internal/domainerrors"
	"identityresolver/internal/lock"
	"identityresolver/internal/metrics"
	"identityresolver/internal/models"
)

const (
	// maxLinkHops bounds how far FindByID follows linked_id chains to reach a root.
	maxLinkHops = 8
	// maxMergeAttempts bounds how often lockClusters re-locks a changed root set.
	maxMergeAttempts = 3
)

// Resolver consolidates (email, phone) observations into identity clusters.
// It holds no state between calls; everything lives in the ContactStore.
type Resolver struct {
	store          ContactStore
	locker         lock.Locker
	metrics        *metrics.Metrics
	logger         *zap.Logger
	tracer         trace.Tracer
	mergePrimaries bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLocker replaces the default in-process locker.
func WithLocker(l lock.Locker) Option {
	return func(r *Resolver) { r.locker = l }
}

// WithMetrics records resolution outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger for created contacts, merges and failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithTracer sets the tracer used for Resolve spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// WithMergePrimaries lets an observation that touches several clusters collapse them
// into the oldest one. Off by default: primaries are then never demoted.
func WithMergePrimaries(enabled bool) Option {
	return func(r *Resolver) { r.mergePrimaries = enabled }
}

// NewResolver creates a resolver over store.
func NewResolver(store ContactStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		locker: lock.NewLocalLocker(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("identityresolver/service"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve records the observation in req and returns the consolidated identity it belongs to.
// At most one contact is inserted per call.
func (r *Resolver) Resolve(ctx context.Context, req models.IdentifyRequest) (*models.ConsolidatedIdentity, error) {
	if err := req.Validate(); err != nil {
		r.metrics.ObserveResolution(metrics.OutcomeInvalid)
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "Resolver.Resolve")
	defer span.End()

	unlock, err := r.locker.Lock(ctx, req.LockKeys()...)
	if err != nil {
		return nil, r.fail(span, domainerrors.Wrap(domainerrors.CodeStoreUnavailable, "acquire identifier lock", err))
	}
	defer unlock()

	result, outcome, err := r.resolve(ctx, req)
	if err != nil {
		return nil, r.fail(span, err)
	}

	r.metrics.ObserveResolution(outcome)
	span.SetAttributes(
		attribute.String("identity.outcome", outcome),
		attribute.Int64("identity.primary_contact_id", result.PrimaryContactID),
		attribute.Int("identity.secondary_count", len(result.SecondaryContactIDs)),
	)
	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, req models.IdentifyRequest) (*models.ConsolidatedIdentity, string, error) {
	matches, err := r.store.FindByEmailOrPhone(ctx, req.Email, req.PhoneNumber)
	if err != nil {
		return nil, "", storeError("find contacts by email or phone", err)
	}

	var primary *models.Contact
	outcome := metrics.OutcomeMatched

	if len(matches) == 0 {
		primary, err = r.insert(ctx, &models.Contact{
			Email:          req.Email,
			PhoneNumber:    req.PhoneNumber,
			LinkPrecedence: models.LinkPrimary,
		})
		if err != nil {
			return nil, "", err
		}
		outcome = metrics.OutcomeCreatedPrimary
	} else {
		var absorbed []*models.Contact
		primary, absorbed, err = r.selectPrimary(ctx, matches)
		if err != nil {
			return nil, "", err
		}

		if len(absorbed) > 0 {
			var unlock func()
			matches, primary, absorbed, unlock, err = r.lockClusters(ctx, req, primary, absorbed)
			if err != nil {
				return nil, "", err
			}
			defer unlock()
		}

		if len(absorbed) > 0 {
			if err := r.merge(ctx, primary, absorbed); err != nil {
				return nil, "", err
			}
		}

		if hasNewInformation(matches, req) {
			if _, err := r.insert(ctx, &models.Contact{
				Email:          req.Email,
				PhoneNumber:    req.PhoneNumber,
				LinkedID:       &primary.ID,
				LinkPrecedence: models.LinkSecondary,
			}); err != nil {
				return nil, "", err
			}
			outcome = metrics.OutcomeCreatedSecondary
		}
	}

	cluster, err := r.store.FindByPrimaryOrLinkedID(ctx, primary.ID)
	if err != nil {
		return nil, "", storeError("load cluster", err)
	}
	return models.Consolidate(primary.ID, cluster), outcome, nil
}

// selectPrimary picks the contact the observation is attached to.
//
// Matched primaries win, earliest first. When only secondaries matched, their roots are
// loaded through linked_id. When no root can be loaded the earliest match stands in.
// In merge mode every root touched by the matches is considered and the losers are returned.
func (r *Resolver) selectPrimary(ctx context.Context, matches []*models.Contact) (*models.Contact, []*models.Contact, error) {
	var primaries []*models.Contact
	for _, c := range matches {
		if c.IsPrimary() {
			primaries = append(primaries, c)
		}
	}
	if !r.mergePrimaries && len(primaries) > 0 {
		return models.Earliest(primaries), nil, nil
	}

	roots, err := r.loadRoots(ctx, matches, primaries)
	if err != nil {
		return nil, nil, err
	}
	if len(roots) == 0 {
		fallback := models.Earliest(matches)
		r.logger.Warn("no primary reachable from matched contacts; using earliest match",
			zap.Int64("contact_id", fallback.ID))
		return fallback, nil, nil
	}

	winner := models.Earliest(roots)
	if !r.mergePrimaries {
		return winner, nil, nil
	}

	var absorbed []*models.Contact
	for _, root := range roots {
		if root.ID != winner.ID {
			absorbed = append(absorbed, root)
		}
	}
	return winner, absorbed, nil
}

// loadRoots returns the distinct primaries reachable from matches.
func (r *Resolver) loadRoots(ctx context.Context, matches, primaries []*models.Contact) ([]*models.Contact, error) {
	roots := make(map[int64]*models.Contact, len(primaries))
	for _, p := range primaries {
		roots[p.ID] = p
	}

	for _, c := range matches {
		if c.IsPrimary() || c.LinkedID == nil {
			continue
		}
		root, err := r.followLink(ctx, *c.LinkedID)
		if err != nil {
			return nil, err
		}
		if root == nil {
			r.logger.Warn("secondary contact links to a missing primary",
				zap.Int64("contact_id", c.ID), zap.Int64("linked_id", *c.LinkedID))
			continue
		}
		roots[root.ID] = root
	}

	out := make([]*models.Contact, 0, len(roots))
	for _, root := range roots {
		out = append(out, root)
	}
	return out, nil
}

// followLink walks linked_id references from id until it reaches a primary.
// It returns nil when the chain is broken or longer than maxLinkHops.
func (r *Resolver) followLink(ctx context.Context, id int64) (*models.Contact, error) {
	visited := make(map[int64]bool)
	for hop := 0; hop < maxLinkHops; hop++ {
		if visited[id] {
			return nil, nil
		}
		visited[id] = true

		c, err := r.store.FindByID(ctx, id)
		if errors.Is(err, models.ErrContactNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, storeError("load linked contact", err)
		}
		if c.IsPrimary() {
			return c, nil
		}
		if c.LinkedID == nil {
			return nil, nil
		}
		id = *c.LinkedID
	}
	return nil, nil
}

// lockClusters locks every root taking part in a merge and selects again under those locks.
// Identifier locks do not cover a cluster reached through other identifiers, so two merges
// touching the same loser are serialized here. When the roots changed while waiting, the new
// set is locked instead, up to maxMergeAttempts times.
func (r *Resolver) lockClusters(ctx context.Context, req models.IdentifyRequest, primary *models.Contact, absorbed []*models.Contact) ([]*models.Contact, *models.Contact, []*models.Contact, func(), error) {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		keys := clusterLockKeys(primary, absorbed)
		unlock, err := r.locker.Lock(ctx, keys...)
		if err != nil {
			return nil, nil, nil, nil, domainerrors.Wrap(domainerrors.CodeStoreUnavailable, "acquire cluster lock", err)
		}

		matches, err := r.store.FindByEmailOrPhone(ctx, req.Email, req.PhoneNumber)
		if err != nil {
			unlock()
			return nil, nil, nil, nil, storeError("find contacts by email or phone", err)
		}
		nextPrimary, nextAbsorbed, err := r.selectPrimary(ctx, matches)
		if err != nil {
			unlock()
			return nil, nil, nil, nil, err
		}

		if len(nextAbsorbed) == 0 || isSubset(clusterLockKeys(nextPrimary, nextAbsorbed), keys) {
			return matches, nextPrimary, nextAbsorbed, unlock, nil
		}
		unlock()
		primary, absorbed = nextPrimary, nextAbsorbed
	}
	return nil, nil, nil, nil, domainerrors.New(domainerrors.CodeStoreUnavailable, "clusters kept changing during merge")
}

func clusterLockKeys(primary *models.Contact, absorbed []*models.Contact) []string {
	keys := make([]string, 0, len(absorbed)+1)
	keys = append(keys, "contact:"+strconv.FormatInt(primary.ID, 10))
	for _, root := range absorbed {
		keys = append(keys, "contact:"+strconv.FormatInt(root.ID, 10))
	}
	return keys
}

func isSubset(keys, held []string) bool {
	for _, k := range keys {
		if !slices.Contains(held, k) {
			return false
		}
	}
	return true
}

// merge folds each absorbed primary and its secondaries into primary in one store call.
func (r *Resolver) merge(ctx context.Context, primary *models.Contact, absorbed []*models.Contact) error {
	rootIDs := make([]int64, 0, len(absorbed))
	for _, root := range absorbed {
		rootIDs = append(rootIDs, root.ID)
	}
	slices.Sort(rootIDs)

	if err := r.store.Absorb(ctx, primary.ID, rootIDs); err != nil {
		return storeError("merge clusters", err)
	}
	r.logger.Info("merged identity clusters",
		zap.Int64("primary_contact_id", primary.ID),
		zap.Int64s("merged_contact_ids", rootIDs))
	r.metrics.ObserveMerge(len(rootIDs))
	return nil
}

func (r *Resolver) insert(ctx context.Context, c *models.Contact) (*models.Contact, error) {
	created, err := r.store.Insert(ctx, c)
	if err != nil {
		return nil, storeError("insert contact", err)
	}
	r.metrics.ObserveContactCreated(string(created.LinkPrecedence))

	fields := []zap.Field{
		zap.Int64("contact_id", created.ID),
		zap.String("link_precedence", string(created.LinkPrecedence)),
	}
	if created.LinkedID != nil {
		fields = append(fields, zap.Int64("linked_id", *created.LinkedID))
	}
	r.logger.Info("contact created", fields...)
	return created, nil
}

func (r *Resolver) fail(span trace.Span, err error) error {
	r.metrics.ObserveResolution(metrics.OutcomeError)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("resolve identity", zap.Error(err))
	return err
}

// hasNewInformation reports whether the request carries an email or phone number
// that none of the matched contacts already has.
func hasNewInformation(contacts []*models.Contact, req models.IdentifyRequest) bool {
	existingEmails := make(map[string]bool)
	existingPhones := make(map[string]bool)

	for _, c := range contacts {
		if c.Email != nil {
			existingEmails[*c.Email] = true
		}
		if c.PhoneNumber != nil {
			existingPhones[*c.PhoneNumber] = true
		}
	}

	if req.Email != nil && !existingEmails[*req.Email] {
		return true
	}
	if req.PhoneNumber != nil && !existingPhones[*req.PhoneNumber] {
		return true
	}
	return false
}

func storeError(op string, err error) error {
	return domainerrors.Wrap(domainerrors.CodeStoreUnavailable, op, err)
}
