package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"identityresolver/internal/metrics"
	"identityresolver/internal/models"
	"identityresolver/internal/service"
	"identityresolver/internal/store/memory"
	"identityresolver/internal/storetest"
)

type ResolverSuite struct {
	suite.Suite
	store    *memory.Store
	metrics  *metrics.Metrics
	resolver *service.Resolver
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.store = memory.NewWithClock(tickingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.resolver = service.NewResolver(s.store, service.WithMetrics(s.metrics))
}

func (s *ResolverSuite) resolve(email, phone string) *models.ConsolidatedIdentity {
	got, err := s.resolver.Resolve(context.Background(), models.NewIdentifyRequest(email, phone))
	s.Require().NoError(err)
	return got
}

func (s *ResolverSuite) seed(c models.Contact) *models.Contact {
	return storetest.Seed(s.T(), s.store, c)
}

func (s *ResolverSuite) TestScenario() {
	first := s.resolve("lorraine@hillvalley.edu", "123456")
	s.Equal(&models.ConsolidatedIdentity{
		PrimaryContactID:    1,
		Emails:              []string{"lorraine@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{},
	}, first)

	second := s.resolve("mcfly@hillvalley.edu", "123456")
	s.Equal(int64(1), second.PrimaryContactID)
	s.ElementsMatch([]string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"}, second.Emails)
	s.Equal([]string{"123456"}, second.PhoneNumbers)
	s.Equal([]int64{2}, second.SecondaryContactIDs)

	linked, err := s.store.FindByID(context.Background(), 2)
	s.Require().NoError(err)
	s.Equal(models.LinkSecondary, linked.LinkPrecedence)
	s.Require().NotNil(linked.LinkedID)
	s.Equal(int64(1), *linked.LinkedID)
}

func (s *ResolverSuite) TestNovelPairCreatesPrimary() {
	cases := []struct {
		name, email, phone string
		wantEmails         []string
		wantPhones         []string
	}{
		{"both", "doc@hillvalley.edu", "555", []string{"doc@hillvalley.edu"}, []string{"555"}},
		{"email only", "biff@hillvalley.edu", "", []string{"biff@hillvalley.edu"}, []string{}},
		{"phone only", "", "777", []string{}, []string{"777"}},
	}
	for _, tc := range cases {
		before := s.store.Len()
		got := s.resolve(tc.email, tc.phone)

		s.Equal(int64(before+1), got.PrimaryContactID, tc.name)
		s.Equal(tc.wantEmails, got.Emails, tc.name)
		s.Equal(tc.wantPhones, got.PhoneNumbers, tc.name)
		s.Empty(got.SecondaryContactIDs, tc.name)

		created, err := s.store.FindByID(context.Background(), got.PrimaryContactID)
		s.Require().NoError(err)
		s.True(created.IsPrimary())
		s.Nil(created.LinkedID)
	}
	s.Equal(3.0, testutil.ToFloat64(s.metrics.Resolutions.WithLabelValues(metrics.OutcomeCreatedPrimary)))
}

func (s *ResolverSuite) TestNewInformationCreatesSecondary() {
	primary := s.seed(models.Contact{Email: storetest.Str("a@x.com"), PhoneNumber: storetest.Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})

	got := s.resolve("a@x.com", "222")

	s.Equal(2, s.store.Len())
	s.Equal(primary.ID, got.PrimaryContactID)
	s.ElementsMatch([]string{"111", "222"}, got.PhoneNumbers)
	s.Equal([]string{"a@x.com"}, got.Emails)
	s.Equal([]int64{2}, got.SecondaryContactIDs)

	created, err := s.store.FindByID(context.Background(), 2)
	s.Require().NoError(err)
	s.Equal("a@x.com", created.EmailValue(), "the pair is stored verbatim even when one field is known")
	s.Equal("222", created.PhoneValue())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ContactsCreated.WithLabelValues("secondary")))
}

func (s *ResolverSuite) TestKnownPairIsIdempotent() {
	first := s.resolve("marty@hillvalley.edu", "985")
	s.resolve("george@hillvalley.edu", "985")
	count := s.store.Len()

	again := s.resolve("george@hillvalley.edu", "985")
	twice := s.resolve("george@hillvalley.edu", "985")

	s.Equal(count, s.store.Len())
	s.Equal(again, twice)
	s.Equal(first.PrimaryContactID, again.PrimaryContactID)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Resolutions.WithLabelValues(metrics.OutcomeMatched)))
}

func (s *ResolverSuite) TestKnownValuesFromDifferentContactsAddNothing() {
	p := s.seed(models.Contact{Email: storetest.Str("a@x.com"), PhoneNumber: storetest.Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	s.seed(models.Contact{Email: storetest.Str("b@x.com"), PhoneNumber: storetest.Str("222"), LinkedID: &p.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: storetest.Base.Add(time.Minute)})

	got := s.resolve("a@x.com", "222")

	s.Equal(2, s.store.Len())
	s.Equal(p.ID, got.PrimaryContactID)
	s.Equal([]string{"a@x.com", "b@x.com"}, got.Emails)
	s.Equal([]string{"111", "222"}, got.PhoneNumbers)
}

func (s *ResolverSuite) TestPrimarySelectionPrefersEarliestThenLowestID() {
	later := s.seed(models.Contact{Email: storetest.Str("a@x.com"), PhoneNumber: storetest.Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(time.Hour)})
	earlier := s.seed(models.Contact{Email: storetest.Str("b@x.com"), PhoneNumber: storetest.Str("222"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})

	got := s.resolve("a@x.com", "222")
	s.Equal(earlier.ID, got.PrimaryContactID)
	s.Equal(2, s.store.Len())

	untouched, err := s.store.FindByID(context.Background(), later.ID)
	s.Require().NoError(err)
	s.True(untouched.IsPrimary(), "primaries are never demoted unless merging is enabled")
}

func (s *ResolverSuite) TestPrimarySelectionTieBreaksOnID() {
	low := s.seed(models.Contact{Email: storetest.Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	s.seed(models.Contact{PhoneNumber: storetest.Str("222"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})

	got := s.resolve("a@x.com", "222")
	s.Equal(low.ID, got.PrimaryContactID)
}

func (s *ResolverSuite) TestSecondaryOnlyMatchFollowsLinkToRoot() {
	root := s.seed(models.Contact{Email: storetest.Str("a@x.com"), PhoneNumber: storetest.Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	sec := s.seed(models.Contact{Email: storetest.Str("b@x.com"), PhoneNumber: storetest.Str("222"), LinkedID: &root.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: storetest.Base.Add(time.Minute)})

	got := s.resolve("b@x.com", "")
	s.Equal(root.ID, got.PrimaryContactID)
	s.Equal([]int64{sec.ID}, got.SecondaryContactIDs)
	s.Equal([]string{"a@x.com", "b@x.com"}, got.Emails)

	withNewPhone := s.resolve("b@x.com", "333")
	s.Equal(root.ID, withNewPhone.PrimaryContactID)
	s.Equal([]int64{sec.ID, 3}, withNewPhone.SecondaryContactIDs)
	s.Equal([]string{"111", "222", "333"}, withNewPhone.PhoneNumbers)
}

func (s *ResolverSuite) TestUnreachableRootFallsBackToEarliestMatch() {
	deletedAt := storetest.Base.Add(time.Hour)
	root := s.seed(models.Contact{Email: storetest.Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base, DeletedAt: &deletedAt})
	sec := s.seed(models.Contact{Email: storetest.Str("b@x.com"), LinkedID: &root.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: storetest.Base.Add(time.Minute)})

	got := s.resolve("b@x.com", "")
	s.Equal(sec.ID, got.PrimaryContactID)
	s.Equal([]int64{sec.ID}, got.SecondaryContactIDs)
}

func (s *ResolverSuite) TestConsolidationIsCompleteFromAnyMember() {
	p := s.seed(models.Contact{Email: storetest.Str("e1@x.com"), PhoneNumber: storetest.Str("p1"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	members := []models.Contact{
		{Email: storetest.Str("e2@x.com"), PhoneNumber: storetest.Str("p1")},
		{Email: storetest.Str("e2@x.com"), PhoneNumber: storetest.Str("p2")},
		{PhoneNumber: storetest.Str("p3")},
		{Email: storetest.Str("e3@x.com")},
	}
	for i, m := range members {
		m.LinkedID = &p.ID
		m.LinkPrecedence = models.LinkSecondary
		m.CreatedAt = storetest.Base.Add(time.Duration(i+1) * time.Minute)
		s.seed(m)
	}
	total := s.store.Len()

	lookups := [][2]string{
		{"e1@x.com", ""}, {"e2@x.com", ""}, {"e3@x.com", ""},
		{"", "p1"}, {"", "p2"}, {"", "p3"},
	}
	for _, lookup := range lookups {
		got := s.resolve(lookup[0], lookup[1])
		s.Equal(p.ID, got.PrimaryContactID, lookup)
		s.Len(got.Emails, 3, lookup)
		s.Len(got.PhoneNumbers, 3, lookup)
		s.Len(got.SecondaryContactIDs, len(members), lookup)
	}
	s.Equal(total, s.store.Len())
}

func (s *ResolverSuite) TestMergeDisabledKeepsClustersApart() {
	a := s.seed(models.Contact{Email: storetest.Str("a@x.com"), PhoneNumber: storetest.Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	b := s.seed(models.Contact{Email: storetest.Str("b@x.com"), PhoneNumber: storetest.Str("222"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(time.Hour)})

	got := s.resolve("a@x.com", "222")
	s.Equal(a.ID, got.PrimaryContactID)
	s.Equal([]string{"a@x.com"}, got.Emails)

	bCluster := s.resolve("b@x.com", "")
	s.Equal(b.ID, bCluster.PrimaryContactID)
}

func (s *ResolverSuite) TestMergeEnabledCollapsesIntoOldestPrimary() {
	resolver := service.NewResolver(s.store, service.WithMetrics(s.metrics), service.WithMergePrimaries(true))
	a := s.seed(models.Contact{Email: storetest.Str("a@x.com"), PhoneNumber: storetest.Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	b := s.seed(models.Contact{Email: storetest.Str("b@x.com"), PhoneNumber: storetest.Str("222"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(time.Hour)})
	bSec := s.seed(models.Contact{Email: storetest.Str("c@x.com"), PhoneNumber: storetest.Str("222"), LinkedID: &b.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: storetest.Base.Add(2 * time.Hour)})

	got, err := resolver.Resolve(context.Background(), models.NewIdentifyRequest("a@x.com", "222"))
	s.Require().NoError(err)

	s.Equal(a.ID, got.PrimaryContactID)
	s.Equal([]string{"a@x.com", "b@x.com", "c@x.com"}, got.Emails)
	s.Equal([]string{"111", "222"}, got.PhoneNumbers)
	s.Equal([]int64{b.ID, bSec.ID}, got.SecondaryContactIDs)
	s.Equal(3, s.store.Len())

	demoted, err := s.store.FindByID(context.Background(), b.ID)
	s.Require().NoError(err)
	s.Equal(models.LinkSecondary, demoted.LinkPrecedence)
	s.Equal(a.ID, *demoted.LinkedID)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ClustersMerged))
}

func (s *ResolverSuite) TestMergeEnabledReachesRootsThroughSecondaries() {
	resolver := service.NewResolver(s.store, service.WithMergePrimaries(true))
	a := s.seed(models.Contact{Email: storetest.Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(time.Hour)})
	b := s.seed(models.Contact{Email: storetest.Str("b@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	bSec := s.seed(models.Contact{PhoneNumber: storetest.Str("222"), LinkedID: &b.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: storetest.Base.Add(2 * time.Hour)})

	got, err := resolver.Resolve(context.Background(), models.NewIdentifyRequest("a@x.com", "222"))
	s.Require().NoError(err)

	s.Equal(b.ID, got.PrimaryContactID, "the older root reached through a secondary wins")
	s.Equal([]int64{a.ID, bSec.ID}, got.SecondaryContactIDs)
}

// absorbFailingStore fails the first Absorb and delegates everything else.
type absorbFailingStore struct {
	*memory.Store
	failed bool
}

func (f *absorbFailingStore) Absorb(ctx context.Context, primaryID int64, rootIDs []int64) error {
	if !f.failed {
		f.failed = true
		return errors.New("connection reset")
	}
	return f.Store.Absorb(ctx, primaryID, rootIDs)
}

func (s *ResolverSuite) TestFailedMergeLeavesClustersIntact() {
	store := &absorbFailingStore{Store: s.store}
	resolver := service.NewResolver(store, service.WithMergePrimaries(true))
	a := s.seed(models.Contact{Email: storetest.Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	b := s.seed(models.Contact{PhoneNumber: storetest.Str("222"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(time.Hour)})
	bSec := s.seed(models.Contact{Email: storetest.Str("b@x.com"), PhoneNumber: storetest.Str("222"), LinkedID: &b.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: storetest.Base.Add(2 * time.Hour)})

	_, err := resolver.Resolve(context.Background(), models.NewIdentifyRequest("a@x.com", "222"))
	s.Require().Error(err)

	root, err := s.store.FindByID(context.Background(), b.ID)
	s.Require().NoError(err)
	s.True(root.IsPrimary(), "a failed merge must not demote the losing root")
	sec, err := s.store.FindByID(context.Background(), bSec.ID)
	s.Require().NoError(err)
	s.Equal(b.ID, *sec.LinkedID)
	s.Equal(3, s.store.Len())

	got, err := resolver.Resolve(context.Background(), models.NewIdentifyRequest("a@x.com", "222"))
	s.Require().NoError(err)
	s.Equal(a.ID, got.PrimaryContactID)
	s.Equal([]int64{b.ID, bSec.ID}, got.SecondaryContactIDs)
}

func (s *ResolverSuite) TestMergeEnabledFoldsSeveralRootsAtOnce() {
	resolver := service.NewResolver(s.store, service.WithMetrics(s.metrics), service.WithMergePrimaries(true))
	a := s.seed(models.Contact{Email: storetest.Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
	b := s.seed(models.Contact{PhoneNumber: storetest.Str("222"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(time.Hour)})
	c := s.seed(models.Contact{Email: storetest.Str("c@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(2 * time.Hour)})
	cSec := s.seed(models.Contact{Email: storetest.Str("c@x.com"), PhoneNumber: storetest.Str("222"), LinkedID: &c.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: storetest.Base.Add(3 * time.Hour)})

	got, err := resolver.Resolve(context.Background(), models.NewIdentifyRequest("a@x.com", "222"))
	s.Require().NoError(err)

	s.Equal(a.ID, got.PrimaryContactID)
	s.Equal([]int64{b.ID, c.ID, cSec.ID}, got.SecondaryContactIDs)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.ClustersMerged))
	for _, id := range []int64{b.ID, c.ID, cSec.ID} {
		member, err := s.store.FindByID(context.Background(), id)
		s.Require().NoError(err)
		s.Equal(models.LinkSecondary, member.LinkPrecedence)
		s.Equal(a.ID, *member.LinkedID)
	}
}

// slowReadStore delays lookups so concurrent calls read the same snapshot before writing.
type slowReadStore struct {
	*memory.Store
}

func (d slowReadStore) FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error) {
	time.Sleep(5 * time.Millisecond)
	return d.Store.FindByEmailOrPhone(ctx, email, phoneNumber)
}

func (s *ResolverSuite) TestConcurrentMergesThroughDifferentIdentifiersStayLinkedToOnePrimary() {
	for round := 0; round < 10; round++ {
		store := memory.NewWithClock(tickingClock(storetest.Base.Add(24 * time.Hour)))
		resolver := service.NewResolver(slowReadStore{store}, service.WithMergePrimaries(true))
		a := storetest.Seed(s.T(), store, models.Contact{Email: storetest.Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base})
		storetest.Seed(s.T(), store, models.Contact{Email: storetest.Str("b@x.com"), PhoneNumber: storetest.Str("222"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(time.Hour)})
		storetest.Seed(s.T(), store, models.Contact{PhoneNumber: storetest.Str("333"), LinkPrecedence: models.LinkPrimary, CreatedAt: storetest.Base.Add(2 * time.Hour)})

		// Both calls reach the middle cluster, through its phone and through its email.
		var wg sync.WaitGroup
		for _, req := range []models.IdentifyRequest{
			models.NewIdentifyRequest("a@x.com", "222"),
			models.NewIdentifyRequest("b@x.com", "333"),
		} {
			wg.Add(1)
			go func(req models.IdentifyRequest) {
				defer wg.Done()
				_, err := resolver.Resolve(context.Background(), req)
				s.NoError(err)
			}(req)
		}
		wg.Wait()

		for id := int64(1); id <= int64(store.Len()); id++ {
			c, err := store.FindByID(context.Background(), id)
			s.Require().NoError(err)
			if c.ID == a.ID {
				s.True(c.IsPrimary(), "round %d", round)
				continue
			}
			s.Equal(models.LinkSecondary, c.LinkPrecedence, "round %d contact %d", round, id)
			s.Require().NotNil(c.LinkedID)
			s.Equal(a.ID, *c.LinkedID, "round %d contact %d", round, id)
		}
	}
}

func (s *ResolverSuite) TestConcurrentFirstSightingsCreateOnePrimary() {
	var wg sync.WaitGroup
	results := make([]*models.ConsolidatedIdentity, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.resolver.Resolve(context.Background(), models.NewIdentifyRequest("new@x.com", "999"))
			s.NoError(err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	s.Equal(1, s.store.Len())
	for _, r := range results {
		s.Equal(int64(1), r.PrimaryContactID)
	}
}

// tickingClock returns strictly increasing times so inserts are ordered.
func tickingClock(start time.Time) func() time.Time {
	var (
		mu sync.Mutex
		n  int
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}
