package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perch-social/perch/discovery"
	"github.com/perch-social/perch/models"
	"github.com/perch-social/perch/queue"
	"github.com/perch-social/perch/ratelimit"
)

type fakeSubs struct {
	subs  []*models.KeywordSubscription
	saved []*models.KeywordSubscription
}

func (f *fakeSubs) ActiveAccounts(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, sub := range f.subs {
		if sub.Active && !seen[sub.AccountID] {
			seen[sub.AccountID] = true
			ids = append(ids, sub.AccountID)
		}
	}
	return ids, nil
}

func (f *fakeSubs) ActiveForAccount(ctx context.Context, accountID string) ([]*models.KeywordSubscription, error) {
	var out []*models.KeywordSubscription
	for _, sub := range f.subs {
		if sub.Active && sub.AccountID == accountID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeSubs) Save(ctx context.Context, sub *models.KeywordSubscription) error {
	f.saved = append(f.saved, sub)
	return nil
}

type fakeAccounts struct {
	tokens map[string]string
}

func (f *fakeAccounts) Credential(ctx context.Context, accountID string) (string, error) {
	return f.tokens[accountID], nil
}

func (f *fakeAccounts) All(ctx context.Context) ([]*models.Account, error) {
	var out []*models.Account
	for id, token := range f.tokens {
		out = append(out, &models.Account{AccountID: id, AccessToken: token})
	}
	return out, nil
}

type fakeSearcher struct {
	requests []discovery.SearchRequest
	results  map[string]*discovery.Result
	errs     map[string]error
}

func (f *fakeSearcher) Search(ctx context.Context, req discovery.SearchRequest) (*discovery.Result, error) {
	f.requests = append(f.requests, req)
	if err := f.errs[req.Keyword]; err != nil {
		return nil, err
	}
	if res := f.results[req.Keyword]; res != nil {
		return res, nil
	}
	return &discovery.Result{Keyword: req.Keyword}, nil
}

func timePtr(t time.Time) *time.Time { return &t }

func testScheduler(subs *fakeSubs, accounts *fakeAccounts, searcher *fakeSearcher) *Scheduler {
	q := queue.NewQueue(queue.NewMemstore(), nil, nil)
	return NewScheduler(subs, accounts, searcher, ratelimit.NewLimiter(nil), q, 30, nil)
}

func TestRunCycleDueness(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)

	subs := &fakeSubs{subs: []*models.KeywordSubscription{
		{AccountID: "acct1", Keyword: "never-polled", Active: true, SearchFrequencyHours: 6},
		{AccountID: "acct1", Keyword: "fresh", Active: true, SearchFrequencyHours: 6,
			LastSearchAt: timePtr(now.Add(-5 * time.Hour))},
		{AccountID: "acct1", Keyword: "stale", Active: true, SearchFrequencyHours: 6,
			LastSearchAt: timePtr(now.Add(-7 * time.Hour))},
		{AccountID: "acct1", Keyword: "inactive", Active: false},
	}}
	accounts := &fakeAccounts{tokens: map[string]string{"acct1": "tok"}}
	searcher := &fakeSearcher{}

	s := testScheduler(subs, accounts, searcher)
	s.now = func() time.Time { return now }

	require.NoError(t, s.RunCycle(ctx))

	var keywords []string
	for _, req := range searcher.requests {
		keywords = append(keywords, req.Keyword)
	}
	assert.ElementsMatch([]string{"never-polled", "stale"}, keywords)
}

func TestRunCycleUpdatesSubscriptionStats(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)

	sub := &models.KeywordSubscription{
		AccountID: "acct1", Keyword: "go", Active: true,
		SearchFrequencyHours: 6, TotalSearches: 4, TotalPostsFound: 20,
		MaxPostsPerSearch: 25, EngagementThreshold: 150,
	}
	subs := &fakeSubs{subs: []*models.KeywordSubscription{sub}}
	accounts := &fakeAccounts{tokens: map[string]string{"acct1": "tok"}}
	searcher := &fakeSearcher{results: map[string]*discovery.Result{
		"go": {Keyword: "go", Found: 10, New: 7},
	}}

	s := testScheduler(subs, accounts, searcher)
	s.now = func() time.Time { return now }

	require.NoError(s.RunCycle(ctx))

	require.Len(subs.saved, 1)
	require.NotNil(sub.LastSearchAt)
	assert.Equal(now, *sub.LastSearchAt)
	assert.Equal(int64(5), sub.TotalSearches)
	assert.Equal(int64(27), sub.TotalPostsFound)

	// subscription settings flow through to the search request
	require.Len(searcher.requests, 1)
	assert.Equal(25, searcher.requests[0].MaxPosts)
	assert.Equal(float64(150), searcher.requests[0].Threshold)
	assert.Equal("tok", searcher.requests[0].Credential)
}

func TestRunCycleQuotaExhaustionSkipsAccountBatchOnly(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	subs := &fakeSubs{subs: []*models.KeywordSubscription{
		{AccountID: "acct1", Keyword: "a1-first", Active: true},
		{AccountID: "acct1", Keyword: "a1-second", Active: true},
		{AccountID: "acct2", Keyword: "a2-first", Active: true},
	}}
	accounts := &fakeAccounts{tokens: map[string]string{"acct1": "tok1", "acct2": "tok2"}}
	searcher := &fakeSearcher{errs: map[string]error{
		"a1-first": &ratelimit.QuotaExceededError{Resource: "search", RetryAfter: time.Hour},
	}}

	s := testScheduler(subs, accounts, searcher)
	require.NoError(t, s.RunCycle(ctx))

	var keywords []string
	for _, req := range searcher.requests {
		keywords = append(keywords, req.Keyword)
	}
	// acct1's second keyword is deferred, acct2 still runs
	assert.Equal([]string{"a1-first", "a2-first"}, keywords)

	// the failed search leaves the subscription untouched
	assert.Len(subs.saved, 1)
}

func TestRunCycleSearchErrorContinues(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubs{subs: []*models.KeywordSubscription{
		{AccountID: "acct1", Keyword: "broken", Active: true},
		{AccountID: "acct1", Keyword: "fine", Active: true},
	}}
	accounts := &fakeAccounts{tokens: map[string]string{"acct1": "tok"}}
	searcher := &fakeSearcher{errs: map[string]error{
		"broken": errors.New("upstream 500"),
	}}

	s := testScheduler(subs, accounts, searcher)
	require.NoError(t, s.RunCycle(ctx))

	assert.Len(t, searcher.requests, 2)
	require.Len(t, subs.saved, 1)
	assert.Equal(t, "fine", subs.saved[0].Keyword)
}

func TestRunCycleSkipsAccountsWithoutCredential(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubs{subs: []*models.KeywordSubscription{
		{AccountID: "ghost", Keyword: "go", Active: true},
	}}
	accounts := &fakeAccounts{tokens: map[string]string{}}
	searcher := &fakeSearcher{}

	s := testScheduler(subs, accounts, searcher)
	require.NoError(t, s.RunCycle(ctx))
	assert.Empty(t, searcher.requests)
}

func TestTriggerAccount(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubs{subs: []*models.KeywordSubscription{
		{AccountID: "acct1", Keyword: "go", Active: true},
		{AccountID: "acct2", Keyword: "rust", Active: true},
	}}
	accounts := &fakeAccounts{tokens: map[string]string{"acct1": "tok1", "acct2": "tok2"}}
	searcher := &fakeSearcher{}

	s := testScheduler(subs, accounts, searcher)
	require.NoError(t, s.TriggerAccount(ctx, "acct1"))

	require.Len(t, searcher.requests, 1)
	assert.Equal(t, "go", searcher.requests[0].Keyword)
}

func subsDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.KeywordSubscription{}, &models.Account{}))
	return db
}

func TestGormSubscriptionsOneActivePerKeyword(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := NewGormSubscriptions(subsDB(t))

	first := &models.KeywordSubscription{AccountID: "acct1", Keyword: "go", Active: true}
	require.NoError(store.Create(ctx, first))

	dup := &models.KeywordSubscription{AccountID: "acct1", Keyword: "go", Active: true}
	assert.ErrorIs(store.Create(ctx, dup), ErrDuplicateSubscription)

	// other accounts and keywords are unaffected
	require.NoError(store.Create(ctx, &models.KeywordSubscription{AccountID: "acct2", Keyword: "go", Active: true}))
	require.NoError(store.Create(ctx, &models.KeywordSubscription{AccountID: "acct1", Keyword: "rust", Active: true}))

	// after deactivation the keyword can be re-subscribed
	changed, err := store.Deactivate(ctx, first.ID, "acct1")
	require.NoError(err)
	assert.True(changed)
	require.NoError(store.Create(ctx, &models.KeywordSubscription{AccountID: "acct1", Keyword: "go", Active: true}))

	// deactivating again is a no-op
	changed, err = store.Deactivate(ctx, first.ID, "acct1")
	require.NoError(err)
	assert.False(changed)

	accounts, err := store.ActiveAccounts(ctx)
	require.NoError(err)
	assert.Equal([]string{"acct1", "acct2"}, accounts)
}

func TestGormAccountsUpsert(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := NewGormAccounts(subsDB(t))

	require.NoError(store.Upsert(ctx, &models.Account{
		AccountID: "acct1", Username: "alice", AccessToken: "old", Impressions: 100,
	}))
	require.NoError(store.Upsert(ctx, &models.Account{
		AccountID: "acct1", Username: "alice", AccessToken: "new", Impressions: 5000,
	}))

	token, err := store.Credential(ctx, "acct1")
	require.NoError(err)
	assert.Equal("new", token)

	all, err := store.All(ctx)
	require.NoError(err)
	require.Len(all, 1)
	assert.Equal(5000, all[0].Impressions)

	// unknown accounts resolve to an empty credential, not an error
	token, err = store.Credential(ctx, "ghost")
	require.NoError(err)
	assert.Empty(token)
}
