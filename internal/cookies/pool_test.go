package cookies

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/cookiepool/internal/model"
	"github.com/yangwenmai/cookiepool/internal/store"
)

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)
	return NewPool(s, opts, zerolog.Nop())
}

func targetCookies(expires int64) []model.CookieEntry {
	return []model.CookieEntry{
		{Name: "visitor", Value: "v", Domain: ".example.com"},
		{Name: "auth_token", Value: "x", Domain: ".example.com", Expires: expires},
		{Name: "pref", Value: "p", Domain: ".example.com"},
	}
}

var testSource = model.Source{TargetID: "t1", TargetURL: "https://www.example.com/event/1", Domain: "example.com"}

func TestPut_SelectBest_PrimaryTokenRoundTrip(t *testing.T) {
	p := newTestPool(t, Options{})
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	stored, err := p.Put(ctx, targetCookies(exp), testSource, []string{"vip"})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, exp, stored.Validity.ExpiresAt.Unix())
	assert.Equal(t, model.InitialScore, stored.Quality.Score)
	assert.Equal(t, model.StatusActive, stored.Status)

	got, err := p.SelectBest(ctx, Filter{Domain: "example.com", Tag: "vip"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, uint(1), got.Validity.UsageCount)

	tok, ok := PrimaryToken(got)
	require.True(t, ok)
	assert.Equal(t, "x", tok.Value)
	assert.Equal(t, exp, tok.Expires)
}

func TestPut_DefaultExpiry(t *testing.T) {
	p := newTestPool(t, Options{})
	now := time.Now()

	// Session cookies and already-expired cookies do not count.
	stored, err := p.Put(context.Background(), targetCookies(now.Add(-time.Hour).Unix()), testSource, nil)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(DefaultTTL), stored.Validity.ExpiresAt, 5*time.Second)
	assert.Equal(t, []string{}, stored.Tags)
}

func TestPut_UsesPoolClock(t *testing.T) {
	p := newTestPool(t, Options{})
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	stored, err := p.Put(context.Background(), targetCookies(fixed.Add(2*time.Hour).Unix()), testSource, nil)
	require.NoError(t, err)
	assert.True(t, fixed.Equal(stored.CreatedAt))
	assert.True(t, fixed.Equal(stored.UpdatedAt))

	got, err := p.Get(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.True(t, fixed.Equal(got.CreatedAt))
}

func TestPut_EarliestExpiryWins(t *testing.T) {
	p := newTestPool(t, Options{})
	now := time.Now()
	cookies := targetCookies(now.Add(3 * time.Hour).Unix())
	cookies = append(cookies, model.CookieEntry{Name: "short", Value: "s", Domain: ".example.com", Expires: now.Add(time.Hour).Unix()})

	stored, err := p.Put(context.Background(), cookies, testSource, nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour).Unix(), stored.Validity.ExpiresAt.Unix())
}

func TestPut_RefreshFloorPolicy(t *testing.T) {
	p := newTestPool(t, Options{ExpiryPolicy: ExpiryRefreshFloor, MinRefresh: 2 * time.Hour})
	now := time.Now()

	stored, err := p.Put(context.Background(), targetCookies(now.Add(time.Hour).Unix()), testSource, nil)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(2*time.Hour), stored.Validity.ExpiresAt, 5*time.Second)

	stored, err = p.Put(context.Background(), targetCookies(now.Add(5*time.Hour).Unix()), testSource, nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Hour).Unix(), stored.Validity.ExpiresAt.Unix())
}

func TestPut_DuplicateIsSoftNoop(t *testing.T) {
	p := newTestPool(t, Options{})
	p.newID = func() string { return "fixed" }
	ctx := context.Background()

	first, err := p.Put(ctx, targetCookies(0), testSource, nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := p.Put(ctx, targetCookies(0), testSource, nil)
	require.NoError(t, err)
	assert.Nil(t, second)

	n, err := p.Count(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSelectBest_NeverServesExpired(t *testing.T) {
	p := newTestPool(t, Options{})
	ctx := context.Background()
	_, err := p.Put(ctx, targetCookies(time.Now().Add(time.Hour).Unix()), testSource, nil)
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	got, err := p.SelectBest(ctx, Filter{})
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := p.Count(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSelectBest_AvoidReuse(t *testing.T) {
	p := newTestPool(t, Options{})
	ctx := context.Background()
	_, err := p.Put(ctx, targetCookies(0), testSource, nil)
	require.NoError(t, err)

	got, err := p.SelectBest(ctx, Filter{AvoidReuse: true})
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = p.SelectBest(ctx, Filter{AvoidReuse: true})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = p.SelectBest(ctx, Filter{})
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRecordFeedback_SeventeenFailuresRetire(t *testing.T) {
	p := newTestPool(t, Options{})
	ctx := context.Background()
	stored, err := p.Put(ctx, targetCookies(0), testSource, nil)
	require.NoError(t, err)

	var a *model.Artifact
	for i := 0; i < 17; i++ {
		a, err = p.RecordFeedback(ctx, stored.ID, false)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a.Quality.Score, 0)
		assert.LessOrEqual(t, a.Quality.Score, 100)
	}
	assert.Equal(t, 15, a.Quality.Score)
	assert.Equal(t, model.StatusFailed, a.Status)
	assert.False(t, a.Validity.IsValid)

	got, err := p.SelectBest(ctx, Filter{})
	require.NoError(t, err)
	assert.Nil(t, got)

	// Success feedback does not resurrect a retired artifact.
	a, err = p.RecordFeedback(ctx, stored.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 15, a.Quality.Score)
	assert.Equal(t, model.StatusFailed, a.Status)
}

func TestRecordFeedback_SuccessClamps(t *testing.T) {
	p := newTestPool(t, Options{})
	ctx := context.Background()
	stored, err := p.Put(ctx, targetCookies(0), testSource, nil)
	require.NoError(t, err)

	a, err := p.RecordFeedback(ctx, stored.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 100, a.Quality.Score)
	assert.NotNil(t, a.Quality.LastSuccessAt)

	_, err = p.RecordFeedback(ctx, "unknown", true)
	assert.ErrorIs(t, err, store.ErrArtifactNotFound)
}

func TestEvictExpiredAndFailed(t *testing.T) {
	p := newTestPool(t, Options{})
	ctx := context.Background()
	now := time.Now()

	_, err := p.Put(ctx, targetCookies(now.Add(time.Hour).Unix()), testSource, nil)
	require.NoError(t, err)
	retired, err := p.Put(ctx, targetCookies(0), testSource, nil)
	require.NoError(t, err)
	for i := 0; i < 17; i++ {
		_, err = p.RecordFeedback(ctx, retired.ID, false)
		require.NoError(t, err)
	}

	// Inside the grace window nothing is evicted.
	c, err := p.EvictExpiredAndFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, EvictionCounts{}, c)

	p.now = func() time.Time { return now.Add(25 * time.Hour) }
	c, err = p.EvictExpiredAndFailed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Expired+c.Invalid)

	n, err := p.Count(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpiringWithin(t *testing.T) {
	p := newTestPool(t, Options{})
	ctx := context.Background()
	now := time.Now()

	_, err := p.Put(ctx, targetCookies(now.Add(30*time.Minute).Unix()), testSource, nil)
	require.NoError(t, err)
	_, err = p.Put(ctx, targetCookies(now.Add(3*time.Hour).Unix()), testSource, nil)
	require.NoError(t, err)

	soon, err := p.ExpiringWithin(ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, soon, 1)
}

func TestPrimaryToken(t *testing.T) {
	a := &model.Artifact{Cookies: []model.CookieEntry{
		{Name: "pref", Value: "1"},
		{Name: "JSESSIONID", Value: "s"},
		{Name: "auth", Value: "a"},
	}}
	tok, ok := PrimaryToken(a)
	require.True(t, ok)
	assert.Equal(t, "s", tok.Value)

	_, ok = PrimaryToken(&model.Artifact{Cookies: []model.CookieEntry{{Name: "pref"}}})
	assert.False(t, ok)
	_, ok = PrimaryToken(nil)
	assert.False(t, ok)
}
