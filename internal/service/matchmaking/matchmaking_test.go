package matchmaking_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/config"
	"github.com/duetchat/duet/internal/db"
	svcErr "github.com/duetchat/duet/internal/errors"
	"github.com/duetchat/duet/internal/service/matchmaking"
)

// setupEnv builds an isolated SQLite + miniredis environment per test.
func setupEnv(t *testing.T) (*app.AppContext, *miniredis.Miniredis) {
	t.Helper()

	dbName := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{
		NowFunc:                func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()

	redisCache := cache.NewRedisCache(cfg)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return app.New(cfg, gdb, redisCache, log), mr
}

func newUser(t *testing.T, appCtx *app.AppContext, tgID int64, opts ...func(*db.User)) *db.User {
	t.Helper()

	u := &db.User{
		TelegramID:       tgID,
		Gender:           db.GenderFemale,
		BirthDate:        time.Date(1996, 3, 15, 0, 0, 0, 0, time.UTC),
		SeasonRatingChat: 5,
	}
	for _, opt := range opts {
		opt(u)
	}
	require.NoError(t, appCtx.DB.Create(u).Error)
	return u
}

func withRating(v float64) func(*db.User) {
	return func(u *db.User) { u.SeasonRatingChat = v }
}

func withCity(city string) func(*db.User) {
	return func(u *db.User) { u.City = &city }
}

func banned() func(*db.User) {
	return func(u *db.User) { u.IsBanned = true }
}

// TestTwoSearchersPair: the first searcher waits, the second pairs with
// them; both sides get durable rows and cache mirrors.
func TestTwoSearchersPair(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	a := newUser(t, appCtx, 101)
	b := newUser(t, appCtx, 102)

	_, err := svc.TryMatch(ctx, a, false)
	require.ErrorIs(t, err, svcErr.ErrNoMatch)

	m, err := svc.TryMatch(ctx, b, false)
	require.NoError(t, err)
	assert.Equal(t, a.ID, m.PartnerID)
	assert.Equal(t, a.TelegramID, m.PartnerTG)

	// Durable pointers for both.
	var active int64
	require.NoError(t, appCtx.DB.Model(&db.ActiveDialog{}).Count(&active).Error)
	assert.Equal(t, int64(2), active)

	// Cache mirrors for both.
	wantID := strconv.FormatUint(m.DialogID, 10)
	for _, tg := range []int64{101, 102} {
		got, err := mr.Get(cache.ActiveDialog(tg))
		require.NoError(t, err)
		assert.Equal(t, wantID, got)
	}
	pa, err := mr.Get(cache.DialogPartner(m.DialogID, 101))
	require.NoError(t, err)
	assert.Equal(t, "102", pa)

	// Queues emptied, reservation locks released.
	assert.False(t, mr.Exists(cache.QueueGlobal()))
	assert.False(t, mr.Exists(cache.LockMatch(101)))
	assert.False(t, mr.Exists(cache.LockMatch(102)))
}

// TestSearcherWithActiveDialogGetsNoMatch: a paired user cannot start a
// second dialog even if candidates wait.
func TestSearcherWithActiveDialogGetsNoMatch(t *testing.T) {
	ctx := context.Background()
	appCtx, _ := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	a := newUser(t, appCtx, 101)
	b := newUser(t, appCtx, 102)
	c := newUser(t, appCtx, 103)

	_, err := svc.TryMatch(ctx, a, false)
	require.ErrorIs(t, err, svcErr.ErrNoMatch)
	_, err = svc.TryMatch(ctx, b, false)
	require.NoError(t, err)

	require.NoError(t, svc.Enqueue(ctx, c, false))

	_, err = svc.TryMatch(ctx, a, false)
	require.ErrorIs(t, err, svcErr.ErrNoMatch)

	var active int64
	require.NoError(t, appCtx.DB.Model(&db.ActiveDialog{}).Count(&active).Error)
	assert.Equal(t, int64(2), active)
}

// TestCooldownBlocksImmediateRematch: the last partner is skipped and
// left waiting.
func TestCooldownBlocksImmediateRematch(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	a := newUser(t, appCtx, 101)
	b := newUser(t, appCtx, 102)

	require.NoError(t, svc.Enqueue(ctx, b, false))
	require.NoError(t, mr.Set(cache.LastPartner(101), "102"))

	_, err := svc.TryMatch(ctx, a, false)
	require.ErrorIs(t, err, svcErr.ErrNoMatch)

	// B is back in the queue, A joined it too.
	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"101", "102"}, members)
	assert.False(t, mr.Exists(cache.LockMatch(102)))
}

// TestCooldownDoesNotBlockOthers: with a third user waiting, the
// cooled-down candidate is passed over, not the whole search.
func TestCooldownDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	a := newUser(t, appCtx, 101)
	b := newUser(t, appCtx, 102)
	c := newUser(t, appCtx, 103)

	require.NoError(t, svc.Enqueue(ctx, b, false))
	require.NoError(t, svc.Enqueue(ctx, c, false))
	require.NoError(t, mr.Set(cache.LastPartner(101), "102"))

	m, err := svc.TryMatch(ctx, a, false)
	require.NoError(t, err)
	assert.Equal(t, c.TelegramID, m.PartnerTG)

	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.Equal(t, []string{"102"}, members)
}

// TestBannedCandidateDroppedFromQueue: banned or deleted users are
// evicted, not requeued.
func TestBannedCandidateDroppedFromQueue(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	a := newUser(t, appCtx, 101)
	newUser(t, appCtx, 102, banned())

	require.NoError(t, appCtx.Cache.Enqueue(ctx, 102, "", false))
	// A stale entry for a user who was deleted entirely.
	require.NoError(t, appCtx.Cache.Enqueue(ctx, 999, "", false))

	_, err := svc.TryMatch(ctx, a, false)
	require.ErrorIs(t, err, svcErr.ErrNoMatch)

	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, members)
	assert.False(t, mr.Exists(cache.LockMatch(102)))
	assert.False(t, mr.Exists(cache.LockMatch(999)))
}

// TestPremiumPicksBestRatedCandidate: a premium search samples the
// queue and takes the highest season chat rating; the displaced
// candidates go back.
func TestPremiumPicksBestRatedCandidate(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	searcher := newUser(t, appCtx, 100)
	low := newUser(t, appCtx, 101, withRating(4.2))
	best := newUser(t, appCtx, 102, withRating(9.1))
	mid := newUser(t, appCtx, 103, withRating(6.5))

	for _, u := range []*db.User{low, best, mid} {
		require.NoError(t, svc.Enqueue(ctx, u, false))
	}

	m, err := svc.TryMatch(ctx, searcher, true)
	require.NoError(t, err)
	assert.Equal(t, best.ID, m.PartnerID)

	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"101", "103"}, members)
}

// TestCityQueueHasPriority: a searcher with a city pairs with a
// same-city candidate ahead of the global queue.
func TestCityQueueHasPriority(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	a := newUser(t, appCtx, 101, withCity("Berlin"))
	local := newUser(t, appCtx, 102, withCity("Berlin"))
	elsewhere := newUser(t, appCtx, 103)

	require.NoError(t, svc.Enqueue(ctx, elsewhere, false))
	require.NoError(t, svc.Enqueue(ctx, local, false))

	m, err := svc.TryMatch(ctx, a, false)
	require.NoError(t, err)
	assert.Equal(t, local.ID, m.PartnerID)

	// The matched partner's stale global entry is cleared too.
	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.Equal(t, []string{"103"}, members)
}

// TestSequentialSearchersAllPair: an even crowd fully pairs off with
// nobody double-booked.
func TestSequentialSearchersAllPair(t *testing.T) {
	ctx := context.Background()
	appCtx, _ := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	const n = 6
	users := make([]*db.User, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, newUser(t, appCtx, int64(200+i)))
	}

	matched := 0
	for _, u := range users {
		_, err := svc.TryMatch(ctx, u, false)
		if err == nil {
			matched++
		} else {
			require.ErrorIs(t, err, svcErr.ErrNoMatch)
		}
	}
	assert.Equal(t, n/2, matched)

	var dialogCount, activeCount int64
	require.NoError(t, appCtx.DB.Model(&db.Dialog{}).Count(&dialogCount).Error)
	require.NoError(t, appCtx.DB.Model(&db.ActiveDialog{}).Count(&activeCount).Error)
	assert.Equal(t, int64(n/2), dialogCount)
	assert.Equal(t, int64(n), activeCount)

	// Each user holds exactly one pointer row.
	for _, u := range users {
		var c int64
		require.NoError(t, appCtx.DB.Model(&db.ActiveDialog{}).Where("user_id = ?", u.ID).Count(&c).Error)
		assert.Equal(t, int64(1), c, "user %d", u.TelegramID)
	}
}

// TestMatchClearsStalePendingBundle: pairing wipes leftover rating
// state from a previous dialog.
func TestMatchClearsStalePendingBundle(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupEnv(t)
	svc := matchmaking.NewService(appCtx)

	a := newUser(t, appCtx, 101)
	b := newUser(t, appCtx, 102)

	require.NoError(t, mr.Set(cache.PendingRating(101), `{"dialog_id":1}`))

	_, err := svc.TryMatch(ctx, a, false)
	require.ErrorIs(t, err, svcErr.ErrNoMatch)
	_, err = svc.TryMatch(ctx, b, false)
	require.NoError(t, err)

	assert.False(t, mr.Exists(cache.PendingRating(101)))
	assert.False(t, mr.Exists(cache.PendingRating(102)))
}
