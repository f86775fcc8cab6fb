package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/duetchat/duet/internal/db"
	svcErr "github.com/duetchat/duet/internal/errors"
	"github.com/duetchat/duet/internal/repository"
)

func seedDialog(t *testing.T, gdb *gorm.DB, user1, user2 uint64) db.Dialog {
	t.Helper()
	d := db.Dialog{User1ID: user1, User2ID: user2, Status: db.DialogFinished}
	require.NoError(t, gdb.Create(&d).Error)
	return d
}

// TestInsertDuplicateRejected: same (dialog, rater, ratee, kind) twice
// hits the unique index.
func TestInsertDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	gdb := setupDB(t)
	users := seedUsers(t, gdb, 2)
	d := seedDialog(t, gdb, users[0].ID, users[1].ID)
	repo := repository.NewRatingRepository(gdb)

	r := db.Rating{DialogID: d.ID, FromUserID: users[0].ID, ToUserID: users[1].ID,
		Kind: db.RatingChat, Value: 8, SeasonalValid: true}
	require.NoError(t, repo.Insert(ctx, &r))

	dup := db.Rating{DialogID: d.ID, FromUserID: users[0].ID, ToUserID: users[1].ID,
		Kind: db.RatingChat, Value: 5, SeasonalValid: true}
	require.ErrorIs(t, repo.Insert(ctx, &dup), svcErr.ErrAlreadyRated)

	// Same dialog, different kind is a distinct submission.
	app := db.Rating{DialogID: d.ID, FromUserID: users[0].ID, ToUserID: users[1].ID,
		Kind: db.RatingAppearance, Value: 7, SeasonalValid: true}
	require.NoError(t, repo.Insert(ctx, &app))
}

// TestRollingAverageWindow: only the newest n ratings count.
func TestRollingAverageWindow(t *testing.T) {
	ctx := context.Background()
	gdb := setupDB(t)
	users := seedUsers(t, gdb, 2)
	repo := repository.NewRatingRepository(gdb)

	base := time.Now().UTC().Add(-time.Hour)

	// 5 old zeros, then 20 tens.
	for i := 0; i < 25; i++ {
		value := 0
		if i >= 5 {
			value = 10
		}
		d := seedDialog(t, gdb, users[0].ID, users[1].ID)
		r := db.Rating{
			DialogID: d.ID, FromUserID: users[0].ID, ToUserID: users[1].ID,
			Kind: db.RatingChat, Value: value, SeasonalValid: true,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, gdb.Create(&r).Error)
	}

	rolling, err := repo.RollingAverage(ctx, users[1].ID, db.RatingChat, 20)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, rolling, 0.001)

	season, err := repo.SeasonAverage(ctx, users[1].ID, db.RatingChat)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, season, 0.001)
}

// TestAveragesWithoutRatings coalesce to zero instead of erroring.
func TestAveragesWithoutRatings(t *testing.T) {
	ctx := context.Background()
	gdb := setupDB(t)
	users := seedUsers(t, gdb, 1)
	repo := repository.NewRatingRepository(gdb)

	season, err := repo.SeasonAverage(ctx, users[0].ID, db.RatingChat)
	require.NoError(t, err)
	assert.Zero(t, season)

	rolling, err := repo.RollingAverage(ctx, users[0].ID, db.RatingChat, 20)
	require.NoError(t, err)
	assert.Zero(t, rolling)

	count, err := repo.RatedDialogCount(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// TestRatedDialogCountDistinct: two chat ratings in one dialog count
// that dialog once; appearance ratings never count.
func TestRatedDialogCountDistinct(t *testing.T) {
	ctx := context.Background()
	gdb := setupDB(t)
	users := seedUsers(t, gdb, 3)
	repo := repository.NewRatingRepository(gdb)

	d1 := seedDialog(t, gdb, users[0].ID, users[2].ID)
	d2 := seedDialog(t, gdb, users[1].ID, users[2].ID)

	ratings := []db.Rating{
		{DialogID: d1.ID, FromUserID: users[0].ID, ToUserID: users[2].ID, Kind: db.RatingChat, Value: 7, SeasonalValid: true},
		{DialogID: d1.ID, FromUserID: users[1].ID, ToUserID: users[2].ID, Kind: db.RatingChat, Value: 6, SeasonalValid: true},
		{DialogID: d2.ID, FromUserID: users[1].ID, ToUserID: users[2].ID, Kind: db.RatingChat, Value: 9, SeasonalValid: true},
		{DialogID: d2.ID, FromUserID: users[1].ID, ToUserID: users[2].ID, Kind: db.RatingAppearance, Value: 9, SeasonalValid: true},
	}
	require.NoError(t, gdb.Create(&ratings).Error)

	count, err := repo.RatedDialogCount(ctx, users[2].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

// TestPairChatCounts: window bound and the >=9 restriction.
func TestPairChatCounts(t *testing.T) {
	ctx := context.Background()
	gdb := setupDB(t)
	users := seedUsers(t, gdb, 2)
	repo := repository.NewRatingRepository(gdb)

	now := time.Now().UTC()
	since := now.Add(-7 * 24 * time.Hour)

	cases := []struct {
		value int
		at    time.Time
	}{
		{10, now}, {9, now}, {5, now},
		{10, now.Add(-8 * 24 * time.Hour)}, // outside the window
	}
	for _, c := range cases {
		d := seedDialog(t, gdb, users[0].ID, users[1].ID)
		r := db.Rating{DialogID: d.ID, FromUserID: users[0].ID, ToUserID: users[1].ID,
			Kind: db.RatingChat, Value: c.value, SeasonalValid: true, CreatedAt: c.at}
		require.NoError(t, gdb.Create(&r).Error)
	}

	total, err := repo.CountPairChatSince(ctx, users[0].ID, users[1].ID, since)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	high, err := repo.CountPairChatHighSince(ctx, users[0].ID, users[1].ID, since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), high)
}

// TestSaveReputationAppearanceGate: the appearance season average
// stays NULL until the first appearance rating exists.
func TestSaveReputationAppearanceGate(t *testing.T) {
	ctx := context.Background()
	gdb := setupDB(t)
	users := seedUsers(t, gdb, 1)
	repo := repository.NewRatingRepository(gdb)

	rep := repository.Reputation{SeasonChat: 7.5, SeasonAppearance: 9, Rolling20Chat: 7.5, RatedDialogs: 1}
	require.NoError(t, repo.SaveReputation(ctx, users[0].ID, rep, false))

	var u db.User
	require.NoError(t, gdb.First(&u, users[0].ID).Error)
	assert.Nil(t, u.SeasonRatingAppearance)
	assert.InDelta(t, 7.5, u.SeasonRatingChat, 0.001)
	assert.Equal(t, 1, u.CalibrationCounter)
	assert.False(t, u.IsUnderReview)

	require.NoError(t, repo.SaveReputation(ctx, users[0].ID, rep, true))
	require.NoError(t, gdb.First(&u, users[0].ID).Error)
	require.NotNil(t, u.SeasonRatingAppearance)
	assert.InDelta(t, 9.0, *u.SeasonRatingAppearance, 0.001)
}
