package complaint_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
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
	"github.com/duetchat/duet/internal/repository"
	"github.com/duetchat/duet/internal/service/complaint"
)

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingAlerter) Notify(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func setupService(t *testing.T) (*complaint.Service, *app.AppContext, *recordingAlerter) {
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

	appCtx := app.New(cfg, gdb, cache.NewRedisCache(cfg),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	alerter := &recordingAlerter{}
	return complaint.NewService(appCtx, alerter), appCtx, alerter
}

// TestFilePersistsAndAlerts: the complaint row lands and the operator
// report carries the accused party and the transcript tail.
func TestFilePersistsAndAlerts(t *testing.T) {
	ctx := context.Background()
	svc, appCtx, alerter := setupService(t)

	a := &db.User{TelegramID: 101, Gender: db.GenderMale, BirthDate: time.Date(1992, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := &db.User{TelegramID: 102, Gender: db.GenderFemale, BirthDate: time.Date(1994, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, appCtx.DB.Create(a).Error)
	require.NoError(t, appCtx.DB.Create(b).Error)

	dialogs := repository.NewDialogRepository(appCtx.DB)
	d, err := dialogs.CreateWithActive(ctx, a.ID, b.ID)
	require.NoError(t, err)

	require.NoError(t, dialogs.AddText(ctx, d.ID, b.ID, "offensive line"))
	require.NoError(t, dialogs.AddPhoto(ctx, d.ID, b.ID, "tg://evidence"))

	require.NoError(t, svc.File(ctx, d.ID, 101, "harassment"))

	var row db.Complaint
	require.NoError(t, appCtx.DB.First(&row).Error)
	assert.Equal(t, d.ID, row.DialogID)
	assert.Equal(t, a.ID, row.FromUserID)
	assert.Equal(t, "harassment", row.Reason)

	require.Len(t, alerter.msgs, 1)
	report := alerter.msgs[0]
	assert.True(t, strings.Contains(report, "harassment"), report)
	assert.True(t, strings.Contains(report, fmt.Sprintf("tg %d", b.TelegramID)), report)
	assert.True(t, strings.Contains(report, "offensive line"), report)
	assert.True(t, strings.Contains(report, "tg://evidence"), report)
}
