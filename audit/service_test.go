package audit

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/gridstash/model"
	"github.com/kasuganosora/gridstash/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func stored(t *testing.T, db *gorm.DB) []model.AuditLog {
	t.Helper()
	var logs []model.AuditLog
	require.NoError(t, db.Order("id").Find(&logs).Error)
	return logs
}

func TestLog_StopFlushes(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	accountID := int64(2)
	svc.Log(AuditEntry{
		TraceID:     "trace-123",
		AccountID:   &accountID,
		Username:    "alice",
		Action:      "inv_request_move",
		InventoryID: 1000002,
		ItemID:      14,
		Request:     map[string]int{"item_id": 14, "count": 3},
		Response:    map[string]int{"free_id": 15},
		IP:          "127.0.0.1",
		DurationMs:  42,
	})
	svc.Log(AuditEntry{
		Action:      "inv_request_spawn",
		InventoryID: 7,
		ErrorCode:   "OUT_OF_SPACE",
		Error:       "no room for 3 items/apple in inventory 7",
	})
	require.NoError(t, svc.Stop(context.Background()))

	logs := stored(t, db)
	require.Len(t, logs, 2)
	move, spawn := logs[0], logs[1]
	assert.Equal(t, "trace-123", move.TraceID)
	assert.Equal(t, "alice", move.Username)
	assert.Equal(t, int64(1000002), move.InventoryID)
	assert.Equal(t, int64(14), move.ItemID)
	assert.JSONEq(t, `{"item_id":14,"count":3}`, string(move.Request))
	assert.JSONEq(t, `{"free_id":15}`, string(move.Response))
	assert.Equal(t, 42, move.DurationMs)

	assert.Nil(t, spawn.AccountID)
	assert.Equal(t, "OUT_OF_SPACE", spawn.ErrorCode)
	assert.Contains(t, spawn.Error, "no room")
	assert.JSONEq(t, `null`, string(spawn.Response))
}

func TestLog_UnencodablePayloadStoredAsNull(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	svc.Log(AuditEntry{Action: "odd", Request: make(chan int)})
	require.NoError(t, svc.Stop(context.Background()))
	assert.JSONEq(t, `null`, string(stored(t, db)[0].Request))
}

func TestLog_FullBatchWritesEarly(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop(), WithBatch(10, time.Hour))
	defer svc.Stop(context.Background())

	for i := 0; i < 25; i++ {
		svc.Log(AuditEntry{Action: "batch"})
	}
	assert.Eventually(t, func() bool { return len(stored(t, db)) == 20 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, svc.Stop(context.Background()))
	assert.Len(t, stored(t, db), 25)
}

func TestLog_IntervalFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop(), WithBatch(100, 20*time.Millisecond))
	defer svc.Stop(context.Background())

	svc.Log(AuditEntry{Action: "timer"})
	assert.Eventually(t, func() bool { return len(stored(t, db)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLog_DropsWhenQueueFull(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop(), WithBuffer(0), WithBatch(100, time.Hour))

	// With no buffer every Log races the worker; the worker can take at
	// most one entry at a time, so some of a burst must drop.
	for i := 0; i < 1000; i++ {
		svc.Log(AuditEntry{Action: "flood"})
	}
	require.NoError(t, svc.Stop(context.Background()))
	assert.NotZero(t, svc.Dropped())
	assert.Equal(t, 1000, len(stored(t, db))+int(svc.Dropped()))
}

func TestStop_IdempotentAndBounded(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))

	busy := New(db, nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// An already-cancelled context may or may not beat the worker.
	if err := busy.Stop(ctx); err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestRecent_Filters(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	alice, bob := int64(1), int64(2)
	svc.Log(AuditEntry{Action: "inv_request_move", AccountID: &alice, InventoryID: 10})
	svc.Log(AuditEntry{Action: "inv_request_spawn", AccountID: &alice, InventoryID: 11, ErrorCode: "OUT_OF_SPACE"})
	svc.Log(AuditEntry{Action: "inv_request_move", AccountID: &bob, InventoryID: 10})
	require.NoError(t, svc.Stop(context.Background()))

	ctx := context.Background()
	cases := []struct {
		name string
		q    Query
		want []int64
	}{
		{"by inventory, newest first", Query{InventoryID: 10}, []int64{bob, alice}},
		{"by account and action", Query{AccountID: alice, Action: "inv_request_spawn"}, []int64{alice}},
		{"by error code", Query{ErrorCode: "OUT_OF_SPACE"}, []int64{alice}},
		{"limit", Query{Limit: 1}, []int64{bob}},
		{"limit above cap falls back", Query{Limit: MaxQueryLimit + 1}, []int64{bob, alice, alice}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logs, err := svc.Recent(ctx, tc.q)
			require.NoError(t, err)
			var got []int64
			for _, l := range logs {
				got = append(got, *l.AccountID)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPrune(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	svc.Log(AuditEntry{Action: "old"})
	svc.Log(AuditEntry{Action: "new"})
	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, db.Model(&model.AuditLog{}).Where("action = ?", "old").
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	n, err := svc.Prune(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	logs := stored(t, db)
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].Action)
}
