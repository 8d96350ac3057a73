package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/enroll/internal/models"
	"github.com/joescharf/enroll/internal/store"
)

// seedStore opens the test store and adds items.
func seedStore(t *testing.T, items ...*models.Item) store.Store {
	t.Helper()
	s, err := getStore()
	require.NoError(t, err)
	for _, it := range items {
		require.NoError(t, s.CreateItem(context.Background(), it))
	}
	return s
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ui.Out = &buf
	ui.ErrOut = &buf
	return &buf
}

func TestItemList_Empty(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)

	require.NoError(t, itemListRun())
	assert.Contains(t, out.String(), "Worklist is empty")
}

func TestItemList_ShowsItems(t *testing.T) {
	testEnv(t)
	seedStore(t,
		&models.Item{PublicCode: "1001", Handle: "H1", Note: "Calculus", Companion: true},
		&models.Item{PublicCode: "1002", Handle: "H2", Claimed: true},
	)
	out := captureOutput(t)

	require.NoError(t, itemListRun())
	text := out.String()
	assert.Contains(t, text, "1001")
	assert.Contains(t, text, "Calculus")
	assert.Contains(t, text, "pending")
	assert.Contains(t, text, "claimed")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("1001")), bytes.Index(out.Bytes(), []byte("1002")))
}

func TestItemRemove(t *testing.T) {
	testEnv(t)
	s := seedStore(t,
		&models.Item{PublicCode: "1001", Handle: "H1"},
		&models.Item{PublicCode: "1002", Handle: "H2"},
	)
	out := captureOutput(t)

	require.NoError(t, itemRemoveRun([]string{"1001"}))
	assert.Contains(t, out.String(), "Removed 1001")

	items, err := s.ListItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "1002", items[0].PublicCode)
}

func TestItemRemove_UnknownReportsError(t *testing.T) {
	testEnv(t)
	s := seedStore(t, &models.Item{PublicCode: "1001", Handle: "H1"})
	captureOutput(t)

	err := itemRemoveRun([]string{"9999", "H1"})
	require.Error(t, err)

	items, err := s.ListItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items, "known refs are still removed")
}

func TestItemRemove_DryRun(t *testing.T) {
	testEnv(t)
	s := seedStore(t, &models.Item{PublicCode: "1001", Handle: "H1"})
	out := captureOutput(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	require.NoError(t, itemRemoveRun([]string{"1001"}))
	assert.Contains(t, out.String(), "Would remove 1001")

	items, err := s.ListItems(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestItemReset(t *testing.T) {
	testEnv(t)
	now := time.Now().UTC()
	s := seedStore(t,
		&models.Item{PublicCode: "1001", Handle: "H1", Claimed: true, ClaimedAt: &now},
		&models.Item{PublicCode: "1002", Handle: "H2", Claimed: true, ClaimedAt: &now},
	)
	out := captureOutput(t)

	require.NoError(t, itemResetRun([]string{"1001"}))
	assert.Contains(t, out.String(), "Reset 1 claimed item(s)")

	items, err := s.ListItems(context.Background())
	require.NoError(t, err)
	assert.False(t, items[0].Claimed)
	assert.True(t, items[1].Claimed)

	require.NoError(t, itemResetRun(nil))
	items, err = s.ListItems(context.Background())
	require.NoError(t, err)
	assert.False(t, items[1].Claimed)
}

func TestHistory(t *testing.T) {
	testEnv(t)
	s := seedStore(t)
	ctx := context.Background()
	out := captureOutput(t)

	require.NoError(t, historyRacesRun(10))
	assert.Contains(t, out.String(), "No races recorded")

	r := &models.Race{StartedAt: time.Now().UTC().Add(-time.Minute)}
	require.NoError(t, s.CreateRace(ctx, r))
	require.NoError(t, s.RecordAttempt(ctx, &models.Attempt{
		RaceID: r.ID, Round: 1, Endpoint: "jwc", PublicCode: "1001", Handle: "H1", Message: "课程已满",
	}))
	require.NoError(t, s.RecordAttempt(ctx, &models.Attempt{
		RaceID: r.ID, Round: 2, Endpoint: "tms", PublicCode: "1001", Handle: "H1", Succeeded: true, Message: "选课成功",
	}))
	r.Outcome = models.RaceOutcomeAllClaimed
	r.Rounds = 2
	r.Claimed = 1
	require.NoError(t, s.FinishRace(ctx, r))

	out.Reset()
	require.NoError(t, historyRacesRun(10))
	assert.Contains(t, out.String(), r.ID)
	assert.Contains(t, out.String(), "all_claimed")

	out.Reset()
	require.NoError(t, historyAttemptsRun(r.ID, 10))
	assert.Contains(t, out.String(), "课程已满")
	assert.Contains(t, out.String(), "选课成功")
	assert.Contains(t, out.String(), "rejected")
}

func TestStop_NotRunning(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)

	require.NoError(t, stopRun())
	assert.Contains(t, out.String(), "No race is running")
}
