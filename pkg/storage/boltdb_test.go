package storage

import (
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/foundryci/buildctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetBuild(t *testing.T) {
	store := newTestStore(t)

	build := &types.Build{
		ID:          "b1",
		Platform:    types.PlatformIOS,
		Status:      types.BuildStatusPending,
		SubmittedAt: time.Now(),
	}

	err := store.Update(func(tx Tx) error {
		return tx.PutBuild(build)
	})
	require.NoError(t, err)

	got, err := store.GetBuild("b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusPending, got.Status)
	assert.Equal(t, types.PlatformIOS, got.Platform)
}

func TestGetBuildNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetBuild("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelectOldestPendingForUpdate(t *testing.T) {
	tests := []struct {
		name     string
		builds   []*types.Build
		expectID string
		expectOk bool
	}{
		{
			name: "picks earliest submitted",
			builds: []*types.Build{
				{ID: "b2", Status: types.BuildStatusPending, SubmittedAt: time.Unix(200, 0)},
				{ID: "b1", Status: types.BuildStatusPending, SubmittedAt: time.Unix(100, 0)},
			},
			expectID: "b1",
			expectOk: true,
		},
		{
			name: "ties broken by id",
			builds: []*types.Build{
				{ID: "b2", Status: types.BuildStatusPending, SubmittedAt: time.Unix(100, 0)},
				{ID: "b1", Status: types.BuildStatusPending, SubmittedAt: time.Unix(100, 0)},
			},
			expectID: "b1",
			expectOk: true,
		},
		{
			name: "ignores non-pending builds",
			builds: []*types.Build{
				{ID: "b1", Status: types.BuildStatusAssigned, SubmittedAt: time.Unix(50, 0)},
			},
			expectOk: false,
		},
		{
			name:     "empty store",
			builds:   nil,
			expectOk: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			for _, b := range tt.builds {
				require.NoError(t, store.Update(func(tx Tx) error { return tx.PutBuild(b) }))
			}

			var found *types.Build
			var ok bool
			err := store.Update(func(tx Tx) error {
				var err error
				found, ok, err = tx.SelectOldestPendingForUpdate()
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expectOk, ok)
			if tt.expectOk {
				assert.Equal(t, tt.expectID, found.ID)
			}
		})
	}
}

func TestAppendLogsBatchPreservesOrder(t *testing.T) {
	store := newTestStore(t)

	base := time.Unix(1000, 0)
	entries := []types.BuildLog{
		{Level: types.LogLevelInfo, Message: "first", Timestamp: base},
		{Level: types.LogLevelInfo, Message: "second", Timestamp: base.Add(time.Second)},
		{Level: types.LogLevelWarn, Message: "third", Timestamp: base.Add(2 * time.Second)},
	}

	err := store.Update(func(tx Tx) error {
		return tx.AppendLogsBatch("b1", entries)
	})
	require.NoError(t, err)

	logs, err := store.ListLogs("b1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "second", logs[1].Message)
	assert.Equal(t, "third", logs[2].Message)
}

func TestListLogsRespectsLimit(t *testing.T) {
	store := newTestStore(t)
	base := time.Unix(2000, 0)
	var entries []types.BuildLog
	for i := 0; i < 5; i++ {
		entries = append(entries, types.BuildLog{
			Level:     types.LogLevelInfo,
			Message:   "line",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.AppendLogsBatch("b1", entries) }))

	logs, err := store.ListLogs("b1", 2)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestListStuckBuilds(t *testing.T) {
	now := time.Now()
	store := newTestStore(t)

	stuckNoHeartbeat := &types.Build{ID: "b1", Status: types.BuildStatusAssigned, StartedAt: now.Add(-time.Hour)}
	stuckStaleHeartbeat := &types.Build{ID: "b2", Status: types.BuildStatusBuilding, LastHeartbeatAt: now.Add(-time.Hour)}
	healthy := &types.Build{ID: "b3", Status: types.BuildStatusBuilding, LastHeartbeatAt: now}
	pending := &types.Build{ID: "b4", Status: types.BuildStatusPending}

	for _, b := range []*types.Build{stuckNoHeartbeat, stuckStaleHeartbeat, healthy, pending} {
		require.NoError(t, store.Update(func(tx Tx) error { return tx.PutBuild(b) }))
	}

	stuck, err := store.ListStuckBuilds(now.Add(-30*time.Minute), now.Add(-30*time.Minute))
	require.NoError(t, err)
	var ids []string
	for _, b := range stuck {
		ids = append(ids, b.ID)
	}
	assert.ElementsMatch(t, []string{"b1", "b2"}, ids)
}

func TestListBuildsFilter(t *testing.T) {
	store := newTestStore(t)
	builds := []*types.Build{
		{ID: "b1", Status: types.BuildStatusPending, Platform: types.PlatformIOS},
		{ID: "b2", Status: types.BuildStatusCompleted, Platform: types.PlatformAndroid},
		{ID: "b3", Status: types.BuildStatusPending, Platform: types.PlatformAndroid},
	}
	for _, b := range builds {
		require.NoError(t, store.Update(func(tx Tx) error { return tx.PutBuild(b) }))
	}

	pending, err := store.ListBuilds(BuildFilter{Status: types.BuildStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	androidPending, err := store.ListBuilds(BuildFilter{Status: types.BuildStatusPending, Platform: types.PlatformAndroid})
	require.NoError(t, err)
	require.Len(t, androidPending, 1)
	assert.Equal(t, "b3", androidPending[0].ID)
}

func TestRecordHeartbeat(t *testing.T) {
	store := newTestStore(t)
	build := &types.Build{ID: "b1", Status: types.BuildStatusAssigned}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutBuild(build) }))

	now := time.Now()
	require.NoError(t, store.RecordHeartbeat("b1", now))

	got, err := store.GetBuild("b1")
	require.NoError(t, err)
	assert.WithinDuration(t, now, got.LastHeartbeatAt, time.Millisecond)
}

func TestRetryLink(t *testing.T) {
	store := newTestStore(t)
	err := store.Update(func(tx Tx) error {
		return tx.CreateRetryLink(types.RetryLink{ParentID: "b1", ChildID: "b2"})
	})
	require.NoError(t, err)

	err = store.View(func(tx Tx) error {
		parent, ok, err := tx.GetRetryParent("b2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "b1", parent)
		return nil
	})
	require.NoError(t, err)
}

func TestWorkerCRUD(t *testing.T) {
	store := newTestStore(t)
	worker := &types.Worker{ID: "w1", Name: "mac-1", Status: types.WorkerStatusIdle}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutWorker(worker) }))

	got, err := store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, "mac-1", got.Name)

	workers, err := store.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestFindBuildByToken(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Update(func(tx Tx) error {
		return tx.PutBuild(&types.Build{ID: "b1", BuildToken: "tok-abc", VMToken: "vm-tok"})
	}))

	found, err := store.FindBuildByToken("tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "b1", found.ID)

	_, err = store.FindBuildByToken("no-such-token")
	assert.ErrorIs(t, err, ErrNotFound)

	found, err = store.FindBuildByVMToken("vm-tok")
	require.NoError(t, err)
	assert.Equal(t, "b1", found.ID)
}

func TestFindWorkerByToken(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Update(func(tx Tx) error {
		return tx.PutWorker(&types.Worker{ID: "w1", WorkerToken: "wtok-abc"})
	}))

	found, err := store.FindWorkerByToken("wtok-abc")
	require.NoError(t, err)
	assert.Equal(t, "w1", found.ID)

	_, err = store.FindWorkerByToken("")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestTokenLookupsUseConstantTimeCompare guards against the three token
// lookups regressing to a variable-time `==` match. The stored and
// candidate token are security-sensitive, so the match must go through
// token.Equal (crypto/subtle.ConstantTimeCompare), not a bare string
// comparison on the unmarshaled struct field.
func TestTokenLookupsUseConstantTimeCompare(t *testing.T) {
	src, err := os.ReadFile("boltdb.go")
	require.NoError(t, err)

	rawEquality := regexp.MustCompile(`\.(BuildToken|VMToken|WorkerToken) == tokenValue`)
	assert.False(t, rawEquality.Match(src), "found raw == comparison against a token field; use token.Equal instead")

	for _, fn := range []string{"FindBuildByToken", "FindBuildByVMToken", "FindWorkerByToken"} {
		body := regexp.MustCompile(`(?s)func \(s \*BoltStore\) `+fn+`\(.*?\n}\n`).FindString(string(src))
		require.NotEmpty(t, body, "could not locate %s body", fn)
		assert.Contains(t, body, "token.Equal(", "%s must verify the match with token.Equal", fn)
	}
}

func TestFindBuildByOTP(t *testing.T) {
	store := newTestStore(t)
	build := &types.Build{ID: "b1", Status: types.BuildStatusAssigned, OTP: "otp-123"}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutBuild(build) }))

	var found *types.Build
	var ok bool
	require.NoError(t, store.View(func(tx Tx) error {
		var err error
		found, ok, err = tx.FindBuildByOTP("otp-123")
		return err
	}))
	require.True(t, ok)
	assert.Equal(t, "b1", found.ID)

	require.NoError(t, store.View(func(tx Tx) error {
		var err error
		_, ok, err = tx.FindBuildByOTP("no-such-otp")
		return err
	}))
	assert.False(t, ok)
}
