package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryci/buildctl/pkg/events"
	"github.com/foundryci/buildctl/pkg/storage"
	"github.com/foundryci/buildctl/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putBuild(t *testing.T, s storage.Store, b *types.Build) {
	t.Helper()
	require.NoError(t, s.Update(func(tx storage.Tx) error {
		return tx.PutBuild(b)
	}))
}

func putWorker(t *testing.T, s storage.Store, w *types.Worker) {
	t.Helper()
	require.NoError(t, s.Update(func(tx storage.Tx) error {
		return tx.PutWorker(w)
	}))
}

func TestClaimAssignsOldestPendingBuild(t *testing.T) {
	s := newTestStore(t)
	d := New(s, nil, 5*time.Minute)

	putWorker(t, s, &types.Worker{ID: "w1", Name: "worker-1", Status: types.WorkerStatusIdle})
	older := &types.Build{ID: "b-old", Platform: types.PlatformIOS, Status: types.BuildStatusPending, SubmittedAt: time.Now().Add(-time.Minute)}
	newer := &types.Build{ID: "b-new", Platform: types.PlatformIOS, Status: types.BuildStatusPending, SubmittedAt: time.Now()}
	putBuild(t, s, newer)
	putBuild(t, s, older)

	job, ok, err := d.Claim("w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b-old", job.BuildID)
	assert.NotEmpty(t, job.OTP)
	assert.NotEmpty(t, job.RotatedToken)

	build, err := s.GetBuild("b-old")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusAssigned, build.Status)
	assert.Equal(t, "w1", build.WorkerID)

	worker, err := s.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusBuilding, worker.Status)
	assert.Equal(t, job.RotatedToken, worker.WorkerToken)
}

func TestClaimReturnsFalseWhenWorkerAlreadyBuilding(t *testing.T) {
	s := newTestStore(t)
	d := New(s, nil, 5*time.Minute)

	putWorker(t, s, &types.Worker{ID: "w1", Status: types.WorkerStatusBuilding})
	putBuild(t, s, &types.Build{ID: "b1", Status: types.BuildStatusPending, SubmittedAt: time.Now()})

	job, ok, err := d.Claim("w1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, job)
}

func TestClaimReturnsFalseWhenNothingPending(t *testing.T) {
	s := newTestStore(t)
	d := New(s, nil, 5*time.Minute)

	putWorker(t, s, &types.Worker{ID: "w1", Status: types.WorkerStatusIdle})

	_, ok, err := d.Claim("w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentClaimsYieldExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	d := New(s, nil, 5*time.Minute)

	putBuild(t, s, &types.Build{ID: "b1", Status: types.BuildStatusPending, SubmittedAt: time.Now()})
	const workers = 5
	for i := 0; i < workers; i++ {
		putWorker(t, s, &types.Worker{ID: "w" + string(rune('a'+i)), Status: types.WorkerStatusIdle})
	}

	var wg sync.WaitGroup
	var claims int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			_, ok, err := d.Claim(workerID)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&claims, 1)
			}
		}("w" + string(rune('a'+i)))
	}
	wg.Wait()

	assert.Equal(t, int32(1), claims)
}

func TestEnqueueAndRebuildFromStorageAgree(t *testing.T) {
	s := newTestStore(t)
	d := New(s, nil, 5*time.Minute)

	putBuild(t, s, &types.Build{ID: "b1", Status: types.BuildStatusPending, SubmittedAt: time.Now()})
	putBuild(t, s, &types.Build{ID: "b2", Status: types.BuildStatusPending, SubmittedAt: time.Now()})
	d.Enqueue("b1")
	d.Enqueue("b2")
	require.Equal(t, 2, d.PendingCount())

	require.NoError(t, d.RebuildFromStorage())
	assert.Equal(t, 2, d.PendingCount())
}

func TestReleaseDecrementsActiveCount(t *testing.T) {
	s := newTestStore(t)
	d := New(s, events.NewBroker(), 5*time.Minute)

	putWorker(t, s, &types.Worker{ID: "w1", Status: types.WorkerStatusIdle})
	putBuild(t, s, &types.Build{ID: "b1", Status: types.BuildStatusPending, SubmittedAt: time.Now()})
	d.Enqueue("b1")

	_, ok, err := d.Claim("w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, d.ActiveCount())

	d.Release("b1", types.BuildStatusBuilding, "completed")
	assert.Equal(t, 0, d.ActiveCount())
}
