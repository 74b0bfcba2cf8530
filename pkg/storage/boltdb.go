package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/foundryci/buildctl/pkg/token"
	"github.com/foundryci/buildctl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBuilds  = []byte("builds")
	bucketWorkers = []byte("workers")
	bucketLogs    = []byte("logs")
	bucketCPU     = []byte("cpu_snapshots")
	bucketTelem   = []byte("telemetry")
	bucketRetries = []byte("retries")
)

// BoltStore implements Store using an embedded BoltDB file. bbolt allows
// exactly one read-write transaction at a time; every Update call in this
// package therefore serializes with every other Update, which is the
// mechanism the claim algorithm and status transitions rely on for
// row-locking semantics without a real SQL engine (see DESIGN.md).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "buildctl.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBuilds, bucketWorkers, bucketLogs, bucketCPU, bucketTelem, bucketRetries} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// boltTx implements Tx against one *bolt.Tx.
type boltTx struct {
	tx *bolt.Tx
}

func (s *BoltStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) View(fn func(Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (t *boltTx) GetBuild(id string) (*types.Build, error) {
	b := t.tx.Bucket(bucketBuilds)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var build types.Build
	if err := json.Unmarshal(data, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

func (t *boltTx) PutBuild(build *types.Build) error {
	b := t.tx.Bucket(bucketBuilds)
	data, err := json.Marshal(build)
	if err != nil {
		return err
	}
	return b.Put([]byte(build.ID), data)
}

func (t *boltTx) GetWorker(id string) (*types.Worker, error) {
	b := t.tx.Bucket(bucketWorkers)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var worker types.Worker
	if err := json.Unmarshal(data, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

func (t *boltTx) PutWorker(worker *types.Worker) error {
	b := t.tx.Bucket(bucketWorkers)
	data, err := json.Marshal(worker)
	if err != nil {
		return err
	}
	return b.Put([]byte(worker.ID), data)
}

// SelectOldestPendingForUpdate scans the builds bucket for the pending
// build with the smallest (SubmittedAt, ID). bbolt has no secondary index,
// so this is a linear scan; acceptable at controller scale (hundreds to
// low thousands of live rows), matching the teacher's ForEach-and-filter
// idiom used throughout boltdb.go's By* lookups.
func (t *boltTx) SelectOldestPendingForUpdate() (*types.Build, bool, error) {
	b := t.tx.Bucket(bucketBuilds)
	var best *types.Build
	err := b.ForEach(func(_, v []byte) error {
		var build types.Build
		if err := json.Unmarshal(v, &build); err != nil {
			return err
		}
		if build.Status != types.BuildStatusPending {
			return nil
		}
		if best == nil {
			best = &build
			return nil
		}
		if build.SubmittedAt.Before(best.SubmittedAt) {
			best = &build
		} else if build.SubmittedAt.Equal(best.SubmittedAt) && build.ID < best.ID {
			best = &build
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

// FindBuildByOTP scans the builds bucket for a build whose OTP matches,
// consumed or not (the caller checks OTPUsed). Same linear-scan tradeoff as
// SelectOldestPendingForUpdate.
func (t *boltTx) FindBuildByOTP(otp string) (*types.Build, bool, error) {
	b := t.tx.Bucket(bucketBuilds)
	var found *types.Build
	err := b.ForEach(func(_, v []byte) error {
		if found != nil {
			return nil
		}
		var build types.Build
		if err := json.Unmarshal(v, &build); err != nil {
			return err
		}
		if build.OTP != "" && build.OTP == otp {
			found = &build
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if found == nil {
		return nil, false, nil
	}
	return found, true, nil
}

func (t *boltTx) AppendLog(buildID string, level types.LogLevel, message string) error {
	return t.AppendLogsBatch(buildID, []types.BuildLog{{
		BuildID:   buildID,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}})
}

func (t *boltTx) AppendLogsBatch(buildID string, entries []types.BuildLog) error {
	b := t.tx.Bucket(bucketLogs)
	for i, e := range entries {
		if e.BuildID == "" {
			e.BuildID = buildID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		key := logKey(buildID, e.Timestamp, i)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

// logKey sorts lexicographically by (buildID, timestamp, sequence) so a
// prefix cursor scan yields entries in submission order, per §3's
// "ordered by (build-id, timestamp)" requirement.
func logKey(buildID string, ts time.Time, seq int) []byte {
	return []byte(fmt.Sprintf("%s|%020d|%06d", buildID, ts.UnixNano(), seq))
}

func (t *boltTx) CreateRetryLink(link types.RetryLink) error {
	b := t.tx.Bucket(bucketRetries)
	return b.Put([]byte(link.ChildID), []byte(link.ParentID))
}

func (t *boltTx) GetRetryParent(childID string) (string, bool, error) {
	b := t.tx.Bucket(bucketRetries)
	v := b.Get([]byte(childID))
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

// --- read-only convenience methods outside an explicit Tx ---

func (s *BoltStore) GetBuild(id string) (*types.Build, error) {
	var build *types.Build
	err := s.View(func(tx Tx) error {
		b, err := tx.GetBuild(id)
		if err != nil {
			return err
		}
		build = b
		return nil
	})
	return build, err
}

// FindBuildByToken scans the builds bucket for a build whose
// BuildToken matches token (empty token never matches).
func (s *BoltStore) FindBuildByToken(tokenValue string) (*types.Build, error) {
	if tokenValue == "" {
		return nil, ErrNotFound
	}
	var found *types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		return b.ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var build types.Build
			if err := json.Unmarshal(v, &build); err != nil {
				return err
			}
			if token.Equal(build.BuildToken, tokenValue) {
				found = &build
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// FindBuildByVMToken scans the builds bucket for a build whose
// VMToken matches token.
func (s *BoltStore) FindBuildByVMToken(tokenValue string) (*types.Build, error) {
	if tokenValue == "" {
		return nil, ErrNotFound
	}
	var found *types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		return b.ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var build types.Build
			if err := json.Unmarshal(v, &build); err != nil {
				return err
			}
			if token.Equal(build.VMToken, tokenValue) {
				found = &build
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// FindWorkerByToken scans the workers bucket for a worker whose
// WorkerToken matches token.
func (s *BoltStore) FindWorkerByToken(tokenValue string) (*types.Worker, error) {
	if tokenValue == "" {
		return nil, ErrNotFound
	}
	var found *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			if token.Equal(worker.WorkerToken, tokenValue) {
				found = &worker
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListBuilds(filter BuildFilter) ([]*types.Build, error) {
	var builds []*types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		return b.ForEach(func(_, v []byte) error {
			var build types.Build
			if err := json.Unmarshal(v, &build); err != nil {
				return err
			}
			if filter.Status != "" && build.Status != filter.Status {
				return nil
			}
			if filter.Platform != "" && build.Platform != filter.Platform {
				return nil
			}
			if filter.WorkerID != "" && build.WorkerID != filter.WorkerID {
				return nil
			}
			builds = append(builds, &build)
			return nil
		})
	})
	return builds, err
}

func (s *BoltStore) ListStuckBuilds(heartbeatCutoff, startedCutoff time.Time) ([]*types.Build, error) {
	var stuck []*types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		return b.ForEach(func(_, v []byte) error {
			var build types.Build
			if err := json.Unmarshal(v, &build); err != nil {
				return err
			}
			if build.Status != types.BuildStatusAssigned && build.Status != types.BuildStatusBuilding {
				return nil
			}
			if build.LastHeartbeatAt.IsZero() {
				if build.StartedAt.Before(startedCutoff) {
					stuck = append(stuck, &build)
				}
				return nil
			}
			if build.LastHeartbeatAt.Before(heartbeatCutoff) {
				stuck = append(stuck, &build)
			}
			return nil
		})
	})
	return stuck, err
}

func (s *BoltStore) RecordHeartbeat(buildID string, now time.Time) error {
	return s.Update(func(tx Tx) error {
		build, err := tx.GetBuild(buildID)
		if err != nil {
			return err
		}
		build.LastHeartbeatAt = now
		return tx.PutBuild(build)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker *types.Worker
	err := s.View(func(tx Tx) error {
		w, err := tx.GetWorker(id)
		if err != nil {
			return err
		}
		worker = w
		return nil
	})
	return worker, err
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(_, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

// ListLogs returns up to limit log entries for buildID in submission
// order; limit <= 0 means unbounded. Uses a prefix cursor scan over
// logKey's sortable encoding.
func (s *BoltStore) ListLogs(buildID string, limit int) ([]types.BuildLog, error) {
	var logs []types.BuildLog
	prefix := []byte(buildID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		c := b.Cursor()
		count := 0
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if limit > 0 && count >= limit {
				break
			}
			var entry types.BuildLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			logs = append(logs, entry)
			count++
		}
		return nil
	})
	return logs, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) AppendCpuSnapshot(snap *types.CpuSnapshot) error {
	snap.Clamp()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCPU)
		key := logKey(snap.BuildID, snap.Timestamp, 0)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) AppendTelemetry(ev *types.TelemetryEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTelem)
		key := logKey(ev.BuildID, ev.Timestamp, 0)
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}
