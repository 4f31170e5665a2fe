package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/types"
	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// lockTimeout bounds the wait for the file lock held by another process
const lockTimeout = time.Second

var (
	// Bucket names
	bucketSchedules      = []byte("schedules")
	bucketRequestedTasks = []byte("requested_tasks")
	bucketTasks          = []byte("tasks")
	bucketWorkers        = []byte("workers")
	bucketOffliners      = []byte("offliners")
)

// BoltStore implements Store using BoltDB. bbolt allows a single read-write
// transaction at a time, which makes every Update serializable. The file is
// locked for the life of the handle, so only one process can use it.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "dispatcher.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: lockTimeout})
	if errors.Is(err, bolterrors.ErrTimeout) {
		return nil, fmt.Errorf("%s is locked by another process: %w", dbPath, errdefs.ErrUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSchedules,
			bucketRequestedTasks,
			bucketTasks,
			bucketWorkers,
			bucketOffliners,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View runs fn in a read-only transaction
func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func getJSON[T any](b *bolt.Bucket, kind, key string) (*T, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, notFound(kind, key)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, key, err)
	}
	return &v, nil
}

func listJSON[T any](b *bolt.Bucket, match func(*T) bool) ([]*T, error) {
	var out []*T
	err := b.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if match == nil || match(&item) {
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func deleteKey(b *bolt.Bucket, kind, key string) error {
	if b.Get([]byte(key)) == nil {
		return notFound(kind, key)
	}
	return b.Delete([]byte(key))
}

// Schedule operations, keyed by name
func (t *boltTx) GetSchedule(name string) (*types.Schedule, error) {
	return getJSON[types.Schedule](t.tx.Bucket(bucketSchedules), "schedule", name)
}

func (t *boltTx) GetScheduleByID(id string) (*types.Schedule, error) {
	found, err := listJSON(t.tx.Bucket(bucketSchedules), func(s *types.Schedule) bool {
		return s.ID == id
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, notFound("schedule", id)
	}
	return found[0], nil
}

func (t *boltTx) ListSchedules() ([]*types.Schedule, error) {
	return listJSON[types.Schedule](t.tx.Bucket(bucketSchedules), nil)
}

func (t *boltTx) PutSchedule(schedule *types.Schedule) error {
	return putJSON(t.tx.Bucket(bucketSchedules), schedule.Name, schedule)
}

func (t *boltTx) DeleteSchedule(name string) error {
	return deleteKey(t.tx.Bucket(bucketSchedules), "schedule", name)
}

// Requested task operations
func (t *boltTx) GetRequestedTask(id string) (*types.RequestedTask, error) {
	return getJSON[types.RequestedTask](t.tx.Bucket(bucketRequestedTasks), "requested task", id)
}

func (t *boltTx) ListRequestedTasks() ([]*types.RequestedTask, error) {
	return listJSON[types.RequestedTask](t.tx.Bucket(bucketRequestedTasks), nil)
}

func (t *boltTx) PutRequestedTask(rt *types.RequestedTask) error {
	return putJSON(t.tx.Bucket(bucketRequestedTasks), rt.ID, rt)
}

func (t *boltTx) DeleteRequestedTask(id string) error {
	return deleteKey(t.tx.Bucket(bucketRequestedTasks), "requested task", id)
}

// Task operations
func (t *boltTx) GetTask(id string) (*types.Task, error) {
	return getJSON[types.Task](t.tx.Bucket(bucketTasks), "task", id)
}

func (t *boltTx) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	return listJSON(t.tx.Bucket(bucketTasks), filter.Match)
}

func (t *boltTx) PutTask(task *types.Task) error {
	return putJSON(t.tx.Bucket(bucketTasks), task.ID, task)
}

func (t *boltTx) DeleteTask(id string) error {
	return deleteKey(t.tx.Bucket(bucketTasks), "task", id)
}

// Worker operations
func (t *boltTx) GetWorker(name string) (*types.Worker, error) {
	return getJSON[types.Worker](t.tx.Bucket(bucketWorkers), "worker", name)
}

func (t *boltTx) ListWorkers() ([]*types.Worker, error) {
	return listJSON[types.Worker](t.tx.Bucket(bucketWorkers), nil)
}

func (t *boltTx) PutWorker(worker *types.Worker) error {
	return putJSON(t.tx.Bucket(bucketWorkers), worker.Name, worker)
}

// Offliner operations
func (t *boltTx) GetOffliner(id string) (*types.Offliner, error) {
	return getJSON[types.Offliner](t.tx.Bucket(bucketOffliners), "offliner", id)
}

func (t *boltTx) ListOffliners() ([]*types.Offliner, error) {
	return listJSON[types.Offliner](t.tx.Bucket(bucketOffliners), nil)
}

func (t *boltTx) PutOffliner(offliner *types.Offliner) error {
	return putJSON(t.tx.Bucket(bucketOffliners), offliner.ID, offliner)
}
