package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

var bucketTasks = []byte("tasks")

// ErrTaskNotFound is returned when the requested task id does not
// exist.
var ErrTaskNotFound = errors.New("task not found")

// Store persists task records in a bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the task database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create task bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create validates and persists a new task record, assigning an id
// when the record has none. The record's schedule expression is
// checked up front so a bad expression fails at creation, not at the
// first poll.
func (s *Store) Create(rec *types.TaskRecord) error {
	if rec.ObjectID == "" || rec.Method == "" || rec.Schedule == "" {
		return fmt.Errorf("task requires object_id, method and schedule")
	}
	switch rec.Type {
	case types.TaskCron:
		if _, err := parseCron(rec.Schedule); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", rec.Schedule, err)
		}
	case types.TaskOnetime:
		if _, err := parseInstant(rec.Schedule); err != nil {
			return fmt.Errorf("invalid schedule instant %q: %w", rec.Schedule, err)
		}
	default:
		return fmt.Errorf("unknown task type %q", rec.Type)
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = types.TaskActive
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = types.Now()
	}
	return s.put(rec)
}

// Get returns one task record by id.
func (s *Store) Get(id string) (*types.TaskRecord, error) {
	var rec types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every task record sorted by creation time, oldest
// first.
func (s *Store) List() ([]*types.TaskRecord, error) {
	var records []*types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt task record %s: %w", k, err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt < records[j].CreatedAt })
	return records, nil
}

// ListActive returns the active records only.
func (s *Store) ListActive() ([]*types.TaskRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, rec := range all {
		if rec.Status == types.TaskActive {
			active = append(active, rec)
		}
	}
	return active, nil
}

// CountActive reports the number of active records, for metrics.
func (s *Store) CountActive() (int, error) {
	active, err := s.ListActive()
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// Update overwrites an existing record.
func (s *Store) Update(rec *types.TaskRecord) error {
	if _, err := s.Get(rec.ID); err != nil {
		return err
	}
	return s.put(rec)
}

// Cancel transitions a record to cancelled. Cancelling a finished
// record is a no-op on its status.
func (s *Store) Cancel(id string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if rec.Status == types.TaskActive {
		rec.Status = types.TaskCancelled
		return s.put(rec)
	}
	return nil
}

// Delete removes a record entirely.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *Store) put(rec *types.TaskRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(rec.ID), data)
	})
}
