package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/offlinefarm/dispatcher/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on the relational layout in migrations.sql.
// Transactions are opened with BEGIN IMMEDIATE so writers are serialized
// across processes sharing the file; the busy timeout makes them queue
// instead of failing. It is the backend to use when a server and CLI
// processes work on one data directory.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) dispatcher.sqlite in dataDir
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "dispatcher.sqlite")
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, fn)
}

// View runs fn in a transaction that is always rolled back
func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errReadOnly
	})
}

var errReadOnly = errors.New("read-only transaction")

func (s *SQLiteStore) run(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, errReadOnly) {
			return nil
		}
		return err
	}
	return tx.Commit()
}

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func queryOne[T any](t *sqlTx, kind, key, query string, args ...interface{}) (*T, error) {
	var data string
	err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(kind, key)
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, key, err)
	}
	return &v, nil
}

func queryAll[T any](t *sqlTx, query string, args ...interface{}) ([]*T, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (t *sqlTx) deleteRow(kind, key, query string) error {
	res, err := t.tx.ExecContext(t.ctx, query, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, key)
	}
	return nil
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	return string(data), err
}

func nullStr(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// timeLayout has a fixed-width fraction so text order is time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Schedule operations
func (t *sqlTx) GetSchedule(name string) (*types.Schedule, error) {
	return queryOne[types.Schedule](t, "schedule", name, `SELECT data FROM schedule WHERE name = ?`, name)
}

func (t *sqlTx) GetScheduleByID(id string) (*types.Schedule, error) {
	return queryOne[types.Schedule](t, "schedule", id, `SELECT data FROM schedule WHERE id = ?`, id)
}

func (t *sqlTx) ListSchedules() ([]*types.Schedule, error) {
	return queryAll[types.Schedule](t, `SELECT data FROM schedule ORDER BY name`)
}

func (t *sqlTx) PutSchedule(schedule *types.Schedule) error {
	data, err := encode(schedule)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO schedule(id, name, enabled, periodicity, context, most_recent_task_id, data)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, enabled=excluded.enabled,
		   periodicity=excluded.periodicity, context=excluded.context,
		   most_recent_task_id=excluded.most_recent_task_id, data=excluded.data`,
		schedule.ID, schedule.Name, schedule.Enabled, string(schedule.Periodicity),
		nullStr(schedule.Context), nullStr(schedule.MostRecentTask), data,
	)
	return err
}

func (t *sqlTx) DeleteSchedule(name string) error {
	return t.deleteRow("schedule", name, `DELETE FROM schedule WHERE name = ?`)
}

// Requested task operations
func (t *sqlTx) GetRequestedTask(id string) (*types.RequestedTask, error) {
	return queryOne[types.RequestedTask](t, "requested task", id, `SELECT data FROM requested_task WHERE id = ?`, id)
}

func (t *sqlTx) ListRequestedTasks() ([]*types.RequestedTask, error) {
	return queryAll[types.RequestedTask](t, `SELECT data FROM requested_task ORDER BY priority DESC, created_at ASC, id ASC`)
}

func (t *sqlTx) PutRequestedTask(rt *types.RequestedTask) error {
	data, err := encode(rt)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO requested_task(id, schedule_id, schedule_name, priority, requested_by, worker, created_at, data)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET schedule_id=excluded.schedule_id, schedule_name=excluded.schedule_name,
		   priority=excluded.priority, requested_by=excluded.requested_by, worker=excluded.worker,
		   created_at=excluded.created_at, data=excluded.data`,
		rt.ID, nullStr(rt.ScheduleID), rt.ScheduleName, rt.Priority, rt.RequestedBy,
		nullStr(rt.Worker), formatTime(rt.CreatedAt), data,
	)
	return err
}

func (t *sqlTx) DeleteRequestedTask(id string) error {
	return t.deleteRow("requested task", id, `DELETE FROM requested_task WHERE id = ?`)
}

// Task operations
func (t *sqlTx) GetTask(id string) (*types.Task, error) {
	return queryOne[types.Task](t, "task", id, `SELECT data FROM task WHERE id = ?`, id)
}

func (t *sqlTx) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.Worker != "" {
		clauses = append(clauses, "worker_name = ?")
		args = append(args, filter.Worker)
	}
	if filter.ScheduleID != "" {
		clauses = append(clauses, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}

	query := `SELECT data FROM task`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return queryAll[types.Task](t, query+" ORDER BY updated_at DESC", args...)
}

func (t *sqlTx) PutTask(task *types.Task) error {
	data, err := encode(task)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO task(id, schedule_id, original_schedule_name, worker_name, status, updated_at, data)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET schedule_id=excluded.schedule_id, status=excluded.status,
		   updated_at=excluded.updated_at, data=excluded.data`,
		task.ID, nullStr(task.ScheduleID), task.OriginalScheduleName, task.WorkerName,
		string(task.Status), formatTime(task.UpdatedAt), data,
	)
	return err
}

func (t *sqlTx) DeleteTask(id string) error {
	return t.deleteRow("task", id, `DELETE FROM task WHERE id = ?`)
}

// Worker operations
func (t *sqlTx) GetWorker(name string) (*types.Worker, error) {
	return queryOne[types.Worker](t, "worker", name, `SELECT data FROM worker WHERE name = ?`, name)
}

func (t *sqlTx) ListWorkers() ([]*types.Worker, error) {
	return queryAll[types.Worker](t, `SELECT data FROM worker ORDER BY name`)
}

func (t *sqlTx) PutWorker(worker *types.Worker) error {
	data, err := encode(worker)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO worker(name, last_seen, last_ip, data) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET last_seen=excluded.last_seen, last_ip=excluded.last_ip, data=excluded.data`,
		worker.Name, formatTime(worker.LastSeen), nullStr(worker.LastIP), data,
	)
	return err
}

// Offliner operations
func (t *sqlTx) GetOffliner(id string) (*types.Offliner, error) {
	return queryOne[types.Offliner](t, "offliner", id, `SELECT data FROM offliner WHERE id = ?`, id)
}

func (t *sqlTx) ListOffliners() ([]*types.Offliner, error) {
	return queryAll[types.Offliner](t, `SELECT data FROM offliner ORDER BY id`)
}

func (t *sqlTx) PutOffliner(offliner *types.Offliner) error {
	data, err := encode(offliner)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO offliner(id, data) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET data=excluded.data`,
		offliner.ID, data,
	)
	return err
}
