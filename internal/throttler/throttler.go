package throttler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// ErrUnreachable means the throttler database could not be reached while
// throttling is enabled. I/O fails closed: the caller must not proceed.
var ErrUnreachable = errors.New("throttler database unreachable")

const (
	// refreshInterval is how often a worker republishes its bandwidth
	// row while actively moving bytes.
	refreshInterval = time.Second

	// heartbeatInterval bounds how stale an idle worker's row may get.
	heartbeatInterval = 60 * time.Second

	// liveWindow excludes rows of dead workers from the aggregate.
	liveWindow = 5 * time.Minute

	// pruneAfter drops rows abandoned long ago, at startup.
	pruneAfter = 30 * 24 * time.Hour
)

// ioThrottler limits one direction (read or write). Each instance owns one
// row in t_<name> and periodically writes its recent bytes-per-second there;
// the sum over all live rows decides whether this worker slows to its
// limit/N share.
type ioThrottler struct {
	db       *sql.DB
	table    string
	rowID    int64
	maxSpeed int64

	mu        sync.Mutex
	bucket    *LeakyBucket
	bandwidth *BandwidthCalculator
	lastSync  time.Time
}

func tableDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
		  id SERIAL PRIMARY KEY,
		  updated TIMESTAMP NOT NULL,
		  bytes INTEGER NOT NULL
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_updated ON %s USING BRIN (updated)`,
			table, table),
	}
}

func newIOThrottler(db *sql.DB, direction string, maxSpeed int64) (*ioThrottler, error) {
	t := &ioThrottler{
		db:        db,
		table:     "t_" + direction,
		maxSpeed:  maxSpeed,
		bucket:    NewLeakyBucket(maxSpeed),
		bandwidth: NewBandwidthCalculator(),
	}
	for _, ddl := range tableDDL(t.table) {
		if _, err := db.Exec(ddl); err != nil {
			return nil, fmt.Errorf("init %s: %w", t.table, err)
		}
	}
	err := db.QueryRow(
		`INSERT INTO ` + t.table + ` (updated, bytes) VALUES (NOW(), 0) RETURNING id`,
	).Scan(&t.rowID)
	if err != nil {
		return nil, fmt.Errorf("register in %s: %w", t.table, err)
	}
	// Rows abandoned by long-dead workers accumulate forever otherwise.
	_, err = db.Exec(fmt.Sprintf(
		`DELETE FROM %s WHERE id IN (
		   SELECT id FROM %s WHERE updated < NOW() - INTERVAL '%d days'
		   FOR UPDATE SKIP LOCKED)`,
		t.table, t.table, int(pruneAfter.Hours()/24)))
	if err != nil {
		return nil, fmt.Errorf("prune %s: %w", t.table, err)
	}
	return t, nil
}

// Add accounts count bytes of I/O in this direction, sleeping to keep this
// worker inside its current share. Returns ErrUnreachable when the shared
// table cannot be refreshed.
func (t *ioThrottler) Add(ctx context.Context, count int64) error {
	t.mu.Lock()
	bucket := t.bucket
	t.bandwidth.Add(count)
	needSync := time.Since(t.lastSync) > refreshInterval
	t.mu.Unlock()

	if err := bucket.Add(ctx, count); err != nil {
		return err
	}
	if needSync {
		if err := t.sync(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
	}
	return nil
}

// Heartbeat refreshes this worker's row so it stays in the live window even
// when idle.
func (t *ioThrottler) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	stale := time.Since(t.lastSync) > heartbeatInterval
	t.mu.Unlock()
	if !stale {
		return nil
	}
	return t.sync(ctx)
}

func (t *ioThrottler) sync(ctx context.Context) error {
	t.mu.Lock()
	speed := t.bandwidth.Get()
	t.mu.Unlock()

	_, err := t.db.ExecContext(ctx,
		`UPDATE `+t.table+` SET updated = NOW(), bytes = $1 WHERE id = $2`,
		speed, t.rowID)
	if err != nil {
		return err
	}

	var others int64
	var total sql.NullInt64
	err = t.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*), SUM(bytes) FROM %s
		 WHERE bytes > 0 AND updated > NOW() - INTERVAL '%d seconds'`,
		t.table, int(liveWindow.Seconds()))).Scan(&others, &total)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.lastSync = time.Now()
	if others > 0 && total.Int64 > t.maxSpeed {
		t.bucket.Reset(t.maxSpeed / others)
	} else {
		t.bucket.Reset(t.maxSpeed)
	}
	t.mu.Unlock()
	return nil
}

func (t *ioThrottler) close() {
	// Best effort: a row left behind ages out of the live window.
	t.db.Exec(`DELETE FROM `+t.table+` WHERE id = $1`, t.rowID)
}

// Throttler paces reads and writes against cluster-wide limits shared
// through the throttler database. A nil *Throttler is valid and does no
// pacing, for deployments without a throttler section.
type Throttler struct {
	db    *sql.DB
	read  *ioThrottler
	write *ioThrottler
}

// New connects to the throttler database and registers this worker in both
// directions.
func New(dsn string, maxReadBPS, maxWriteBPS int64) (*Throttler, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open throttler db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	read, err := newIOThrottler(db, "read", maxReadBPS)
	if err != nil {
		db.Close()
		return nil, err
	}
	write, err := newIOThrottler(db, "write", maxWriteBPS)
	if err != nil {
		read.close()
		db.Close()
		return nil, err
	}
	return &Throttler{db: db, read: read, write: write}, nil
}

// ThrottledRead runs f and accounts the returned bytes against the read
// limit.
func (t *Throttler) ThrottledRead(ctx context.Context, f func() ([]byte, error)) ([]byte, error) {
	content, err := f()
	if err != nil {
		return nil, err
	}
	if t == nil {
		return content, nil
	}
	if err := t.read.Add(ctx, int64(len(content))); err != nil {
		return nil, err
	}
	return content, nil
}

// ThrottledWrite accounts count bytes against the write limit, then runs f.
func (t *Throttler) ThrottledWrite(ctx context.Context, count int64, f func() error) error {
	if t == nil {
		return f()
	}
	if err := t.write.Add(ctx, count); err != nil {
		return err
	}
	return f()
}

// Heartbeat keeps both rows live while the worker idles.
func (t *Throttler) Heartbeat(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.read.Heartbeat(ctx); err != nil {
		return err
	}
	return t.write.Heartbeat(ctx)
}

// Close removes this worker's rows and disconnects.
func (t *Throttler) Close() error {
	if t == nil {
		return nil
	}
	t.read.close()
	t.write.close()
	return t.db.Close()
}
