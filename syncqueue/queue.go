// Package syncqueue keeps attendance records written while offline and
// pushes them to the backend once it is reachable with a live session.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-playground/validator/v10"
	"github.com/sourcegraph/conc/pool"

	"github.com/schoolhub/sessionkeeper/client"
	"github.com/schoolhub/sessionkeeper/session"
	"github.com/schoolhub/sessionkeeper/storage"
)

const keyPrefix = "attendance:"

const (
	defaultConcurrency = 4
	defaultAttempts    = 3
	retryDelay         = 200 * time.Millisecond
)

// Operation tags what the backend must do with a record.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
)

// Status is the sync state of a record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSynced  Status = "SYNCED"
)

var (
	// ErrNotFound is returned for an unknown (class, date).
	ErrNotFound = errors.New("attendance record not found")
	// ErrSyncUnavailable is returned by Flush while offline or in an offline session.
	ErrSyncUnavailable = errors.New("sync unavailable: backend unreachable or session not validated")
)

// Record is the attendance of one class on one date.
type Record struct {
	ClassID   string            `json:"class_id"`
	Date      string            `json:"date"`
	Entries   map[string]string `json:"entries"`
	Operation Operation         `json:"operation"`
	Status    Status            `json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
	Attempts  int               `json:"attempts,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

type recordInput struct {
	ClassID string            `validate:"required,max=64,excludesall=/?#%:"`
	Date    string            `validate:"required,datetime=2006-01-02"`
	Entries map[string]string `validate:"required,min=1,dive,keys,required,endkeys,oneof=present absent late excused"`
}

// Pusher sends records to the backend. *client.Client implements it.
type Pusher interface {
	PostJSON(ctx context.Context, path string, in, out any) error
	PutJSON(ctx context.Context, path string, in, out any) error
}

// SessionState is what Flush needs to know about the current session.
type SessionState interface {
	IsOfflineSession() bool
	Status() session.Status
}

// FlushResult summarises one Flush.
type FlushResult struct {
	Synced int
	Failed int
}

// Queue is a durable attendance queue keyed by (class_id, date).
type Queue struct {
	durable     storage.DurableStore
	pusher      Pusher
	probe       session.ReachabilityProbe
	session     SessionState
	logger      *slog.Logger
	now         func() time.Time
	validate    *validator.Validate
	concurrency int
	attempts    uint

	// mu serialises read-modify-write cycles on records.
	mu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithConcurrency bounds how many records are pushed at once.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithAttempts sets how many times a record push is tried per Flush.
func WithAttempts(n uint) Option {
	return func(q *Queue) {
		if n > 0 {
			q.attempts = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue persisting to durable.
func New(durable storage.DurableStore, pusher Pusher, probe session.ReachabilityProbe, sess SessionState, opts ...Option) *Queue {
	q := &Queue{
		durable:     durable,
		pusher:      pusher,
		probe:       probe,
		session:     sess,
		now:         time.Now,
		validate:    validator.New(),
		concurrency: defaultConcurrency,
		attempts:    defaultAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "syncqueue")
	return q
}

func recordKey(classID, date string) string {
	return keyPrefix + classID + ":" + date
}

// Enqueue stores attendance for (classID, date) as PENDING. The first write
// of a key is a CREATE; later writes are UPDATEs, except that a CREATE not
// yet synced stays a CREATE.
func (q *Queue) Enqueue(classID, date string, entries map[string]string) (*Record, error) {
	if err := q.validate.Struct(recordInput{ClassID: classID, Date: date, Entries: entries}); err != nil {
		return nil, fmt.Errorf("%w: %w", session.ErrInvalidInput, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	op := OpCreate
	existing, err := q.get(recordKey(classID, date))
	switch {
	case err == nil:
		if existing.Operation != OpCreate || existing.Status != StatusPending {
			op = OpUpdate
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	rec := &Record{
		ClassID:   classID,
		Date:      date,
		Entries:   entries,
		Operation: op,
		Status:    StatusPending,
		UpdatedAt: q.now().UTC(),
	}
	if err := q.put(rec); err != nil {
		return nil, err
	}
	q.logger.Debug("attendance queued", "class_id", classID, "date", date, "operation", op)
	return rec, nil
}

// Get returns the record for (classID, date).
func (q *Queue) Get(classID, date string) (*Record, error) {
	return q.get(recordKey(classID, date))
}

// List returns every record, ordered by class and date.
func (q *Queue) List() ([]Record, error) {
	keys, err := q.durable.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing attendance: %w", err)
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, err := q.get(k)
		if err != nil {
			q.logger.Warn("skipping unreadable attendance record", "key", k, "error", err)
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Pending returns the records not yet synced.
func (q *Queue) Pending() ([]Record, error) {
	all, err := q.List()
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, r := range all {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// Flush pushes pending records. It refuses to run while the backend is
// unreachable or the session is an unvalidated offline one, because its
// placeholder token would be rejected and end the session.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	if q.session.Status() != session.StatusAuthenticated || q.session.IsOfflineSession() || !q.probe.IsOnline(ctx) {
		return FlushResult{}, ErrSyncUnavailable
	}
	pending, err := q.Pending()
	if err != nil {
		return FlushResult{}, err
	}

	var synced, failed atomic.Int32
	p := pool.New().WithContext(ctx).WithMaxGoroutines(q.concurrency)
	for _, rec := range pending {
		p.Go(func(ctx context.Context) error {
			if err := q.pushWithRetry(ctx, rec); err != nil {
				failed.Add(1)
				q.recordFailure(rec, err)
				return fmt.Errorf("%s/%s: %w", rec.ClassID, rec.Date, err)
			}
			synced.Add(1)
			return q.markSynced(rec)
		})
	}
	err = p.Wait()
	res := FlushResult{Synced: int(synced.Load()), Failed: int(failed.Load())}
	q.logger.InfoContext(ctx, "attendance flush", "synced", res.Synced, "failed", res.Failed)
	return res, err
}

func (q *Queue) pushWithRetry(ctx context.Context, rec Record) error {
	return retry.Do(
		func() error { return q.push(ctx, rec) },
		retry.Context(ctx),
		retry.Attempts(q.attempts),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
}

func (q *Queue) push(ctx context.Context, rec Record) error {
	body := struct {
		ClassID string            `json:"class_id"`
		Date    string            `json:"date"`
		Entries map[string]string `json:"entries"`
	}{rec.ClassID, rec.Date, rec.Entries}
	if rec.Operation == OpUpdate {
		return q.pusher.PutJSON(ctx, "/attendance/"+rec.ClassID+"/"+rec.Date, body, nil)
	}
	return q.pusher.PostJSON(ctx, "/attendance", body, nil)
}

func retryable(err error) bool {
	if errors.Is(err, session.ErrNetwork) {
		return true
	}
	apiErr, ok := errors.AsType[*client.APIError](err)
	return ok && apiErr.Temporary()
}

// markSynced flags rec as synced unless it was re-enqueued meanwhile.
func (q *Queue) markSynced(rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, err := q.get(recordKey(rec.ClassID, rec.Date))
	if err != nil {
		return err
	}
	if !cur.UpdatedAt.Equal(rec.UpdatedAt) {
		return nil
	}
	cur.Status = StatusSynced
	cur.Attempts = 0
	cur.LastError = ""
	return q.put(cur)
}

func (q *Queue) recordFailure(rec Record, pushErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, err := q.get(recordKey(rec.ClassID, rec.Date))
	if err != nil || !cur.UpdatedAt.Equal(rec.UpdatedAt) {
		return
	}
	cur.Attempts++
	cur.LastError = pushErr.Error()
	if err := q.put(cur); err != nil {
		q.logger.Warn("recording push failure", "class_id", rec.ClassID, "date", rec.Date, "error", err)
	}
}

func (q *Queue) get(key string) (*Record, error) {
	data, err := q.durable.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &rec, nil
}

func (q *Queue) put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding attendance: %w", err)
	}
	if err := q.durable.Put(recordKey(rec.ClassID, rec.Date), data); err != nil {
		return fmt.Errorf("persisting attendance: %w", err)
	}
	return nil
}
