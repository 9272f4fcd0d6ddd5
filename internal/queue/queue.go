package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pilesync/pilesync/internal/clock"
	"github.com/pilesync/pilesync/internal/schema"
)

// FileName is the queue file name inside the application data directory.
const FileName = "sync-queue.json"

// ErrNotFound is returned when an operation id is not in the queue.
var ErrNotFound = errors.New("operation not found")

// Config holds configuration for the queue.
type Config struct {
	// Path of the JSON file holding every pile's operations.
	Path string

	// MaxRetries is the retry ceiling. An operation that has failed this
	// many times is no longer returned by Take.
	MaxRetries int

	// BaseDelay is the backoff base.
	BaseDelay time.Duration

	// Clock and Jitter are injectable for tests.
	Clock  clock.Clock
	Jitter func() float64

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for a queue stored at path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:       path,
		MaxRetries: 5,
		BaseDelay:  time.Second,
		Clock:      clock.Real{},
		Jitter:     rand.Float64,
		Logger:     slog.Default(),
	}
}

// Queue is a durable operation log persisted as a JSON array. The file is
// loaded lazily on first use and rewritten after every mutation.
// Operations carry their pile path; Take and Len only ever look at one pile.
type Queue struct {
	config *Config

	mu     sync.Mutex
	loaded bool
	ops    []Operation
	// inflight holds ids handed out by Take and not yet acked or nacked.
	inflight map[string]struct{}
}

// New creates a queue backed by config.Path.
func New(config *Config) (*Queue, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("queue path cannot be empty")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	config.Clock = clock.Or(config.Clock)
	if config.Jitter == nil {
		config.Jitter = rand.Float64
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Queue{config: config, inflight: make(map[string]struct{})}, nil
}

// MaxRetries returns the retry ceiling.
func (q *Queue) MaxRetries() int {
	return q.config.MaxRetries
}

func (q *Queue) ensureLoaded() error {
	if q.loaded {
		return nil
	}

	// #nosec G304 - path from configuration
	data, err := os.ReadFile(q.config.Path)
	switch {
	case os.IsNotExist(err):
		q.ops = nil
	case err != nil:
		return fmt.Errorf("failed to read queue: %w", err)
	case len(data) == 0:
		q.ops = nil
	default:
		if err := json.Unmarshal(data, &q.ops); err != nil {
			return fmt.Errorf("failed to parse queue %s: %w", q.config.Path, err)
		}
	}
	q.loaded = true
	return nil
}

func (q *Queue) persist() error {
	ops := q.ops
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	if err := schema.WriteFileAtomic(q.config.Path, data, 0600); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	return nil
}

func (q *Queue) failed(op *Operation) bool {
	return op.RetryCount >= q.config.MaxRetries
}

// Enqueue validates op and appends it with a fresh id and retryCount 0.
// If an identical change is already pending and has never failed, the
// existing operation is returned instead.
func (q *Queue) Enqueue(op Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(); err != nil {
		return Operation{}, err
	}

	for i := range q.ops {
		existing := &q.ops[i]
		if _, busy := q.inflight[existing.ID]; busy {
			continue
		}
		if existing.RetryCount == 0 && existing.sameChange(&op) {
			return *existing, nil
		}
	}

	op.ID = uuid.NewString()
	op.CreatedAt = q.config.Clock.Now().UTC()
	op.RetryCount = 0
	op.NextRetryAt = time.Time{}
	op.LastError = ""

	q.ops = append(q.ops, op)
	if err := q.persist(); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		return Operation{}, err
	}

	q.config.Logger.Debug("operation enqueued", "op", op.ID, "type", op.Type, "pile", op.PilePath)
	return op, nil
}

// Take returns up to n operations of pilePath that are ready to run, in
// insertion order. An operation is ready when its retry time has passed and
// it is under the retry ceiling. Take does not remove operations; it marks
// them in flight until they are acked or nacked.
func (q *Queue) Take(pilePath string, n int) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(); err != nil {
		return nil, err
	}

	now := q.config.Clock.Now()
	var ready []Operation
	for _, op := range q.ops {
		if len(ready) >= n {
			break
		}
		if op.PilePath != pilePath || q.failed(&op) {
			continue
		}
		if _, busy := q.inflight[op.ID]; busy {
			continue
		}
		if !op.NextRetryAt.IsZero() && op.NextRetryAt.After(now) {
			continue
		}
		ready = append(ready, op)
	}
	for _, op := range ready {
		q.inflight[op.ID] = struct{}{}
	}
	return ready, nil
}

// Ack removes a completed operation. Acking an unknown id is a no-op.
// If the queue cannot be written the operation stays queued.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(); err != nil {
		return err
	}
	delete(q.inflight, id)

	for i := range q.ops {
		if q.ops[i].ID == id {
			prev := q.ops
			q.ops = append(q.ops[:i:i], q.ops[i+1:]...)
			if err := q.persist(); err != nil {
				q.ops = prev
				return err
			}
			return nil
		}
	}
	return nil
}

// Release returns a taken operation to the queue without counting a failure.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

// Nack records a failure. The retry count is incremented and, while under
// the ceiling, the next attempt is scheduled with exponential backoff.
func (q *Queue) Nack(id string, cause error) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(); err != nil {
		return Operation{}, err
	}
	delete(q.inflight, id)

	for i := range q.ops {
		op := &q.ops[i]
		if op.ID != id {
			continue
		}
		prev := *op

		if op.RetryCount < q.config.MaxRetries {
			op.RetryCount++
		}
		if cause != nil {
			op.LastError = cause.Error()
		}
		if q.failed(op) {
			op.NextRetryAt = time.Time{}
			q.config.Logger.Warn("operation exceeded retry ceiling", "op", op.ID, "type", op.Type, "error", op.LastError)
		} else {
			delay := Backoff(op.RetryCount, q.config.BaseDelay, q.config.Jitter())
			op.NextRetryAt = q.config.Clock.Now().Add(delay).UTC()
		}

		if err := q.persist(); err != nil {
			*op = prev
			return Operation{}, err
		}
		return *op, nil
	}
	return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Fail records a failure that retrying cannot fix. The operation moves
// straight to the retry ceiling and stays in the queue as failed.
func (q *Queue) Fail(id string, cause error) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(); err != nil {
		return Operation{}, err
	}
	delete(q.inflight, id)

	for i := range q.ops {
		op := &q.ops[i]
		if op.ID != id {
			continue
		}
		prev := *op
		op.RetryCount = q.config.MaxRetries
		op.NextRetryAt = time.Time{}
		if cause != nil {
			op.LastError = cause.Error()
		}
		if err := q.persist(); err != nil {
			*op = prev
			return Operation{}, err
		}
		q.config.Logger.Warn("operation failed permanently", "op", op.ID, "type", op.Type, "error", op.LastError)
		return *op, nil
	}
	return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Len returns the number of pending operations of pilePath, including ones
// waiting for a retry but excluding failed ones.
func (q *Queue) Len(pilePath string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(); err != nil {
		return 0, err
	}

	count := 0
	for i := range q.ops {
		if q.ops[i].PilePath == pilePath && !q.failed(&q.ops[i]) {
			count++
		}
	}
	return count, nil
}

// List returns every operation of pilePath, failed ones included.
func (q *Queue) List(pilePath string) ([]Operation, error) {
	return q.filter(func(op *Operation) bool { return op.PilePath == pilePath })
}

// Failed returns the operations of pilePath that reached the retry ceiling.
func (q *Queue) Failed(pilePath string) ([]Operation, error) {
	return q.filter(func(op *Operation) bool { return op.PilePath == pilePath && q.failed(op) })
}

func (q *Queue) filter(keep func(op *Operation) bool) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(); err != nil {
		return nil, err
	}

	var out []Operation
	for i := range q.ops {
		if keep(&q.ops[i]) {
			out = append(out, q.ops[i])
		}
	}
	return out, nil
}

// Clear removes every operation of pilePath and returns how many were removed.
func (q *Queue) Clear(pilePath string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(); err != nil {
		return 0, err
	}

	kept := make([]Operation, 0, len(q.ops))
	var dropped []string
	for _, op := range q.ops {
		if op.PilePath == pilePath {
			dropped = append(dropped, op.ID)
			continue
		}
		kept = append(kept, op)
	}
	if len(dropped) == 0 {
		return 0, nil
	}
	prev := q.ops
	q.ops = kept
	if err := q.persist(); err != nil {
		q.ops = prev
		return 0, err
	}
	for _, id := range dropped {
		delete(q.inflight, id)
	}
	return len(dropped), nil
}
