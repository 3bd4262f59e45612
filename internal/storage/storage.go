package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dodobot/authrelay/internal/region"
)

// DefaultStateTTL bounds how long an issued state stays resolvable.
const DefaultStateTTL = 30 * time.Minute

// ErrStateNotFound is returned when no live record holds the state.
// Expired records are reported the same way.
var ErrStateNotFound = errors.New("state not found")

// ErrStateConflict is returned when a state is already bound to another
// identity.
var ErrStateConflict = errors.New("state already issued to another identity")

// StorageError reports an infrastructure failure. Callers must not treat
// it as ErrStateNotFound.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// StateRecord binds an OAuth state token to the identity that started the
// login. At most one record exists per identity.
type StateRecord struct {
	State        string        `json:"state"`
	Identity     string        `json:"chat_id"`
	Region       region.Region `json:"country"`
	CodeVerifier string        `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at now.
func (r *StateRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// StateStore is the durable state/identity mapping behind the login flow.
type StateStore interface {
	// UpsertState creates or replaces the record for rec.Identity. State,
	// region and verifier are replaced; CreatedAt of an existing record is
	// kept. Timestamps and expiry are assigned by the store.
	UpsertState(ctx context.Context, rec StateRecord) (*StateRecord, error)

	// FindByState returns the live record holding state, or ErrStateNotFound.
	FindByState(ctx context.Context, state string) (*StateRecord, error)

	// CleanupExpiredStates deletes expired records and returns how many.
	CleanupExpiredStates(ctx context.Context) (int, error)

	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL sets how long records stay valid after their last upsert.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultStateTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateRecord(rec StateRecord) error {
	if rec.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if rec.State == "" {
		return fmt.Errorf("state is required")
	}
	return nil
}
