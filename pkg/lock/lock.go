// Package lock provides Redis-backed distributed mutual exclusion for
// operations that must run at most once across a fleet, such as schema
// migrations and release finalization.
//
// A lock is a Redis key written with SET NX PX and a random fencing
// token. Release and refresh compare the stored token in a Lua script
// before acting, so a lock that expired and was re-acquired by another
// holder can never be released or extended by the original one.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/edgekit/edgekit-core/pkg/lock"

// Defaults applied by NewLocker when the corresponding Options field is
// zero.
const (
	// DefaultTTL is how long an acquired lock lives without a refresh.
	DefaultTTL = 30 * time.Second

	// DefaultRetryInterval is the poll cadence of [Locker.AcquireWait].
	DefaultRetryInterval = 100 * time.Millisecond
)

// ErrNotAcquired reports that the lock is held by someone else.
var ErrNotAcquired = errors.New("lock: not acquired")

// ErrNotHeld reports a release or refresh of a lock whose token no
// longer matches the stored one: the lock expired and may have been
// re-acquired by another holder.
var ErrNotHeld = errors.New("lock: no longer held")

// releaseScript deletes the key only when it still stores the caller's
// token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// refreshScript extends the key's expiry only when it still stores the
// caller's token.
const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

// Cmdable defines the Redis operations the Locker needs. It is satisfied
// by [*redis.Client] and by mock implementations for unit testing; use
// [NewLocker] with a mock to test without a real Redis instance.
type Cmdable interface {
	// SetNX sets a key only when it does not exist, with an expiration.
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd

	// Eval executes a Lua script.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd

	// Ping pings the Redis server.
	Ping(ctx context.Context) *redis.StatusCmd
}

// Compile-time interface compliance check.
var _ Cmdable = (*redis.Client)(nil)

// Options configures a [Locker].
type Options struct {
	// TTL is the lifetime of an acquired lock. Defaults to [DefaultTTL].
	TTL time.Duration

	// RetryInterval is how often AcquireWait retries a contended lock.
	// Defaults to [DefaultRetryInterval].
	RetryInterval time.Duration

	// KeyPrefix is prepended to every lock key, namespacing this
	// application's locks. Defaults to "lock:".
	KeyPrefix string
}

// Locker acquires distributed locks against a single Redis instance.
//
// A Locker is safe for concurrent use by multiple goroutines.
type Locker struct {
	cmdable Cmdable
	opts    Options
	tracer  trace.Tracer
}

// NewLocker creates a Locker over an existing Redis client or mock.
func NewLocker(cmdable Cmdable, opts Options) (*Locker, error) {
	if cmdable == nil {
		return nil, ekerr.New(ekerr.CodeValidationRequired, "lock: redis client is required")
	}
	if opts.TTL < 0 || opts.RetryInterval < 0 {
		return nil, ekerr.New(ekerr.CodeValidation, "lock: durations must be non-negative")
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "lock:"
	}
	return &Locker{
		cmdable: cmdable,
		opts:    opts,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Connect creates a Locker with its own Redis client from a connection
// URI, verifying connectivity with a ping.
//
// Example:
//
//	locker, err := lock.Connect(ctx, "redis://localhost:6379/0", lock.Options{})
func Connect(ctx context.Context, uri string, opts Options) (*Locker, error) {
	redisOpts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeValidationFormat,
			"lock: failed to parse redis URI")
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, ekerr.Wrap(err, ekerr.CodeUnavailableDependency,
			"lock: failed to connect to redis")
	}
	return NewLocker(client, opts)
}

// Lock is one held lock. Its token fences release and refresh against a
// holder change after expiry.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// Key returns the full Redis key of the lock.
func (l *Lock) Key() string { return l.key }

// Token returns the lock's fencing token.
func (l *Lock) Token() string { return l.token }

// Acquire attempts to take the lock once. Returns [ErrNotAcquired]
// (code [ekerr.CodeConflict]) when the lock is held by someone else.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	fullKey := l.opts.KeyPrefix + key
	ctx, span := l.startSpan(ctx, "Acquire", fullKey)
	defer span.End()

	token := uuid.NewString()
	ok, err := l.cmdable.SetNX(ctx, fullKey, token, l.opts.TTL).Result()
	if err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "lock: acquire failed")
	}
	if !ok {
		finishSpan(span, ErrNotAcquired)
		return nil, ekerr.Wrap(ErrNotAcquired, ekerr.CodeConflict,
			"lock: already held").WithDetail("key", fullKey)
	}

	finishSpan(span, nil)
	return &Lock{locker: l, key: fullKey, token: token}, nil
}

// AcquireWait polls for the lock until it is acquired, maxWait elapses,
// or the context is done. A zero maxWait waits on the context alone.
func (l *Locker) AcquireWait(ctx context.Context, key string, maxWait time.Duration) (*Lock, error) {
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	ticker := time.NewTicker(l.opts.RetryInterval)
	defer ticker.Stop()

	for {
		lk, err := l.Acquire(ctx, key)
		if err == nil {
			return lk, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ekerr.Wrap(ctx.Err(), ekerr.CodeTimeout,
				"lock: gave up waiting").WithDetail("key", l.opts.KeyPrefix+key)
		case <-ticker.C:
		}
	}
}

// Do runs fn while holding the lock, releasing it afterwards. The lock
// is acquired with AcquireWait; a release failure after a successful fn
// is returned, a release failure after a failed fn is dropped in favor
// of fn's error.
func (l *Locker) Do(ctx context.Context, key string, maxWait time.Duration, fn func(ctx context.Context) error) error {
	lk, err := l.AcquireWait(ctx, key, maxWait)
	if err != nil {
		return err
	}

	fnErr := fn(ctx)
	if relErr := lk.Release(ctx); relErr != nil && fnErr == nil {
		return relErr
	}
	return fnErr
}

// Release removes the lock. Returns [ErrNotHeld] (code
// [ekerr.CodeConflict]) when the stored token no longer matches,
// meaning the lock expired underneath the holder.
func (l *Lock) Release(ctx context.Context) error {
	ctx, span := l.locker.startSpan(ctx, "Release", l.key)
	defer span.End()

	n, err := l.locker.cmdable.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		finishSpan(span, err)
		return wrapError(err, "lock: release failed")
	}
	if n == 0 {
		finishSpan(span, ErrNotHeld)
		return ekerr.Wrap(ErrNotHeld, ekerr.CodeConflict,
			"lock: lock expired before release").WithDetail("key", l.key)
	}
	finishSpan(span, nil)
	return nil
}

// Refresh extends the lock's expiry by the locker's TTL. Returns
// [ErrNotHeld] when the stored token no longer matches.
func (l *Lock) Refresh(ctx context.Context) error {
	ctx, span := l.locker.startSpan(ctx, "Refresh", l.key)
	defer span.End()

	n, err := l.locker.cmdable.Eval(ctx, refreshScript,
		[]string{l.key}, l.token, l.locker.opts.TTL.Milliseconds()).Int64()
	if err != nil {
		finishSpan(span, err)
		return wrapError(err, "lock: refresh failed")
	}
	if n == 0 {
		finishSpan(span, ErrNotHeld)
		return ekerr.Wrap(ErrNotHeld, ekerr.CodeConflict,
			"lock: lock expired before refresh").WithDetail("key", l.key)
	}
	finishSpan(span, nil)
	return nil
}

// Health verifies that the Redis connection is alive.
func (l *Locker) Health(ctx context.Context) error {
	if err := l.cmdable.Ping(ctx).Err(); err != nil {
		return ekerr.Wrap(err, ekerr.CodeUnavailableDependency,
			"lock: health check failed")
	}
	return nil
}

func (l *Locker) startSpan(ctx context.Context, operationName, key string) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, "lock."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("lock.key", key),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// wrapError converts a Redis error to a [*ekerr.Error].
// [context.DeadlineExceeded] is classified as retryable; everything
// else as an internal database failure.
func wrapError(err error, message string) *ekerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ekerr.Wrap(err, ekerr.CodeTimeoutDependency, message)
	}
	return ekerr.Wrap(err, ekerr.CodeInternalDatabase, message)
}
