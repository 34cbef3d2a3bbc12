// Package killflag implements operator kill flags: per-organ or global
// switches that block registration and gate authorization until an
// operator lifts them with identity and reason.
//
// Flags live in an in-memory store; when a redis address is configured
// they are mirrored there so every process in the fleet observes the
// same set.
package killflag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// GlobalScope flags the whole process rather than one organ.
const GlobalScope = "*"

const redisKeyPrefix = "phoenix:killflag:"

// Flag is one active kill switch. Reason is why it was raised;
// LiftReason is recorded separately so the audit record keeps both.
type Flag struct {
	Scope      string    `json:"scope"`
	SetBy      string    `json:"set_by"`
	Reason     string    `json:"reason"`
	SetAt      time.Time `json:"set_at"`
	LiftedBy   string    `json:"lifted_by,omitempty"`
	LiftReason string    `json:"lift_reason,omitempty"`
	LiftedAt   time.Time `json:"lifted_at,omitempty"`
}

// AuditSink receives every set and lift.
type AuditSink func(flag Flag, lifted bool)

// Store holds the active flags. The zero redis client means local-only.
type Store struct {
	mu     sync.Mutex
	active map[string]Flag
	lifted []Flag
	rdb    *redis.Client
	clock  func() time.Time
	logger *slog.Logger
	sinks  []AuditSink
}

// NewStore creates an in-memory kill flag store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		active: make(map[string]Flag),
		clock:  time.Now,
		logger: logger.With("component", "killflag"),
	}
}

// WithRedis mirrors flags to redis at addr.
func (s *Store) WithRedis(addr, password string, db int) *Store {
	s.rdb = redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Subscribe adds an audit sink.
func (s *Store) Subscribe(sink AuditSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Set raises a kill flag for scope (an organ id, or GlobalScope).
// Identity and reason are mandatory.
func (s *Store) Set(ctx context.Context, scope, setBy, reason string) (Flag, error) {
	if scope == "" || setBy == "" || reason == "" {
		return Flag{}, fmt.Errorf("killflag: scope, identity and reason are required")
	}
	flag := Flag{Scope: scope, SetBy: setBy, Reason: reason, SetAt: s.clock()}

	s.mu.Lock()
	if existing, ok := s.active[scope]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.active[scope] = flag
	sinks := s.sinks
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.HSet(ctx, redisKeyPrefix+scope,
			"set_by", setBy, "reason", reason,
			"set_at", flag.SetAt.UTC().Format(time.RFC3339Nano),
		).Err(); err != nil {
			s.logger.Warn("redis mirror failed on set", "scope", scope, "error", err)
		}
	}

	s.logger.Warn("kill flag set", "scope", scope, "by", setBy, "reason", reason)
	for _, sink := range sinks {
		sink(flag, false)
	}
	return flag, nil
}

// Lift removes a kill flag. Identity and reason are mandatory; the
// lifted flag is retained for the audit record.
func (s *Store) Lift(ctx context.Context, scope, liftedBy, reason string) (Flag, error) {
	if liftedBy == "" || reason == "" {
		return Flag{}, fmt.Errorf("killflag: lifting requires identity and reason")
	}

	s.mu.Lock()
	flag, ok := s.active[scope]
	if !ok {
		s.mu.Unlock()
		return Flag{}, fmt.Errorf("killflag: no active flag for scope %q", scope)
	}
	delete(s.active, scope)
	flag.LiftedBy = liftedBy
	flag.LiftedAt = s.clock()
	flag.LiftReason = reason
	s.lifted = append(s.lifted, flag)
	sinks := s.sinks
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, redisKeyPrefix+scope).Err(); err != nil {
			s.logger.Warn("redis mirror failed on lift", "scope", scope, "error", err)
		}
	}

	s.logger.Info("kill flag lifted", "scope", scope, "by", liftedBy, "reason", reason)
	for _, sink := range sinks {
		sink(flag, true)
	}
	return flag, nil
}

// Blocked reports whether scope is covered by an active flag, either
// directly or by the global flag.
func (s *Store) Blocked(scope string) (Flag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flag, ok := s.active[GlobalScope]; ok {
		return flag, true
	}
	flag, ok := s.active[scope]
	return flag, ok
}

// Active returns all currently raised flags.
func (s *Store) Active() []Flag {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Flag, 0, len(s.active))
	for _, flag := range s.active {
		out = append(out, flag)
	}
	return out
}

// Sync pulls flags from redis into the local store, overwriting local
// state for scopes present remotely. Used at startup when mirroring.
func (s *Store) Sync(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	keys, err := s.rdb.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return fmt.Errorf("killflag: redis sync: %w", err)
	}
	for _, key := range keys {
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("killflag: redis sync %s: %w", key, err)
		}
		scope := key[len(redisKeyPrefix):]
		setAt, _ := time.Parse(time.RFC3339Nano, fields["set_at"])
		s.mu.Lock()
		s.active[scope] = Flag{
			Scope:  scope,
			SetBy:  fields["set_by"],
			Reason: fields["reason"],
			SetAt:  setAt,
		}
		s.mu.Unlock()
	}
	return nil
}
