package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"licensesvc/internal/clock"
)

// SecurityManager locks out clients that keep presenting unknown keys.
type SecurityManager struct {
	mutex        sync.Mutex
	attemptCount map[string]int
	lastAttempt  map[string]time.Time
	blocked      map[string]time.Time

	maxAttempts     int
	blockDuration   time.Duration
	windowDuration  time.Duration
	cleanupInterval time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics *LicenseMetrics

	stopOnce sync.Once
	stopChan chan struct{}
}

// SecurityConfig configures a SecurityManager.
type SecurityConfig struct {
	MaxAttempts    int
	BlockDuration  time.Duration
	WindowDuration time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *LicenseMetrics
}

// NewSecurityManager creates a manager and starts its cleanup loop. Call Stop
// to release it.
func NewSecurityManager(cfg SecurityConfig) *SecurityManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 15 * time.Minute
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &SecurityManager{
		attemptCount:    make(map[string]int),
		lastAttempt:     make(map[string]time.Time),
		blocked:         make(map[string]time.Time),
		maxAttempts:     cfg.MaxAttempts,
		blockDuration:   cfg.BlockDuration,
		windowDuration:  cfg.WindowDuration,
		cleanupInterval: cfg.WindowDuration,
		clock:           cfg.Clock,
		logger:          cfg.Logger.With(slog.String("component", "license_security")),
		metrics:         cfg.Metrics,
		stopChan:        make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// IsBlocked reports whether identifier is locked out, and for how long.
func (s *SecurityManager) IsBlocked(identifier string) (bool, time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	since, ok := s.blocked[identifier]
	if !ok {
		return false, 0
	}
	elapsed := s.clock.Now().Sub(since)
	if elapsed >= s.blockDuration {
		delete(s.blocked, identifier)
		return false, 0
	}
	return true, s.blockDuration - elapsed
}

// RecordSuccess clears the failure count of identifier. Only a valid verdict
// counts as a success.
func (s *SecurityManager) RecordSuccess(identifier string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.attemptCount, identifier)
	delete(s.lastAttempt, identifier)
}

// RecordFailure counts a guessed (unknown) key against identifier. It
// returns false once the client has been blocked.
func (s *SecurityManager) RecordFailure(ctx context.Context, identifier string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.Now()

	if last, ok := s.lastAttempt[identifier]; ok && now.Sub(last) <= s.windowDuration {
		s.attemptCount[identifier]++
	} else {
		s.attemptCount[identifier] = 1
	}
	s.lastAttempt[identifier] = now

	if s.attemptCount[identifier] < s.maxAttempts {
		return true
	}

	s.blocked[identifier] = now
	delete(s.attemptCount, identifier)
	delete(s.lastAttempt, identifier)
	s.metrics.recordSecurityBlock(ctx)
	s.logger.WarnContext(ctx, "client blocked after repeated unknown license keys",
		slog.String("action", "security_violation"),
		slog.String("client", identifier),
		slog.Int("max_attempts", s.maxAttempts),
		slog.Duration("block_duration", s.blockDuration),
	)
	return false
}

// SecurityStats is a snapshot of the lockout table.
type SecurityStats struct {
	ActiveAttempts int    `json:"active_attempts"`
	BlockedClients int    `json:"blocked_clients"`
	MaxAttempts    int    `json:"max_attempts"`
	BlockDuration  string `json:"block_duration"`
	WindowDuration string `json:"window_duration"`
}

func (s *SecurityManager) Stats() SecurityStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return SecurityStats{
		ActiveAttempts: len(s.attemptCount),
		BlockedClients: len(s.blocked),
		MaxAttempts:    s.maxAttempts,
		BlockDuration:  s.blockDuration.String(),
		WindowDuration: s.windowDuration.String(),
	}
}

// Stop ends the cleanup loop.
func (s *SecurityManager) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *SecurityManager) cleanup() {
	for {
		select {
		case <-s.clock.After(s.cleanupInterval):
			s.prune()
		case <-s.stopChan:
			return
		}
	}
}

func (s *SecurityManager) prune() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.Now()
	for id, last := range s.lastAttempt {
		if now.Sub(last) > s.windowDuration {
			delete(s.attemptCount, id)
			delete(s.lastAttempt, id)
		}
	}
	for id, since := range s.blocked {
		if now.Sub(since) >= s.blockDuration {
			delete(s.blocked, id)
		}
	}
}
