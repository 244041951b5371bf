package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"Lumen/internal/core/chain"
	"Lumen/internal/core/request"
)

// circuitState represents the state of a circuit breaker
type circuitState int

const (
	stateClosed   circuitState = iota // Normal operation
	stateOpen                         // Circuit is open (host failing)
	stateHalfOpen                     // Testing if host recovered
)

const circuitBreakerDepthFrom = "circuitBreaker"

// CircuitBreaker is a fetch-chain interceptor that stops hitting hosts that
// keep failing. While a host's circuit is open, requests for it are limited
// to local depth: downloads already cached are still served, anything else
// fails with ErrCircuitOpen without touching the network.
type CircuitBreaker struct {
	failures         map[string]int
	lastFailure      map[string]time.Time
	state            map[string]circuitState
	lastStateLog     map[string]time.Time
	failureThreshold int
	openDuration     time.Duration
	logger           *slog.Logger
	now              func() time.Time
	onTransition     func(state string)
	mu               sync.RWMutex
}

// NewCircuitBreaker creates a circuit breaker. Zero values pick the defaults
// of 3 consecutive failures and a 5 minute open period.
func NewCircuitBreaker(failureThreshold int, openDuration time.Duration, logger *slog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3 // Open after 3 consecutive failures
	}
	if openDuration <= 0 {
		openDuration = 5 * time.Minute // Keep open for 5 minutes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		logger:           logger,
		now:              time.Now,
		failures:         make(map[string]int),
		lastFailure:      make(map[string]time.Time),
		state:            make(map[string]circuitState),
		lastStateLog:     make(map[string]time.Time),
	}
}

var _ chain.Interceptor[*request.Context, *Result] = (*CircuitBreaker)(nil)

// OnTransition registers fn to be called with "open", "half_open" or
// "closed" whenever a host changes state. fn runs under the breaker lock.
func (cb *CircuitBreaker) OnTransition(fn func(state string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = fn
}

// transitioned must be called with the lock held.
func (cb *CircuitBreaker) transitioned(state circuitState) {
	if cb.onTransition == nil {
		return
	}
	switch state {
	case stateOpen:
		cb.onTransition("open")
	case stateHalfOpen:
		cb.onTransition("half_open")
	default:
		cb.onTransition("closed")
	}
}

// Intercept implements chain.Interceptor.
func (cb *CircuitBreaker) Intercept(ctx context.Context, rc *request.Context, proceed chain.Proceed[*request.Context, *Result]) (*Result, error) {
	host := breakerKey(rc.Request.URI())
	if host == "" || rc.Request.Depth() != request.DepthNetwork {
		return proceed(ctx, rc)
	}

	if openErr := cb.canAttempt(host); openErr != nil {
		local, err := rc.WithRequest(rc.Request.NewBuilder().
			Depth(request.DepthLocal, circuitBreakerDepthFrom).
			Build())
		if err != nil {
			return nil, err
		}
		res, err := proceed(ctx, local)
		if errors.Is(err, request.ErrDepthExceeded) {
			return nil, openErr
		}
		return res, err
	}

	res, err := proceed(ctx, rc)
	switch {
	case err == nil:
		if res.DataFrom == request.FromNetwork {
			cb.recordSuccess(host)
		}
	case countsAsHostFailure(ctx, err):
		cb.recordFailure(host, err)
	}
	return res, err
}

// countsAsHostFailure excludes outcomes that say nothing about host health.
func countsAsHostFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, request.ErrDepthExceeded) {
		return false
	}
	return errors.Is(err, ErrFetchFailed)
}

// breakerKey names the origin a URI counts against: the host for http(s)
// and the repository DID for atblob URIs, whose PDS is only known after
// resolution.
func breakerKey(uri string) string {
	if strings.HasPrefix(uri, BlobScheme) {
		did, _, err := ParseBlobURI(uri)
		if err != nil {
			return ""
		}
		return did.String()
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}

// canAttempt checks if we should attempt to call this host.
// Returns nil if circuit is closed or half-open (ready to retry)
func (cb *CircuitBreaker) canAttempt(host string) error {
	// First check under read lock if we need to transition
	cb.mu.RLock()
	state := cb.getState(host)
	lastFail := cb.lastFailure[host]
	needsTransition := state == stateOpen && cb.now().Sub(lastFail) > cb.openDuration
	cb.mu.RUnlock()

	// If we need to transition, acquire write lock and re-check
	if needsTransition {
		cb.mu.Lock()
		// Re-check state in case another goroutine already transitioned
		state = cb.getState(host)
		lastFail = cb.lastFailure[host]
		if state == stateOpen && cb.now().Sub(lastFail) > cb.openDuration {
			cb.state[host] = stateHalfOpen
			cb.transitioned(stateHalfOpen)
			cb.logStateChange(host, stateHalfOpen)
		}
		state = cb.state[host]
		cb.mu.Unlock()
		if state == stateHalfOpen {
			return nil
		}
	}

	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.getState(host) != stateOpen {
		return nil
	}
	// Still in open period
	nextRetry := cb.lastFailure[host].Add(cb.openDuration)
	return fmt.Errorf(
		"%w for host '%s' (failures: %d, next retry: %s)",
		ErrCircuitOpen,
		host,
		cb.failures[host],
		nextRetry.Format("15:04:05"),
	)
}

// recordSuccess records a successful fetch, resetting failure count
func (cb *CircuitBreaker) recordSuccess(host string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.getState(host)

	delete(cb.failures, host)
	delete(cb.lastFailure, host)
	cb.state[host] = stateClosed

	if oldState != stateClosed {
		cb.transitioned(stateClosed)
		cb.logStateChange(host, stateClosed)
	}
}

// recordFailure records a failed fetch attempt
func (cb *CircuitBreaker) recordFailure(host string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures[host]++
	cb.lastFailure[host] = cb.now()

	failCount := cb.failures[host]

	// A failed trial request while half-open reopens immediately
	if failCount >= cb.failureThreshold || cb.getState(host) == stateHalfOpen {
		oldState := cb.getState(host)
		cb.state[host] = stateOpen
		if oldState != stateOpen {
			cb.transitioned(stateOpen)
			cb.logger.Warn("[FETCH] opening circuit for host",
				"host", host,
				"consecutive_failures", failCount,
				"error", err,
			)
			cb.lastStateLog[host] = cb.now()
		}
		return
	}
	cb.logger.Debug("[FETCH] host failure recorded",
		"host", host,
		"failures", failCount,
		"threshold", cb.failureThreshold,
		"error", err,
	)
}

// getState returns the current state (must be called with lock held)
func (cb *CircuitBreaker) getState(host string) circuitState {
	if state, exists := cb.state[host]; exists {
		return state
	}
	return stateClosed
}

// logStateChange logs state transitions (must be called with lock held)
// Debounced to max once per minute per host
func (cb *CircuitBreaker) logStateChange(host string, newState circuitState) {
	lastLog, exists := cb.lastStateLog[host]
	if exists && cb.now().Sub(lastLog) < time.Minute {
		return
	}

	var stateStr string
	switch newState {
	case stateClosed:
		stateStr = "CLOSED (recovered)"
	case stateOpen:
		stateStr = "OPEN (failing)"
	case stateHalfOpen:
		stateStr = "HALF-OPEN (testing)"
	}

	cb.logger.Info("[FETCH] circuit state changed", "host", host, "state", stateStr)
	cb.lastStateLog[host] = cb.now()
}
