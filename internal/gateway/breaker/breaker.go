// Package breaker gates traffic to upstream channels that keep failing.
package breaker

import (
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FailureType classifies an upstream failure.
type FailureType int32

const (
	FailureNone FailureType = iota
	FailureServer
	FailureTimeout
	FailureConnection
	FailureModelNotFound
	FailureRateLimited
	FailureAuth
	FailurePayment
)

func (f FailureType) String() string {
	switch f {
	case FailureServer:
		return "server_error"
	case FailureTimeout:
		return "timeout"
	case FailureConnection:
		return "connection"
	case FailureModelNotFound:
		return "model_not_found"
	case FailureRateLimited:
		return "rate_limited"
	case FailureAuth:
		return "auth_failed"
	case FailurePayment:
		return "payment_required"
	default:
		return "none"
	}
}

// Scope says what a rate limit applies to.
type Scope int32

const (
	// ScopeUnknown is handled like ScopeAccount.
	ScopeUnknown Scope = iota
	ScopeAccount
	ScopeModel
)

// Failure describes one failed upstream call.
type Failure struct {
	Type       FailureType
	RetryAfter time.Duration
	Scope      Scope
}

// ScopeFromMessage guesses the scope of a rate limit from the upstream
// error text.
func ScopeFromMessage(msg string) Scope {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "account"), strings.Contains(m, "api key"),
		strings.Contains(m, "apikey"), strings.Contains(m, "organization"):
		return ScopeAccount
	case strings.Contains(m, "model"), strings.Contains(m, "per minute"):
		return ScopeModel
	}
	return ScopeUnknown
}

// defaultRetryAfter applies to rate limits that carry no Retry-After hint.
const defaultRetryAfter = 60 * time.Second

// ClassifyStatus maps an upstream HTTP status and Retry-After header value
// to a failure.
func ClassifyStatus(status int, retryAfter string) Failure {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Failure{Type: FailureAuth}
	case status == http.StatusPaymentRequired:
		return Failure{Type: FailurePayment}
	case status == http.StatusTooManyRequests:
		f := Failure{Type: FailureRateLimited}
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			f.RetryAfter = time.Duration(secs) * time.Second
		}
		return f
	case status == http.StatusNotFound:
		return Failure{Type: FailureModelNotFound}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Failure{Type: FailureTimeout}
	default:
		return Failure{Type: FailureServer}
	}
}

type upstreamState struct {
	failures       atomic.Int64
	lastFailure    atomic.Int64 // unix nanos, 0 when clear
	rateLimitUntil atomic.Int64 // unix nanos, 0 when clear
	lastType       atomic.Int32
}

// modelState blocks one model on one upstream without touching the
// upstream's own circuit.
type modelState struct {
	blockedUntil atomic.Int64 // unix nanos, 0 when clear
	lastType     atomic.Int32
}

// Breaker tracks failures per upstream id. State is derived from the
// failure count and the time of the last failure:
//
//	closed     failures < threshold
//	open       failures >= threshold and cooldown not yet elapsed
//	half-open  failures >= threshold and cooldown elapsed
//
// Half-open admits every caller rather than a single trial request; a
// failed one refreshes the last failure time and reopens the circuit.
type Breaker struct {
	states    sync.Map // string -> *upstreamState
	models    sync.Map // "id/model" -> *modelState
	threshold int64
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker that trips after threshold failures and lets traffic
// through again after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{threshold: int64(threshold), cooldown: cooldown, now: time.Now}
}

func (b *Breaker) state(id string) *upstreamState {
	if s, ok := b.states.Load(id); ok {
		return s.(*upstreamState)
	}
	s, _ := b.states.LoadOrStore(id, &upstreamState{})
	return s.(*upstreamState)
}

// AllowRequest reports whether a request may be sent to upstream id.
func (b *Breaker) AllowRequest(id string) bool {
	v, ok := b.states.Load(id)
	if !ok {
		return true
	}
	s := v.(*upstreamState)
	now := b.now().UnixNano()

	if until := s.rateLimitUntil.Load(); until != 0 && until > now {
		return false
	}
	if s.failures.Load() < b.threshold {
		return true
	}
	last := s.lastFailure.Load()
	return last != 0 && time.Duration(now-last) >= b.cooldown
}

// RecordSuccess closes the circuit for id.
func (b *Breaker) RecordSuccess(id string) {
	v, ok := b.states.Load(id)
	if !ok {
		return
	}
	s := v.(*upstreamState)
	s.failures.Store(0)
	s.lastFailure.Store(0)
	s.rateLimitUntil.Store(0)
	s.lastType.Store(int32(FailureNone))
}

// RecordFailure counts a generic failure against id.
func (b *Breaker) RecordFailure(id string) {
	b.RecordFailureType(id, Failure{Type: FailureServer})
}

// RecordFailureType counts a classified failure. Auth and payment failures
// trip the circuit at once; rate limits also block the upstream until the
// retry-after window passes.
func (b *Breaker) RecordFailureType(id string, f Failure) {
	s := b.state(id)
	now := b.now()
	s.lastType.Store(int32(f.Type))
	s.lastFailure.Store(now.UnixNano())

	switch f.Type {
	case FailureAuth, FailurePayment:
		s.failures.Store(b.threshold)
		log.Printf("circuit breaker: upstream %s tripped immediately (%s)", id, f.Type)
		return
	case FailureRateLimited:
		wait := f.RetryAfter
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		s.rateLimitUntil.Store(now.Add(wait).UnixNano())
	}

	if n := s.failures.Add(1); n == b.threshold {
		log.Printf("circuit breaker: upstream %s tripped (failures: %d, last: %s)", id, n, f.Type)
	}
}

// LastFailure returns the type of the most recent failure recorded for id.
func (b *Breaker) LastFailure(id string) FailureType {
	v, ok := b.states.Load(id)
	if !ok {
		return FailureNone
	}
	return FailureType(v.(*upstreamState).lastType.Load())
}

// Failures returns the current failure count for id.
func (b *Breaker) Failures(id string) int64 {
	v, ok := b.states.Load(id)
	if !ok {
		return 0
	}
	return v.(*upstreamState).failures.Load()
}

// Status returns a human readable state per tracked upstream.
func (b *Breaker) Status() map[string]string {
	out := make(map[string]string)
	now := b.now()
	b.states.Range(func(k, v interface{}) bool {
		s := v.(*upstreamState)
		out[k.(string)] = b.describe(s, now)
		return true
	})
	return out
}

// StatusIDs returns the tracked upstream ids in sorted order.
func (b *Breaker) StatusIDs() []string {
	var ids []string
	b.states.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (b *Breaker) describe(s *upstreamState, now time.Time) string {
	if until := s.rateLimitUntil.Load(); until != 0 && until > now.UnixNano() {
		return fmt.Sprintf("Rate Limited (%ds left)", int(time.Duration(until-now.UnixNano()).Seconds()))
	}
	if s.failures.Load() < b.threshold {
		return "Closed (Healthy)"
	}
	last := s.lastFailure.Load()
	if last == 0 {
		return "Open"
	}
	elapsed := time.Duration(now.UnixNano() - last)
	if elapsed < b.cooldown {
		return fmt.Sprintf("Open (Tripped, %ds left)", int((b.cooldown - elapsed).Seconds()))
	}
	return "Half-Open (Probing)"
}

func modelKey(id, model string) string {
	return id + "/" + model
}

// AllowModel reports whether model may be requested from upstream id. The
// upstream circuit is checked first, then the block on the model itself.
func (b *Breaker) AllowModel(id, model string) bool {
	if !b.AllowRequest(id) {
		return false
	}
	v, ok := b.models.Load(modelKey(id, model))
	if !ok {
		return true
	}
	until := v.(*modelState).blockedUntil.Load()
	return until == 0 || until <= b.now().UnixNano()
}

// RecordModelSuccess closes the circuit for id and clears any block on
// model.
func (b *Breaker) RecordModelSuccess(id, model string) {
	b.RecordSuccess(id)
	if v, ok := b.models.Load(modelKey(id, model)); ok {
		m := v.(*modelState)
		m.blockedUntil.Store(0)
		m.lastType.Store(int32(FailureNone))
	}
}

// RecordModelFailure records a failure of model on upstream id. A missing
// model blocks only that model for the cooldown, and a rate limit scoped to
// the model blocks only that model until the retry-after window passes.
// Everything else counts against the upstream as RecordFailureType does.
func (b *Breaker) RecordModelFailure(id, model string, f Failure) {
	var wait time.Duration
	switch {
	case model == "":
		b.RecordFailureType(id, f)
		return
	case f.Type == FailureModelNotFound:
		wait = b.cooldown
	case f.Type == FailureRateLimited && f.Scope == ScopeModel:
		wait = f.RetryAfter
		if wait <= 0 {
			wait = defaultRetryAfter
		}
	default:
		b.RecordFailureType(id, f)
		return
	}

	key := modelKey(id, model)
	v, ok := b.models.Load(key)
	if !ok {
		v, _ = b.models.LoadOrStore(key, &modelState{})
	}
	m := v.(*modelState)
	m.lastType.Store(int32(f.Type))
	m.blockedUntil.Store(b.now().Add(wait).UnixNano())
	log.Printf("circuit breaker: model %s on upstream %s blocked for %s (%s)", model, id, wait, f.Type)
}

// ModelStatus returns a human readable state per tracked upstream and
// model pair, keyed "id/model".
func (b *Breaker) ModelStatus() map[string]string {
	out := make(map[string]string)
	now := b.now().UnixNano()
	b.models.Range(func(k, v interface{}) bool {
		m := v.(*modelState)
		until := m.blockedUntil.Load()
		if until == 0 || until <= now {
			out[k.(string)] = "Available"
			return true
		}
		left := int(time.Duration(until - now).Seconds())
		if FailureType(m.lastType.Load()) == FailureModelNotFound {
			out[k.(string)] = fmt.Sprintf("Model Not Found (%ds left)", left)
		} else {
			out[k.(string)] = fmt.Sprintf("Rate Limited (%ds left)", left)
		}
		return true
	})
	return out
}
