package server

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// New-connection rate limiting, per IP. These bound connection churn, not
// steady-state load; the registry-backed limiter handles per-actor abuse.
const (
	connectionRatePerSecond = 10.0
	connectionRateBurst     = 10
)

// globalLimiter caps total concurrent channels per instance with lock-free
// counting.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// release frees one slot, flooring at zero so an unpaired release cannot
// raise the effective capacity.
func (l *globalLimiter) release() {
	for {
		current := l.current.Load()
		if current == 0 {
			return
		}
		if l.current.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ipLimiter caps concurrent channels per client IP.
type ipLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

// churnLimiter bounds the rate of new connections per IP with a token
// bucket per source. Buckets idle for ten minutes are dropped.
type churnLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*churnEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type churnEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *churnLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := time.Now(); now.After(l.cleanupAt) {
		cutoff := now.Add(-10 * time.Minute)
		for ip, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
		l.cleanupAt = now.Add(5 * time.Minute)
	}

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &churnEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits combines the per-instance, per-IP and churn limiters
// every channel open must pass before the websocket upgrade.
type ConnectionLimits struct {
	global *globalLimiter
	perIP  *ipLimiter
	churn  *churnLimiter
}

func NewConnectionLimits(globalMax int64, perIPMax int, perSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		global: &globalLimiter{max: globalMax},
		perIP:  &ipLimiter{ips: make(map[string]int), maxPer: perIPMax},
		churn: &churnLimiter{
			limiters:  make(map[string]*churnEntry),
			rate:      rate.Limit(perSecond),
			burst:     burst,
			cleanupAt: time.Now().Add(5 * time.Minute),
		},
	}
}

// Acquire claims a slot across all three limits. On rejection it reports
// which limit fired and leaves no slot held.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.churn.allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

// Release frees the slots claimed by Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

// Current returns the number of held channel slots on this instance.
func (l *ConnectionLimits) Current() int64 {
	return l.global.current.Load()
}

// Max returns the per-instance channel cap.
func (l *ConnectionLimits) Max() int64 {
	return l.global.max
}
