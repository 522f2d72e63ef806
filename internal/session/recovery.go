package session

import (
	"strings"
	"time"
)

// Class partitions playback faults by the recovery they warrant.
type Class int

const (
	ClassNone Class = iota
	// ClassNetwork covers transient connectivity faults between node
	// and source: timeouts, resets, unreachable hosts.
	ClassNetwork
	// ClassRateLimit covers source throttling and blocking (403/429).
	ClassRateLimit
	// ClassUnplayable covers tracks the source refuses permanently:
	// region locks, takedowns, unsupported formats.
	ClassUnplayable
	// ClassDecode covers mid-track decode faults and stalled playback.
	ClassDecode
	// ClassStuck covers node-reported playback stalls.
	ClassStuck
	// ClassFatal covers faults no retry can fix: bad credentials,
	// protocol violations.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassRateLimit:
		return "rate_limit"
	case ClassUnplayable:
		return "unplayable"
	case ClassDecode:
		return "decode"
	case ClassStuck:
		return "stuck"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}

var rateLimitMarkers = []string{
	"429",
	"403",
	"rate limit",
	"too many requests",
	"cloudflare",
}

// Region locks read like blocking but never clear on retry; they skip.
var unplayableMarkers = []string{
	"blocked it in your country",
	"not available",
	"unavailable",
	"video is private",
	"unplayable",
	"age-restricted",
	"copyright",
	"unsupported",
	"no matching format",
}

var networkMarkers = []string{
	"timed out",
	"timeout",
	"connection reset",
	"connection refused",
	"unreachable",
	"temporary failure",
	"eof",
	"i/o error",
	"502",
	"503",
}

var fatalMarkers = []string{
	"unauthorized",
	"401",
	"invalid password",
	"authentication",
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Classify maps a node fault report onto a recovery class. Matching is
// substring-based over cause and message; severity breaks ties.
func Classify(cause string, severity string, message string) Class {
	text := strings.ToLower(cause + " " + message)
	switch {
	case containsAny(text, fatalMarkers):
		return ClassFatal
	case containsAny(text, rateLimitMarkers):
		return ClassRateLimit
	case containsAny(text, unplayableMarkers):
		return ClassUnplayable
	case containsAny(text, networkMarkers):
		return ClassNetwork
	case strings.Contains(text, "decod") || strings.Contains(text, "position is beyond"):
		return ClassDecode
	}
	if strings.EqualFold(severity, "fault") {
		return ClassFatal
	}
	return ClassNetwork
}

// Action is what the policy decided to do with a failed track.
type Action int

const (
	ActionIgnore Action = iota
	// ActionRetry replays the track from the start after a cooldown.
	ActionRetry
	// ActionReposition replays from the last known position, bumped
	// slightly forward to step over a bad frame.
	ActionReposition
	// ActionRotate moves the session to a replacement node.
	ActionRotate
	// ActionSkip abandons the track and advances.
	ActionSkip
	// ActionFatal tears the session down.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionReposition:
		return "reposition"
	case ActionRotate:
		return "rotate"
	case ActionSkip:
		return "skip"
	case ActionFatal:
		return "fatal"
	default:
		return "ignore"
	}
}

// Decision is a policy outcome: the action plus how long to wait
// before acting and whether to resume from the saved position.
type Decision struct {
	Action   Action
	Cooldown time.Duration
	Resume   bool
}

// Policy holds the recovery tuning knobs.
type Policy struct {
	// RateLimitAttempts is the local retry budget before rotating.
	RateLimitAttempts int
	// NetworkAttempts is the per-node transient budget before rotating.
	NetworkAttempts int
	// GeneralBudget caps total faults inside QuietPeriod before the
	// session gives up on the current node.
	GeneralBudget int
	// QuietPeriod without faults resets every counter.
	QuietPeriod time.Duration
	// RateLimitCooldown is the pause before a throttled replay.
	RateLimitCooldown time.Duration
	// RetryCooldown is the pause before other replays.
	RetryCooldown time.Duration
	// PositionBumpMS is added to the saved position on reposition.
	PositionBumpMS int64
}

// DefaultPolicy returns the production recovery tuning.
func DefaultPolicy() Policy {
	return Policy{
		RateLimitAttempts: 3,
		NetworkAttempts:   3,
		GeneralBudget:     6,
		QuietPeriod:       180 * time.Second,
		RateLimitCooldown: 10 * time.Second,
		RetryCooldown:     4 * time.Second,
		PositionBumpMS:    430,
	}
}

// Decide maps a class and attempt ordinal (1-based) onto a decision.
// Throttling prefers local waits before rotation; decode faults prefer
// one reposition before skipping; permanent refusals skip immediately.
func (p Policy) Decide(class Class, attempt int) Decision {
	switch class {
	case ClassRateLimit:
		if attempt <= p.RateLimitAttempts {
			return Decision{Action: ActionRetry, Cooldown: p.RateLimitCooldown, Resume: true}
		}
		return Decision{Action: ActionRotate, Resume: true}
	case ClassNetwork:
		if attempt <= p.NetworkAttempts {
			return Decision{Action: ActionReposition, Cooldown: p.RetryCooldown, Resume: true}
		}
		return Decision{Action: ActionRotate, Resume: true}
	case ClassDecode:
		if attempt <= 1 {
			return Decision{Action: ActionReposition, Cooldown: p.RetryCooldown, Resume: true}
		}
		return Decision{Action: ActionSkip}
	case ClassStuck:
		if attempt <= 1 {
			return Decision{Action: ActionReposition, Resume: true}
		}
		return Decision{Action: ActionSkip}
	case ClassUnplayable:
		return Decision{Action: ActionSkip}
	case ClassFatal:
		return Decision{Action: ActionFatal}
	default:
		return Decision{Action: ActionIgnore}
	}
}

type retryCounter struct {
	attempts int
	last     time.Time
	node     string
}

// RetryState tracks per-class attempt counters plus the rolling
// general budget. The counter set is fixed at construction; faults
// never allocate new state shapes.
type RetryState struct {
	counters map[Class]*retryCounter
	general  retryCounter
	quiet    time.Duration
}

// NewRetryState builds counters for every class up front.
func NewRetryState(quiet time.Duration) *RetryState {
	counters := make(map[Class]*retryCounter)
	for _, c := range []Class{ClassNetwork, ClassRateLimit, ClassUnplayable, ClassDecode, ClassStuck, ClassFatal} {
		counters[c] = &retryCounter{}
	}
	return &RetryState{counters: counters, quiet: quiet}
}

// Next records a fault and returns the 1-based attempt ordinal for the
// class. Counters reset when the node changes or after a quiet period.
func (r *RetryState) Next(class Class, node string, now time.Time) int {
	c, ok := r.counters[class]
	if !ok {
		return 1
	}
	if c.node != node || (!c.last.IsZero() && now.Sub(c.last) > r.quiet) {
		c.attempts = 0
	}
	c.node = node
	c.last = now
	c.attempts++

	if r.general.node != node || (!r.general.last.IsZero() && now.Sub(r.general.last) > r.quiet) {
		r.general.attempts = 0
	}
	r.general.node = node
	r.general.last = now
	r.general.attempts++

	return c.attempts
}

// General reports the rolling fault total for the current node.
func (r *RetryState) General() int {
	return r.general.attempts
}

// Reset clears every counter, typically after a successful start or a
// node migration.
func (r *RetryState) Reset() {
	for _, c := range r.counters {
		c.attempts = 0
		c.last = time.Time{}
		c.node = ""
	}
	r.general = retryCounter{}
}

// Backoff produces an exponentially growing delay with jitterless
// doubling, capped at base*2^maxExp. A call after the reset window
// (base*2^(maxExp+1)) since the previous one starts over.
type Backoff struct {
	base   time.Duration
	maxExp int
	exp    int
	last   time.Time
}

// NewBackoff builds a backoff starting at base, capping at base*2^10.
func NewBackoff(base time.Duration) *Backoff {
	return &Backoff{base: base, maxExp: 10}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next(now time.Time) time.Duration {
	resetWindow := b.base * time.Duration(1<<uint(b.maxExp+1))
	if !b.last.IsZero() && now.Sub(b.last) > resetWindow {
		b.exp = 0
	}
	b.last = now
	d := b.base * time.Duration(1<<uint(b.exp))
	if b.exp < b.maxExp {
		b.exp++
	}
	return d
}
