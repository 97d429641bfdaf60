// Package classifier maps raw task failures to an ErrorKind and an Action,
// following the fixed pattern-matching rules and exponential-backoff-with-
// jitter policy of the batch execution engine's retry design.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

// Config tunes the classifier's retry policy. Zero values are replaced with
// DefaultConfig's at construction.
type Config struct {
	MaxAttempts   int
	MaxRetryDelay time.Duration
	LogPath       string // newline-delimited JSON error log; "" disables it
}

// DefaultConfig matches the spec's literal defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		MaxRetryDelay: 5 * time.Minute,
	}
}

// baseDelay by ErrorKind, per spec §4.1.
var baseDelay = map[domain.ErrorKind]time.Duration{
	domain.KindTemporary: 5 * time.Second,
	domain.KindTimeout:   10 * time.Second,
	domain.KindNetwork:   15 * time.Second,
	domain.KindRateLimit: 30 * time.Second,
	domain.KindSystem:    60 * time.Second,
}

// ErrorClassifier turns a raw failure into an ErrorKind and an Action,
// keeping an in-memory log of every classified failure plus, optionally, an
// append-only newline-delimited JSON file of the same.
type ErrorClassifier struct {
	cfg Config

	mu   sync.Mutex
	log  []domain.ErrorInfo
	file *os.File
}

// New opens (creating if needed) the error log file at cfg.LogPath, if set,
// and returns a ready classifier.
func New(cfg Config) (*ErrorClassifier, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}

	c := &ErrorClassifier{cfg: cfg}
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("classifier: failed to open error log: %w", err)
		}
		c.file = f
	}
	return c, nil
}

// Close releases the error log file handle, if one is open.
func (c *ErrorClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

// Classify maps a raw error message to an ErrorKind by first-match substring
// rules, case-insensitive.
func Classify(errMsg string) domain.ErrorKind {
	msg := strings.ToLower(errMsg)
	switch {
	case containsAny(msg, "429", "too many requests", "rate limit", "quota"):
		return domain.KindRateLimit
	case containsAny(msg, "timeout", "etimedout", "request/response timeout"):
		return domain.KindTimeout
	case containsAny(msg, "network", "econnrefused", "econnreset", "enotfound", "socket"):
		return domain.KindNetwork
	case containsAny(msg, "404", "not found", "invalid configuration", "parse error", "malformed", "401", "403", "unauthorized", "access denied"):
		return domain.KindPermanent
	case containsAny(msg, "out of memory", "enospc", "enomem", "500", "internal server error"):
		return domain.KindSystem
	default:
		return domain.KindTemporary
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// ShouldRetry is a pure function of (kind, attempt); it never consults
// mutable state. attempt is 1-indexed (the attempt just made).
func (c *ErrorClassifier) ShouldRetry(kind domain.ErrorKind, attempt int) bool {
	switch kind {
	case domain.KindPermanent:
		return false
	case domain.KindRateLimit:
		return attempt < 2
	case domain.KindSystem:
		return attempt < 1
	default:
		return attempt < c.cfg.MaxAttempts
	}
}

// RetryDelay computes the exponential-backoff-with-jitter delay for the next
// attempt: base(kind) * 2^(attempt-1), jittered +/-25%, floored at 1s and
// capped at cfg.MaxRetryDelay.
func (c *ErrorClassifier) RetryDelay(kind domain.ErrorKind, attempt int) time.Duration {
	base, ok := baseDelay[kind]
	if !ok {
		base = baseDelay[domain.KindTemporary]
	}
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(base) * pow2(attempt-1)
	jitterFactor := 0.75 + rand.Float64()*0.5 // uniform in [0.75, 1.25]
	delay := time.Duration(backoff * jitterFactor)

	if delay < time.Second {
		delay = time.Second
	}
	if delay > c.cfg.MaxRetryDelay {
		delay = c.cfg.MaxRetryDelay
	}
	return delay
}

func pow2(n int) float64 {
	result := 1.0
	for range n {
		result *= 2
	}
	return result
}

// HandleError classifies rawErr, decides the Action, and records an
// ErrorInfo both in memory and (if configured) to the newline-delimited
// error log. attempt is the attempt number just made (1-indexed).
func (c *ErrorClassifier) HandleError(ctx context.Context, configName string, rawErr error, attempt int) domain.Action {
	kind := Classify(rawErr.Error())
	if IsPanic(rawErr) {
		kind = domain.KindPermanent
	}
	retryable := !IsPanic(rawErr) && !IsJobCancelled(rawErr) && c.ShouldRetry(kind, attempt)

	var action domain.Action
	switch {
	case IsJobCancelled(rawErr):
		action = domain.Action{Kind: domain.ActionAbort}
	case retryable:
		delay := c.RetryDelay(kind, attempt)
		base := baseDelay[kind]
		if base == 0 {
			base = baseDelay[domain.KindTemporary]
		}
		if delay <= base {
			action = domain.Action{Kind: domain.ActionRetry}
		} else {
			action = domain.Action{Kind: domain.ActionRetryAfterDelay, Delay: delay}
		}
	case kind == domain.KindSystem:
		action = domain.Action{Kind: domain.ActionReduceConcurrency}
	default:
		action = domain.Action{Kind: domain.ActionSkip}
	}

	info := domain.ErrorInfo{
		ConfigName: configName,
		Message:    rawErr.Error(),
		Kind:       kind,
		Action:     action.Kind,
		Attempt:    attempt,
		Timestamp:  time.Now().UTC(),
		RetryDelay: action.Delay,
	}
	c.record(ctx, info)

	return action
}

func (c *ErrorClassifier) record(ctx context.Context, info domain.ErrorInfo) {
	c.mu.Lock()
	c.log = append(c.log, info)
	f := c.file
	c.mu.Unlock()

	slog.WarnContext(ctx, "task failed",
		"config_name", info.ConfigName,
		"kind", info.Kind,
		"action", info.Action,
		"attempt", info.Attempt,
		"retry_delay", info.RetryDelay,
		"error", info.Message)

	if f == nil {
		return
	}
	line, err := json.Marshal(info)
	if err != nil {
		slog.ErrorContext(ctx, "classifier: failed to marshal error log entry", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.ErrorContext(ctx, "classifier: failed to append error log", "error", err)
	}
}

// Summary is the classifier's reporting surface: counts by kind/action and
// the sub-lists of retryable and permanent failures.
type Summary struct {
	Total           int
	ByKind          map[domain.ErrorKind]int
	ByAction        map[domain.ActionKind]int
	Retryable       []domain.ErrorInfo
	Permanent       []domain.ErrorInfo
}

// Summarize builds a Summary over every ErrorInfo recorded so far.
func (c *ErrorClassifier) Summarize() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Total:    len(c.log),
		ByKind:   make(map[domain.ErrorKind]int),
		ByAction: make(map[domain.ActionKind]int),
	}
	for _, info := range c.log {
		s.ByKind[info.Kind]++
		s.ByAction[info.Action]++
		if info.Kind == domain.KindPermanent {
			s.Permanent = append(s.Permanent, info)
		} else if info.Action == domain.ActionRetry || info.Action == domain.ActionRetryAfterDelay {
			s.Retryable = append(s.Retryable, info)
		}
	}
	return s
}

// Report renders the summary as a short human-readable text block, the way
// a CLI `stats` command would print it.
func (s Summary) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "errors: %d total\n", s.Total)
	for kind, count := range s.ByKind {
		fmt.Fprintf(&b, "  %s: %d\n", kind, count)
	}
	fmt.Fprintf(&b, "retryable: %d, permanent: %d\n", len(s.Retryable), len(s.Permanent))
	return b.String()
}
