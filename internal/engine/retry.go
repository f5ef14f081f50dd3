package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/chainflow-ai/chainflow/internal/flow"
)

// ErrorClass is the retry classification of an error.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "transient"
	ErrorPermanent ErrorClass = "permanent"
)

// Substring patterns shared by the built-in policies. Matching is done on
// the lowercased error text; an unclassified error counts as permanent.
var (
	defaultTransientPatterns = []string{
		"network error",
		"fetch failed",
		"socket hang up",
		"econnreset",
		"econnrefused",
		"etimedout",
		"eai_again",
		"enotfound",
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"timed out",
		"deadline exceeded",
		"temporary failure",
		"no such host",
		"dns",
		"500",
		"502",
		"503",
		"504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"429",
		"too many requests",
		"rate limit",
		"model overloaded",
		"overloaded",
		"iam token",
	}

	defaultPermanentPatterns = []string{
		"400",
		"bad request",
		"401",
		"unauthorized",
		"403",
		"forbidden",
		"404",
		"not found",
		"405",
		"method not allowed",
		"invalid api key",
		"incorrect api key",
		"invalid_api_key",
		"model not found",
		"validation",
		"invalid request",
	}
)

// RetryPolicy bounds retries of one task's network effects. Backoff for
// attempt n (0-indexed) is min(MaxDelay, 2^n * BaseDelay) with a uniform
// ±JitterPct applied to the capped delay, clamped at zero.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxElapsed        time.Duration // wall-clock cap across all attempts; 0 disables
	JitterPct         float64
	TransientPatterns []string
	PermanentPatterns []string
}

// LLMRetryPolicy is the envelope for chat-completion calls: patient with
// flaky providers, hard-capped on total wall time.
func LLMRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       20,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		MaxElapsed:        5 * time.Minute,
		JitterPct:         0.1,
		TransientPatterns: defaultTransientPatterns,
		PermanentPatterns: defaultPermanentPatterns,
	}
}

// SenderRetryPolicy is the envelope for report delivery over HTTP.
func SenderRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		JitterPct:         0.1,
		TransientPatterns: defaultTransientPatterns,
		PermanentPatterns: defaultPermanentPatterns,
	}
}

// Classify buckets an error by substring membership on its lowercased
// text. The permanent list wins over the transient list; an error matching
// neither counts as permanent.
func (p RetryPolicy) Classify(err error) ErrorClass {
	if err == nil {
		return ErrorPermanent
	}
	msg := strings.ToLower(err.Error())

	permanent := p.PermanentPatterns
	if permanent == nil {
		permanent = defaultPermanentPatterns
	}
	for _, pattern := range permanent {
		if strings.Contains(msg, pattern) {
			return ErrorPermanent
		}
	}

	transient := p.TransientPatterns
	if transient == nil {
		transient = defaultTransientPatterns
	}
	for _, pattern := range transient {
		if strings.Contains(msg, pattern) {
			return ErrorTransient
		}
	}
	return ErrorPermanent
}

// Backoff returns the delay before retrying after attempt n (0-indexed).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	capped := math.Min(base, float64(p.MaxDelay))

	if p.JitterPct > 0 {
		capped += (rand.Float64()*2 - 1) * p.JitterPct * capped
	}
	if capped < 0 {
		capped = 0
	}
	return time.Duration(capped)
}

// Retry runs fn until it succeeds, the error classifies permanent, attempts
// run out, the wall clock cap is hit, or the context is cancelled. On
// give-up it returns a *TaskError naming the node and the attempt count.
func Retry(ctx context.Context, policy RetryPolicy, node *flow.Node, fn func(context.Context) error) error {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return taskError(node, attempt, ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if policy.Classify(err) == ErrorPermanent {
			return taskError(node, attempt+1, err)
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.Backoff(attempt)
		if policy.MaxElapsed > 0 && time.Since(start)+delay > policy.MaxElapsed {
			return taskError(node, attempt+1, fmt.Errorf("retry window exhausted: %w", err))
		}

		select {
		case <-ctx.Done():
			return taskError(node, attempt+1, ctx.Err())
		case <-time.After(delay):
		}
	}

	return taskError(node, policy.MaxAttempts, lastErr)
}

// TaskError reports a task that gave up retrying, naming the node and how
// many attempts were made.
type TaskError struct {
	NodeID   string
	NodeKind string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("node %s (%s) failed after %d attempts: %v", e.NodeID, e.NodeKind, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func taskError(node *flow.Node, attempts int, err error) *TaskError {
	return &TaskError{
		NodeID:   node.ID,
		NodeKind: node.Kind,
		Attempts: attempts,
		Err:      err,
	}
}
