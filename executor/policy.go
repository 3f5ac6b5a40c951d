package executor

import (
	"math/rand"
	"time"

	"github.com/planweave/planweave/workflow"
)

// PolicyKind is a node's declared reaction to its own failure.
type PolicyKind string

// Failure policies.
const (
	// FailFast cancels sibling work and fails the run.
	FailFast PolicyKind = "fail_fast"

	// Continue marks the node failed; dependents are skipped with
	// UpstreamFailed and the run keeps going.
	Continue PolicyKind = "continue"

	// Retry retries with exponential backoff, then fails fast.
	Retry PolicyKind = "retry"
)

// FailurePolicy is resolved from a node's config at dispatch time.
type FailurePolicy struct {
	Kind        PolicyKind
	MaxAttempts int
	BaseDelay   time.Duration
}

// maxBackoffDelay caps exponential growth between retries.
const maxBackoffDelay = 30 * time.Second

// policyFor resolves the failure policy of a node. Explicit config wins;
// otherwise llm and http nodes default to retry(2, 1s) and everything else
// to fail_fast.
func policyFor(n workflow.Node) FailurePolicy {
	policy := FailurePolicy{Kind: FailFast}
	if n.Type == workflow.TypeLLM || n.Type == workflow.TypeHTTP {
		policy = FailurePolicy{Kind: Retry, MaxAttempts: 2, BaseDelay: time.Second}
	}

	if v, ok := n.Config["on_error"].(string); ok && v != "" {
		switch PolicyKind(v) {
		case FailFast, Continue, Retry:
			policy.Kind = PolicyKind(v)
		}
	}
	if policy.Kind == Retry {
		if policy.MaxAttempts == 0 {
			policy.MaxAttempts = 2
		}
		if policy.BaseDelay == 0 {
			policy.BaseDelay = time.Second
		}
		if v, ok := intConfig(n.Config["retry_attempts"]); ok && v > 0 {
			policy.MaxAttempts = v
		}
		if v, ok := intConfig(n.Config["retry_backoff_ms"]); ok && v > 0 {
			policy.BaseDelay = time.Duration(v) * time.Millisecond
		}
	}
	return policy
}

// retryable reports whether a failure is worth retrying. Confirmation
// outcomes and cancellation are final by nature.
func retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConfirmationDenied, CodeConfirmationTimeout, CodeCancelled, CodeUnknownNodeType:
		return false
	}
	return true
}

// computeBackoff calculates the delay before a retry: exponential growth
// capped at maxBackoffDelay, plus jitter in [0, base) to spread synchronized
// retries apart.
func computeBackoff(attempt int, base time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}
	var jitter time.Duration
	if base > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(base)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
		}
	}
	return delay + jitter
}

// intConfig reads a decoded-JSON numeric config value.
func intConfig(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
