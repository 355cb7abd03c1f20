package engine

import (
	"time"
)

// RetryDecision is the classifier's verdict for one failed attempt. It is a
// pure function of the error classification and the attempt count; the
// classifier holds no per-job state.
type RetryDecision struct {
	Retry  bool
	Delay  time.Duration
	Reason ErrorKind
}

// Classifier maps execution errors to retry decisions with capped
// exponential backoff.
type Classifier struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewClassifier builds a classifier with the given backoff bounds. Zero
// values fall back to one second base and thirty seconds cap.
func NewClassifier(baseDelay, maxDelay time.Duration) *Classifier {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Classifier{baseDelay: baseDelay, maxDelay: maxDelay}
}

// Classify decides whether the attempt-th consecutive failure (1-based) for
// a URL should be retried. Exceeding maxAttempts is terminal regardless of
// kind; validation, permanent, and storage errors are terminal on first
// sight; browser faults get exactly one retry. Per-page deadline errors
// arrive wrapped as network or timeout kinds and retry like any transient
// failure; worker shutdown is the caller's check, not the classifier's.
func (c *Classifier) Classify(err error, attempt, maxAttempts int) RetryDecision {
	kind := KindOf(err)
	decision := RetryDecision{Reason: kind}

	if err == nil || attempt >= maxAttempts {
		return decision
	}

	switch kind {
	case KindValidation, KindPermanent, KindStorage:
		return decision
	case KindBrowser:
		if attempt > 1 {
			return decision
		}
	case KindNetwork, KindTimeout, KindProxy:
	default:
		return decision
	}

	decision.Retry = true
	decision.Delay = c.backoff(attempt)
	return decision
}

func (c *Classifier) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}
