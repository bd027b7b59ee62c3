package execution

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// maxJitterMs bounds the deterministic jitter added to each retry delay.
const maxJitterMs = 250

// backoffDelay returns the delay before the given attempt (1-based retry
// index; attempt 0 is the initial try and waits nothing). The jitter is a
// PRF over (plan, step, attempt), so replaying the same plan yields the
// same schedule.
func backoffDelay(policy contracts.RetryPolicy, planID, stepID string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := policy.InitialDelayMs
	if policy.Backoff == contracts.BackoffExponential {
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		base = policy.InitialDelayMs << shift
	}
	if policy.MaxDelayMs > 0 && base > policy.MaxDelayMs {
		base = policy.MaxDelayMs
	}

	return time.Duration(base+deterministicJitter(planID, stepID, attempt)) * time.Millisecond
}

func deterministicJitter(planID, stepID string, attempt int) int64 {
	seed := fmt.Sprintf("%s:%s:%d", planID, stepID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs))
}
