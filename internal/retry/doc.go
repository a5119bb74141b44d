// Package retry runs backend calls with bounded retries and exponential
// backoff behind a per-service circuit breaker.
//
// # Features
//
//   - Attempts are strictly sequential; attempt k+1 starts only after
//     attempt k has failed and its backoff has elapsed.
//   - The wait before attempt k (k >= 2) is BaseDelay*Multiplier^(k-2),
//     plus an optional random jitter below Policy.Jitter.
//   - Every attempt asks the breaker first. A denial fails fast with
//     *CircuitOpenError and never sleeps.
//   - Every attempt runs under Policy.AttemptTimeout; a timeout counts as
//     a failure exactly like a refused connection.
//   - Cancellation of the caller's context stops the loop immediately and
//     is never reported to the breaker as a backend failure.
//
// # Usage
//
//	exec := retry.NewExecutor(logger)
//	err := exec.Do(ctx, "analytics", breaker, policy,
//	    func(ctx context.Context, attempt int) error {
//	        return callBackend(ctx)
//	    })
//	switch {
//	case errors.Is(err, retry.ErrCircuitOpen):
//	    // shed load
//	case errors.Is(err, retry.ErrRetryExhausted):
//	    // upstream failure
//	}
package retry
