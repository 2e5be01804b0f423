package passes

import (
   "context"
   "errors"
   "fmt"
   "math"
   "math/rand/v2"
   "time"

   "github.com/rs/zerolog/log"
)

// StatusError is an HTTP response outside 2xx.
type StatusError struct {
   Code   int
   Status string
}

func (s *StatusError) Error() string {
   return s.Status
}

// Retry is the policy of plain media downloads. Only 5xx responses are
// retried. Transport errors such as timeouts and resets are returned at once.
type Retry struct {
   Attempts int
   Initial  time.Duration
   Max      time.Duration
   Factor   float64
}

func DefaultRetry() Retry {
   return Retry{
      Attempts: 5,
      Initial:  250 * time.Millisecond,
      Max:      5 * time.Second,
      Factor:   2,
   }
}

func retryable(err error) bool {
   var status *StatusError
   if errors.As(err, &status) {
      return status.Code >= 500 && status.Code <= 599
   }
   return false
}

func (r *Retry) backoff(attempt int) time.Duration {
   delay := float64(r.Initial) * math.Pow(r.Factor, float64(attempt-1))
   if delay > float64(r.Max) {
      delay = float64(r.Max)
   }
   // 10% jitter
   delay += delay * 0.1 * (2*rand.Float64() - 1)
   return time.Duration(delay)
}

// Do calls fn until it succeeds, fails with an error that is not retryable,
// or runs out of attempts.
func (r *Retry) Do(ctx context.Context, operation string, fn func() error) error {
   attempts := max(r.Attempts, 1)
   var err error
   for attempt := 1; attempt <= attempts; attempt++ {
      err = fn()
      if err == nil {
         return nil
      }
      if !retryable(err) {
         return err
      }
      if attempt == attempts {
         break
      }
      delay := r.backoff(attempt)
      log.Warn().
         Err(err).
         Str("operation", operation).
         Int("attempt", attempt).
         Int("max_attempts", attempts).
         Dur("retry_delay", delay).
         Msg("retry")
      select {
      case <-ctx.Done():
         return ctx.Err()
      case <-time.After(delay):
      }
   }
   return fmt.Errorf("%v failed after %d attempts: %w", operation, attempts, err)
}
