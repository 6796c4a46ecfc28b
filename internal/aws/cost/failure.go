package cost

import "fmt"

// failurePolicy makes the asymmetry between calls explicit: cost and
// forecast fetches hard-fail because the dashboard is useless without them,
// recommendation fetches soft-fail because they are an optional enhancement.
type failurePolicy int

const (
	hardFail failurePolicy = iota
	softFail
)

// finishFetch applies the per-call failure policy to a provider error.
// hardFail wraps and returns it; softFail logs a warning and swallows it so
// the caller degrades to an empty result.
func (c *Client) finishFetch(policy failurePolicy, op string, err error) error {
	if err == nil {
		return nil
	}
	if policy == softFail {
		c.log.WithError(err).Warnf("%s unavailable, continuing without them", op)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
