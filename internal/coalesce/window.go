package coalesce

import "time"

// windowPolicy resolves the flush deadline for a given buffered item count.
// steps must already be validated ascending by CallSize (Options.Validate).
type windowPolicy struct {
	steps []WindowStep
	base  time.Duration
}

// deadlineFor returns the window that applies once the buffer holds n items:
// the Window of the smallest step whose CallSize >= n, or base if n exceeds
// every configured threshold. steps are ascending, so the first match wins.
func (p windowPolicy) deadlineFor(n int) time.Duration {
	for _, step := range p.steps {
		if step.CallSize >= n {
			return step.Window
		}
	}
	return p.base
}
