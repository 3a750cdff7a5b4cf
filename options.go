package mediarelay

import "time"

// Option configures optional Orchestrator collaborators.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default is FmtLogger.
func WithLogger(l Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithNotifier sets the user-facing display. Default is a LogNotifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notify = n
	}
}

// WithRateLimiter gates source and sink calls. Default admits everything.
func WithRateLimiter(l RateLimiter) Option {
	return func(o *Orchestrator) {
		o.limiter = l
	}
}

// WithEncoder sets the trigger payload encoder used by Register.
func WithEncoder(e Encoder) Option {
	return func(o *Orchestrator) {
		o.enc = e
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}
