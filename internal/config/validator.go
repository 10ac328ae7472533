package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks c and returns all problems, or nil.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, d, "must be positive")
		}
	}

	if c.Store.Path == "" {
		add("store.path", c.Store.Path, "is required")
	}

	switch c.Policy.Mode {
	case ModeEmbedded:
	case ModeRemote:
		r := c.Policy.Remote
		if u, err := url.Parse(r.URL); r.URL == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("policy.remote.url", r.URL, "must be an absolute URL in remote mode")
		}
		if r.Secret == "" {
			add("policy.remote.secret", "", "is required in remote mode")
		}
	default:
		add("policy.mode", c.Policy.Mode, "must be embedded or remote")
	}
	positive("policy.remote.timeout", c.Policy.Remote.Timeout)
	if c.Policy.Remote.Retries < 0 {
		add("policy.remote.retries", c.Policy.Remote.Retries, "must not be negative")
	}

	positive("approval.ttl", c.Approval.TTL)
	positive("sweep.interval", c.Sweep.Interval)
	if c.Sweep.Batch < 1 {
		add("sweep.batch", c.Sweep.Batch, "must be at least 1")
	}

	i := c.Idempotency
	positive("idempotency.fast_window", i.FastWindow)
	positive("idempotency.retention", i.Retention)
	positive("idempotency.wait_timeout", i.WaitTimeout)
	positive("idempotency.poll_initial", i.PollInitial)
	positive("idempotency.poll_max", i.PollMax)
	positive("idempotency.lease", i.Lease)
	positive("idempotency.heartbeat", i.Heartbeat)
	if 2*i.Heartbeat > i.Lease {
		add("idempotency.heartbeat", i.Heartbeat, "must be at most half of idempotency.lease")
	}
	if i.PollInitial > i.PollMax {
		add("idempotency.poll_initial", i.PollInitial, "must not exceed idempotency.poll_max")
	}
	if i.FastWindow > i.Retention {
		add("idempotency.fast_window", i.FastWindow, "must not exceed idempotency.retention")
	}

	d := c.Dispatch
	if d.MaxAttempts < 1 {
		add("dispatch.max_attempts", d.MaxAttempts, "must be at least 1")
	}
	positive("dispatch.backoff_initial", d.BackoffInitial)
	positive("dispatch.backoff_max", d.BackoffMax)
	positive("dispatch.call_timeout", d.CallTimeout)
	if d.BackoffInitial > d.BackoffMax {
		add("dispatch.backoff_initial", d.BackoffInitial, "must not exceed dispatch.backoff_max")
	}

	if c.Authority.Addr == "" {
		add("authority.addr", c.Authority.Addr, "is required")
	}
	return errs
}
