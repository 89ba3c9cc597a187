package pipeline

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/newrelic/go-agent/v3/newrelic"
)

var defaultOpts = options{
	log:             logr.Discard(),
	now:             time.Now,
	newID:           newRunID,
	persistAttempts: 5,
	persistDelay:    500 * time.Millisecond,
}

type options struct {
	log      logr.Logger
	notifier Notifier
	newRelic *newrelic.Application
	now      func() time.Time
	newID    func() string

	persistAttempts uint
	persistDelay    time.Duration
}

type Option func(o options) options

func Logger(log logr.Logger) Option {
	return func(o options) options {
		o.log = log
		return o
	}
}

// Notify publishes every transition through n.
func Notify(n Notifier) Option {
	return func(o options) options {
		o.notifier = n
		return o
	}
}

// NewRelic records a transaction for every stage. A nil application disables tracing.
func NewRelic(app *newrelic.Application) Option {
	return func(o options) options {
		o.newRelic = app
		return o
	}
}

func Clock(now func() time.Time) Option {
	return func(o options) options {
		o.now = now
		return o
	}
}

func IDGenerator(fn func() string) Option {
	return func(o options) options {
		o.newID = fn
		return o
	}
}

// PersistRetry bounds how often an intermediate run update is retried and the initial backoff
// between attempts. Terminal updates are retried until the store accepts them.
func PersistRetry(attempts uint, delay time.Duration) Option {
	return func(o options) options {
		o.persistAttempts = attempts
		o.persistDelay = delay
		return o
	}
}
