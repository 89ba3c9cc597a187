package gate

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/dominodatalab/sweeper/pkg/identity"
)

var defaultOpts = options{
	log: logr.Discard(),
	now: time.Now,
}

type options struct {
	log      logr.Logger
	audit    identity.AuditSink
	now      func() time.Time
	reminder time.Duration
}

type Option func(o options) options

func Logger(log logr.Logger) Option {
	return func(o options) options {
		o.log = log
		return o
	}
}

func Audit(sink identity.AuditSink) Option {
	return func(o options) options {
		o.audit = sink
		return o
	}
}

func Clock(now func() time.Time) Option {
	return func(o options) options {
		o.now = now
		return o
	}
}

// Reminder logs a reminder at the given interval while a request is open. Zero disables it.
func Reminder(interval time.Duration) Option {
	return func(o options) options {
		o.reminder = interval
		return o
	}
}
