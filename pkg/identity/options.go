package identity

import (
	"time"

	"github.com/go-logr/logr"
)

var defaultBoundaryOpts = boundaryOpts{
	log:      logr.Discard(),
	now:      time.Now,
	duration: time.Hour,
}

type boundaryOpts struct {
	log      logr.Logger
	audit    AuditSink
	now      func() time.Time
	duration time.Duration
}

type BoundaryOption func(o boundaryOpts) boundaryOpts

func Logger(log logr.Logger) BoundaryOption {
	return func(o boundaryOpts) boundaryOpts {
		o.log = log
		return o
	}
}

func Audit(sink AuditSink) BoundaryOption {
	return func(o boundaryOpts) boundaryOpts {
		o.audit = sink
		return o
	}
}

func Clock(now func() time.Time) BoundaryOption {
	return func(o boundaryOpts) boundaryOpts {
		o.now = now
		return o
	}
}

func SessionDuration(d time.Duration) BoundaryOption {
	return func(o boundaryOpts) boundaryOpts {
		o.duration = d
		return o
	}
}
