package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/skillmesh/core"
)

// Options configures a store.
type Options struct {
	// EventCap bounds the conversation events kept per correlation id.
	EventCap int
	// FactBucketCap bounds the facts kept per bucket.
	FactBucketCap int
	// NewToken issues resume tokens.
	NewToken func() string
	// Now is the clock used for timestamps.
	Now func() time.Time
}

// DefaultOptions returns the baseline limits.
func DefaultOptions() Options {
	return Options{
		EventCap:      core.DefaultEventCap,
		FactBucketCap: core.DefaultFactBucketCap,
		NewToken:      uuid.NewString,
		Now:           time.Now,
	}
}

// Apply builds Options from the defaults and functional overrides, fixing up
// non-positive caps.
func Apply(optFns ...func(o *Options)) Options {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.EventCap <= 0 {
		opts.EventCap = core.DefaultEventCap
	}
	if opts.FactBucketCap <= 0 {
		opts.FactBucketCap = core.DefaultFactBucketCap
	}
	if opts.NewToken == nil {
		opts.NewToken = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// IssueToken returns the resume token for a state about to be written:
// non-terminal states get a fresh token, terminal states none.
func (o Options) IssueToken(s core.TaskState) string {
	if s.IsTerminal() {
		return ""
	}
	return o.NewToken()
}
