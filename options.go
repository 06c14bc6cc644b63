package main

import (
	"strconv"
	"time"
)

// Options is the invocation configuration for one session. It is built once
// from the command line and never mutated afterwards.
type Options struct {
	Browserstack      bool
	SkipInstall       bool
	Sharding          bool
	ShardingInstances string
	ProdEnv           bool
	Suite             string
	Smoke             bool
	ReadyTimeout      time.Duration // zero means use the config value
}

// DefaultOptions mirrors the flag defaults of the run command.
func DefaultOptions() Options {
	return Options{
		Sharding:          true,
		ShardingInstances: "3",
		Suite:             "full",
	}
}

// DevMode reports whether assets are built and served in development mode.
func (o Options) DevMode() bool {
	return !o.ProdEnv
}

// ShardCount returns the parsed instance count, or 0 when it is not an integer.
func (o Options) ShardCount() int {
	n, err := strconv.Atoi(o.ShardingInstances)
	if err != nil {
		return 0
	}
	return n
}

// Sharded reports whether the runner should split the suite across browsers.
// A count of one (or anything unparseable) falls back to a single browser.
func (o Options) Sharded() bool {
	return o.Sharding && o.ShardCount() > 1
}
