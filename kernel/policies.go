package kernel

import "strings"

// Pool identifies which worker pool a task should run on. Spec §4.6: "if
// id begins with any configured CPU-task prefix AND a process-pool
// exists, dispatch to the process-pool; else dispatch to the thread-pool".
type Pool int

const (
	PoolIO Pool = iota
	PoolCPU
)

// RoutingPolicy decides which Pool a task ID should run on. Kept as an
// interface, not a hardcoded prefix check, so callers can plug in a
// different classification scheme (e.g. a regex set, or an explicit
// per-task-id registry) without touching the Scheduler.
type RoutingPolicy interface {
	Route(taskID string) Pool
}

// PrefixRoutingPolicy is the default RoutingPolicy: a task ID routes to
// the CPU pool iff it begins with one of the configured prefixes (spec's
// cpu_task_prefixes, default ["cpu_", "cpu_task"]).
type PrefixRoutingPolicy struct {
	prefixes []string
}

// NewPrefixRoutingPolicy creates a policy from the configured prefix list.
func NewPrefixRoutingPolicy(prefixes []string) *PrefixRoutingPolicy {
	cp := make([]string, len(prefixes))
	copy(cp, prefixes)
	return &PrefixRoutingPolicy{prefixes: cp}
}

// Route returns PoolCPU if taskID matches a configured prefix, else PoolIO.
func (p *PrefixRoutingPolicy) Route(taskID string) Pool {
	for _, prefix := range p.prefixes {
		if prefix != "" && strings.HasPrefix(taskID, prefix) {
			return PoolCPU
		}
	}
	return PoolIO
}

// SetPrefixes replaces the configured prefix list. No config-reload path
// calls it; routing prefixes stay as configured at startup.
func (p *PrefixRoutingPolicy) SetPrefixes(prefixes []string) {
	cp := make([]string, len(prefixes))
	copy(cp, prefixes)
	p.prefixes = cp
}
