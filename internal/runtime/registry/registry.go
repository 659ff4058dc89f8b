// Package registry discovers queue-triggered handler functions. Modules
// declare triggers; Discover walks the module graph, validates every handler
// and builds a snapshot mapping each normalized queue name to one binding.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/logging"
	"github.com/drblury/queuehost/transport"
)

// Binding ties a normalized queue name to the handler that consumes it.
type Binding struct {
	QueueName  string
	FuncName   string
	Module     string
	Descriptor Descriptor
}

// Snapshot maps normalized queue names to their binding.
type Snapshot map[string]Binding

// QueueNames returns the bound queue names in sorted order.
func (s Snapshot) QueueNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks up the binding for queue, normalizing the name first.
func (s Snapshot) Get(queue string) (Binding, bool) {
	b, ok := s[transport.NormalizeQueueName(queue)]
	return b, ok
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Registry owns the root modules and the most recent snapshot.
type Registry struct {
	trace logging.TraceWriter
	roots []Module

	mu       sync.RWMutex
	snapshot Snapshot
}

// New creates a registry that discovers from roots. A nil trace discards
// diagnostics.
func New(trace logging.TraceWriter, roots ...Module) *Registry {
	if trace == nil {
		trace = logging.NopTraceWriter{}
	}
	return &Registry{trace: trace, roots: roots}
}

// Discover walks all modules reachable from the roots and returns a fresh
// snapshot, which also replaces the one returned by Bindings. A missing queue
// name or two functions sharing a queue abort discovery; the previous
// snapshot is kept in that case.
func (r *Registry) Discover() (Snapshot, error) {
	snapshot := Snapshot{}
	visited := make(map[string]bool)

	var walk func(m Module) error
	walk = func(m Module) error {
		if m == nil || visited[m.Name()] {
			return nil
		}
		visited[m.Name()] = true

		triggers, err := m.Triggers()
		if err != nil {
			r.trace.Verbose(fmt.Sprintf("Skipping module '%s': %v", m.Name(), err))
		}
		for _, t := range triggers {
			if err := r.bind(snapshot, m.Name(), t); err != nil {
				return err
			}
		}

		for _, imported := range m.Imports() {
			if err := walk(imported); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range r.roots {
		if err := walk(root); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.snapshot = snapshot
	r.mu.Unlock()

	return snapshot.clone(), nil
}

func (r *Registry) bind(snapshot Snapshot, module string, t Trigger) error {
	d, err := Describe(t.Func)
	if errors.Is(err, errspkg.ErrHandlerNotExported) {
		return nil
	}
	if err != nil {
		r.trace.Verbose(fmt.Sprintf("Skipping queue trigger '%s' in module '%s': %v", t.QueueName, module, err))
		return nil
	}

	queue := transport.NormalizeQueueName(t.QueueName)
	if queue == "" {
		return &errspkg.MissingQueueNameError{FuncName: d.Name, Module: module}
	}

	if existing, ok := snapshot[queue]; ok {
		// the same function reached through two modules
		if existing.Descriptor.Name == d.Name {
			return nil
		}
		return &errspkg.DuplicateBindingError{QueueName: queue, Existing: existing.Descriptor.Name, Duplicate: d.Name}
	}

	snapshot[queue] = Binding{
		QueueName:  queue,
		FuncName:   d.FuncName,
		Module:     module,
		Descriptor: d,
	}
	r.trace.Info(fmt.Sprintf("Found queue trigger method %s for queue %s in module %s", d.FuncName, queue, module))
	return nil
}

// Bindings returns a copy of the last successful snapshot, or nil before the
// first Discover.
func (r *Registry) Bindings() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return nil
	}
	return r.snapshot.clone()
}
