package registry

// Module is a unit of code that can declare queue triggers. Discovery starts
// at the root modules handed to New and follows Imports depth-first.
type Module interface {
	Name() string
	// Triggers lists the queue triggers declared by the module. An error skips
	// the module with a diagnostic; its imports are still walked.
	Triggers() ([]Trigger, error)
	Imports() []Module
}

// Trigger marks Func as the handler for QueueName.
type Trigger struct {
	QueueName string
	Func      any
}

// QueueTrigger binds fn to queueName.
func QueueTrigger(queueName string, fn any) Trigger {
	return Trigger{QueueName: queueName, Func: fn}
}

// StaticModule is a Module with a fixed trigger list.
type StaticModule struct {
	name     string
	triggers []Trigger
	imports  []Module
}

// NewModule creates a module named name declaring triggers.
func NewModule(name string, triggers ...Trigger) *StaticModule {
	return &StaticModule{name: name, triggers: triggers}
}

// Add declares more triggers and returns m.
func (m *StaticModule) Add(triggers ...Trigger) *StaticModule {
	m.triggers = append(m.triggers, triggers...)
	return m
}

// Import records modules referenced by m and returns m.
func (m *StaticModule) Import(modules ...Module) *StaticModule {
	m.imports = append(m.imports, modules...)
	return m
}

func (m *StaticModule) Name() string { return m.name }

func (m *StaticModule) Triggers() ([]Trigger, error) {
	out := make([]Trigger, len(m.triggers))
	copy(out, m.triggers)
	return out, nil
}

func (m *StaticModule) Imports() []Module { return m.imports }

// LazyModule resolves its triggers on every discovery pass. Use it for
// trigger sets that depend on runtime state and may fail to load.
type LazyModule struct {
	name    string
	load    func() ([]Trigger, error)
	imports []Module
}

func NewLazyModule(name string, load func() ([]Trigger, error), imports ...Module) *LazyModule {
	return &LazyModule{name: name, load: load, imports: imports}
}

func (m *LazyModule) Name() string { return m.name }

func (m *LazyModule) Triggers() ([]Trigger, error) {
	if m.load == nil {
		return nil, nil
	}
	return m.load()
}

func (m *LazyModule) Imports() []Module { return m.imports }
