// Package host is the façade of the runtime. A host.Manager owns the device
// table and the network registry: AddNetwork partitions and provisions a
// graph once, Run executes it against caller bindings under a host-wide
// admission limit, and Close drains everything in order.
package host

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/jygan/glow/codegen"
	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/executor"
	"github.com/jygan/glow/graph"
	"github.com/jygan/glow/partition"
	"github.com/jygan/glow/provision"
	"github.com/jygan/glow/tensors"
	"github.com/jygan/glow/types/xslices"
	"github.com/jygan/glow/types/xsync"
)

// Sentinel errors returned by the host manager; test with errors.Is.
var (
	ErrAlreadyExists     = errors.New("network already registered")
	ErrNotFound          = errors.New("not found")
	ErrInUse             = errors.New("network has runs in flight")
	ErrAdmissionRejected = errors.New("too many active runs")
	ErrCancelled         = errors.New("run cancelled")
	ErrClosed            = errors.New("host manager is closed")
)

// DefaultMaxActiveRuns bounds concurrent runs when Config.MaxActiveRuns is
// zero.
const DefaultMaxActiveRuns = 100

// DefaultDrainTimeout bounds Close's wait for in-flight runs when
// Config.DrainTimeout is zero.
const DefaultDrainTimeout = 30 * time.Second

// Config parameterizes a host manager.
type Config struct {
	// MaxActiveRuns caps runs admitted and not yet terminal. Zero selects
	// DefaultMaxActiveRuns, negative disables the limit.
	MaxActiveRuns int

	// DrainTimeout bounds how long Close waits for in-flight runs before
	// force-cancelling them. Zero selects DefaultDrainTimeout.
	DrainTimeout time.Duration

	// Compiler turns partitions into loadable artifacts. Required.
	Compiler codegen.Compiler
}

// Manager glues partitioning, provisioning and execution together behind a
// small, concurrency-safe API.
type Manager struct {
	cfg         Config
	provisioner *provision.Provisioner
	exec        *executor.Executor
	admission   *xsync.Semaphore
	drain       *xsync.DynamicWaitGroup

	mu        sync.Mutex
	closed    bool
	devs      []*deviceEntry // indexed by devices.ID
	devByName map[string]devices.ID
	networks  map[string]*networkEntry
}

// deviceEntry keeps the spec as the caller gave it, for conflict checks when
// a later network mentions the same device name.
type deviceEntry struct {
	spec    devices.Spec
	manager devices.Manager
}

type networkEntry struct {
	loaded *provision.LoadedNetwork
	active int
}

// New builds a host manager. It owns no devices yet: those come up lazily as
// AddNetwork mentions them.
func New(cfg Config) (*Manager, error) {
	if cfg.Compiler == nil {
		return nil, errors.Errorf("host: Config.Compiler is required")
	}
	if cfg.MaxActiveRuns == 0 {
		cfg.MaxActiveRuns = DefaultMaxActiveRuns
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Manager{
		cfg:         cfg,
		provisioner: &provision.Provisioner{Compiler: cfg.Compiler},
		exec:        executor.New(),
		admission:   xsync.NewSemaphore(cfg.MaxActiveRuns),
		drain:       xsync.NewDynamicWaitGroup(),
		devByName:   make(map[string]devices.ID),
		networks:    make(map[string]*networkEntry),
	}, nil
}

// AddOption configures AddNetwork.
type AddOption func(*addOptions)

type addOptions struct {
	replace bool
}

// Replace lets AddNetwork overwrite an idle network registered under the
// same name; the previous version is unloaded first.
func Replace() AddOption {
	return func(o *addOptions) { o.replace = true }
}

// AddNetwork partitions the graph across the named devices and loads the
// compiled partitions, synchronously and all-or-nothing. Devices are
// instantiated through the backend registry the first time a network names
// them and persist across networks; naming an existing device with a
// different spec is an error.
func (m *Manager) AddNetwork(name string, g *graph.Graph, specs []devices.Spec, opts ...AddOption) error {
	var options addOptions
	for _, opt := range opts {
		opt(&options)
	}
	if name == "" {
		return errors.Errorf("network name must not be empty")
	}
	if len(specs) == 0 {
		return errors.Wrapf(devices.ErrInvalidSpec, "network %q names no devices", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Wrapf(ErrClosed, "adding network %q", name)
	}
	if entry, exists := m.networks[name]; exists {
		if !options.replace {
			return errors.Wrapf(ErrAlreadyExists, "network %q", name)
		}
		if entry.active > 0 {
			return errors.Wrapf(ErrInUse, "replacing network %q with %d runs in flight", name, entry.active)
		}
		if err := m.provisioner.Unload(entry.loaded); err != nil {
			klog.Warningf("host: unloading previous version of %q: %v", name, err)
		}
		delete(m.networks, name)
	}

	ids := make([]devices.ID, 0, len(specs))
	capacities := make([]partition.DeviceCapacity, 0, len(specs))
	table := make(map[devices.ID]devices.Manager, len(specs))
	for _, spec := range specs {
		id, err := m.ensureDeviceLocked(spec)
		if err != nil {
			return errors.WithMessagef(err, "adding network %q", name)
		}
		manager := m.devs[id].manager
		ids = append(ids, id)
		table[id] = manager
		capacities = append(capacities, partition.DeviceCapacity{
			ID:             id,
			Kind:           manager.Spec().Kind,
			AvailableBytes: manager.AvailableMemory(),
		})
	}

	dag, err := partition.Build(g, capacities)
	if err != nil {
		return errors.WithMessagef(err, "adding network %q", name)
	}
	loaded, err := m.provisioner.Provision(name, dag, table)
	if err != nil {
		return errors.WithMessagef(err, "adding network %q", name)
	}
	m.networks[name] = &networkEntry{loaded: loaded}
	klog.V(1).Infof("host: network %q registered, %d partitions on %d devices",
		name, len(dag.Nodes), len(ids))
	return nil
}

// ensureDeviceLocked returns the ID of the named device, instantiating it on
// first mention. A re-mention must carry the identical spec.
func (m *Manager) ensureDeviceLocked(spec devices.Spec) (devices.ID, error) {
	if id, exists := m.devByName[spec.Name]; exists {
		if existing := m.devs[id].spec; existing != spec {
			return 0, errors.Wrapf(devices.ErrInvalidSpec,
				"device %q already exists with a different spec (%s vs %s)",
				spec.Name, existing, spec)
		}
		return id, nil
	}
	manager, err := devices.New(spec)
	if err != nil {
		return 0, err
	}
	id := devices.ID(len(m.devs))
	m.devs = append(m.devs, &deviceEntry{spec: spec, manager: manager})
	m.devByName[spec.Name] = id
	klog.V(1).Infof("host: device %s up as id %d", manager.Spec(), id)
	return id, nil
}

// Run admits one execution of the named network, synchronously, and runs it
// asynchronously: done fires exactly once with the outcome. Run itself never
// blocks; when MaxActiveRuns are already in flight it fails with
// ErrAdmissionRejected without invoking done. The caller must not touch
// bindings until done fires.
func (m *Manager) Run(name string, bindings *tensors.Bindings, done executor.DoneFn) (executor.RunID, error) {
	if done == nil {
		return "", errors.Errorf("running network %q: done callback must not be nil", name)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.Wrapf(ErrClosed, "running network %q", name)
	}
	entry, found := m.networks[name]
	if !found {
		m.mu.Unlock()
		return "", errors.Wrapf(ErrNotFound, "network %q", name)
	}
	if !m.admission.TryAcquire() {
		m.mu.Unlock()
		return "", errors.Wrapf(ErrAdmissionRejected, "network %q: %d runs already active",
			name, m.cfg.MaxActiveRuns)
	}
	entry.active++
	m.drain.Add(1)
	m.mu.Unlock()

	// The user callback fires before the bookkeeping releases, so Close's
	// drain cannot complete while a callback is still running.
	wrapped := func(id executor.RunID, b *tensors.Bindings, err error) {
		done(id, b, err)
		m.mu.Lock()
		entry.active--
		m.mu.Unlock()
		m.admission.Release()
		m.drain.Done()
	}
	id := m.exec.Start(entry.loaded, bindings, wrapped)
	klog.V(2).Infof("host: run %s admitted for network %q", id, name)
	return id, nil
}

// CancelRun requests cancellation of a run (see executor.Executor.Cancel for
// the guarantees). It fails with ErrNotFound when the run is unknown or
// already terminal.
func (m *Manager) CancelRun(id executor.RunID) error {
	if m.exec.Cancel(id, errors.Wrapf(ErrCancelled, "run %s", id)) {
		return nil
	}
	return errors.Wrapf(ErrNotFound, "run %s", id)
}

// RemoveNetwork unloads the named network and frees its device memory. It
// fails with ErrInUse while any of its runs is not yet terminal.
func (m *Manager) RemoveNetwork(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Wrapf(ErrClosed, "removing network %q", name)
	}
	entry, found := m.networks[name]
	if !found {
		return errors.Wrapf(ErrNotFound, "network %q", name)
	}
	if entry.active > 0 {
		return errors.Wrapf(ErrInUse, "network %q has %d runs in flight", name, entry.active)
	}
	delete(m.networks, name)
	if err := m.provisioner.Unload(entry.loaded); err != nil {
		return errors.WithMessagef(err, "removing network %q", name)
	}
	klog.V(1).Infof("host: network %q removed", name)
	return nil
}

// ActiveRuns returns the number of admitted runs not yet terminal.
func (m *Manager) ActiveRuns() int {
	return m.exec.ActiveRuns()
}

// DeviceStatus returns a snapshot of every device, ordered by ID.
func (m *Manager) DeviceStatus() []devices.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return xslices.Map(m.devs, func(entry *deviceEntry) devices.Status {
		return entry.manager.Status()
	})
}

// Close rejects new work, waits up to DrainTimeout for in-flight runs, then
// force-cancels the stragglers with ErrCancelled. Their callbacks fire
// before any network is unloaded or device finalized. Closing twice returns
// ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.Wrap(ErrClosed, "closing host manager")
	}
	m.closed = true
	m.mu.Unlock()

	if !m.drain.WaitTimeout(m.cfg.DrainTimeout) {
		klog.Warningf("host: %d runs still active after %s, force-cancelling",
			m.exec.ActiveRuns(), m.cfg.DrainTimeout)
		m.exec.ForceCancelAll(errors.Wrap(ErrCancelled, "host manager shutting down"))
		m.drain.Wait()
	}

	m.mu.Lock()
	var firstErr error
	for _, name := range xslices.SortedKeys(m.networks) {
		if err := m.provisioner.Unload(m.networks[name].loaded); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "closing host manager: unloading %q", name)
		}
	}
	m.networks = make(map[string]*networkEntry)
	devs := m.devs
	m.devs = nil
	m.devByName = make(map[string]devices.ID)
	m.mu.Unlock()

	for _, entry := range devs {
		entry.manager.Finalize()
	}
	klog.V(1).Infof("host: closed")
	return firstErr
}
