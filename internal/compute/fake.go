// internal/compute/fake.go
package compute

import (
	"context"
	"sync"
)

// Fake is an in-memory Manager for tests of the packages that drive the
// compute manager. State mutators record what they were asked to do; tests
// advance simulated convergence through the OnPoll hook.
type Fake struct {
	mu sync.Mutex

	Hosts      []HostFacts
	Clusters   map[Ref]ClusterFacts
	VMs        map[Ref]*VMFacts
	Datastores map[string][]Ref // datastore name -> VM refs
	Rules      map[Ref]map[string]*HostRule
	Overrides  map[Ref]map[Ref]string // cluster -> vm -> level

	// Recorded operations, in call order where it matters.
	RelocatedTo      map[Ref]Ref
	PoweredOffVMs    []Ref
	GuestShutdowns   []Ref
	ClearedOverrides []Ref
	MaintainedHosts  []Ref
	ShutdownHosts    []Ref
	RuleTargets      map[string]string // rule name -> last host group
	Closed           bool

	// OnPoll runs at the start of every VMsOnDatastore call, letting tests
	// simulate DRS moving VMs between poll iterations.
	OnPoll func(poll int)
	polls  int

	// Error injection per operation.
	RelocateErr    error
	PowerOffErr    error
	ShutdownErr    error
	MaintenanceErr error
	RetargetErr    error
}

var _ Manager = (*Fake)(nil)

// NewFake returns an empty Fake with all maps initialized
func NewFake() *Fake {
	return &Fake{
		Clusters:    make(map[Ref]ClusterFacts),
		VMs:         make(map[Ref]*VMFacts),
		Datastores:  make(map[string][]Ref),
		Rules:       make(map[Ref]map[string]*HostRule),
		Overrides:   make(map[Ref]map[Ref]string),
		RelocatedTo: make(map[Ref]Ref),
		RuleTargets: make(map[string]string),
	}
}

// AddHost registers a host
func (f *Fake) AddHost(h HostFacts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Hosts = append(f.Hosts, h)
}

// AddVM registers a VM, optionally bound to a datastore
func (f *Fake) AddVM(vm VMFacts, datastores ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := vm
	f.VMs[vm.Ref] = &v
	for _, ds := range datastores {
		f.Datastores[ds] = append(f.Datastores[ds], vm.Ref)
	}
}

// AddRule registers a DRS host rule on a cluster
func (f *Fake) AddRule(cluster Ref, rule HostRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Rules[cluster] == nil {
		f.Rules[cluster] = make(map[string]*HostRule)
	}
	r := rule
	f.Rules[cluster][rule.Name] = &r
}

// SetOverride pins a VM to a non-default automation level
func (f *Fake) SetOverride(cluster, vm Ref, level string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Overrides[cluster] == nil {
		f.Overrides[cluster] = make(map[Ref]string)
	}
	f.Overrides[cluster][vm] = level
}

// MoveVM relocates a VM in the simulated inventory (not recorded as an
// orchestrator-issued move; tests use it from OnPoll to emulate DRS).
func (f *Fake) MoveVM(vm, host Ref) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.VMs[vm]; ok {
		v.Host = host
	}
}

func (f *Fake) ListHosts(context.Context) ([]HostFacts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]HostFacts, len(f.Hosts))
	copy(out, f.Hosts)
	return out, nil
}

func (f *Fake) GetCluster(_ context.Context, cluster Ref) (ClusterFacts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Clusters[cluster], nil
}

func (f *Fake) VMsOnDatastore(_ context.Context, datastore string) ([]VMFacts, error) {
	f.mu.Lock()
	hook := f.OnPoll
	f.polls++
	poll := f.polls
	f.mu.Unlock()

	if hook != nil {
		hook(poll)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []VMFacts
	for _, ref := range f.Datastores[datastore] {
		if vm, ok := f.VMs[ref]; ok {
			out = append(out, *vm)
		}
	}
	return out, nil
}

func (f *Fake) VMsOnHosts(_ context.Context, hosts []Ref) ([]VMFacts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[Ref]struct{}, len(hosts))
	for _, h := range hosts {
		want[h] = struct{}{}
	}
	var out []VMFacts
	for _, vm := range f.VMs {
		if _, ok := want[vm.Host]; ok {
			out = append(out, *vm)
		}
	}
	return out, nil
}

func (f *Fake) FindHostRule(_ context.Context, cluster Ref, name string) (HostRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.Rules[cluster][name]; ok {
		return *r, nil
	}
	return HostRule{}, RuleLookupError(string(cluster), name)
}

func (f *Fake) RetargetHostRule(_ context.Context, cluster Ref, rule string, hostGroup string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RetargetErr != nil {
		return f.RetargetErr
	}
	r, ok := f.Rules[cluster][rule]
	if !ok {
		return RuleLookupError(string(cluster), rule)
	}
	r.HostGroup = hostGroup
	f.RuleTargets[rule] = hostGroup
	return nil
}

func (f *Fake) ListAutomationOverrides(_ context.Context, cluster Ref) (map[Ref]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Ref]string, len(f.Overrides[cluster]))
	for vm, level := range f.Overrides[cluster] {
		out[vm] = level
	}
	return out, nil
}

func (f *Fake) ClearAutomationOverride(_ context.Context, cluster Ref, vm Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Overrides[cluster], vm)
	f.ClearedOverrides = append(f.ClearedOverrides, vm)
	return nil
}

func (f *Fake) RelocateVM(_ context.Context, vm Ref, host Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RelocateErr != nil {
		return f.RelocateErr
	}
	v, ok := f.VMs[vm]
	if !ok {
		return ErrVMNotFound
	}
	v.Host = host
	f.RelocatedTo[vm] = host
	return nil
}

func (f *Fake) PowerOffVM(_ context.Context, vm Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PowerOffErr != nil {
		return f.PowerOffErr
	}
	v, ok := f.VMs[vm]
	if !ok {
		return ErrVMNotFound
	}
	v.Power = PoweredOff
	f.PoweredOffVMs = append(f.PoweredOffVMs, vm)
	return nil
}

func (f *Fake) ShutdownGuest(_ context.Context, vm Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ShutdownErr != nil {
		return f.ShutdownErr
	}
	if _, ok := f.VMs[vm]; !ok {
		return ErrVMNotFound
	}
	f.GuestShutdowns = append(f.GuestShutdowns, vm)
	return nil
}

func (f *Fake) EnterMaintenance(_ context.Context, host Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MaintenanceErr != nil {
		return f.MaintenanceErr
	}
	f.MaintainedHosts = append(f.MaintainedHosts, host)
	return nil
}

func (f *Fake) ShutdownHost(_ context.Context, host Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ShutdownHosts = append(f.ShutdownHosts, host)
	return nil
}

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
