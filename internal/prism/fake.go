// internal/prism/fake.go
package prism

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory API for the topology and failover tests. Mutating
// calls are recorded in order; hooks let tests converge (or refuse to
// converge) the simulated control plane between polls.
type Fake struct {
	mu sync.Mutex

	Name        string
	Cluster     ClusterInfo
	Hosts       []Host
	Domains     []ProtectionDomain
	RemoteSites []RemoteSite
	Tasks       map[string]Task

	// Calls records mutating operations as "promote:<pd>", "disable:<pd>",
	// "enable:<pd>" in issue order.
	Calls []string

	// Error injection.
	ClusterErr error
	DomainsErr error
	PromoteErr error
	DisableErr error
	EnableErr  error

	// OnListDomains runs before each GetProtectionDomains returns, with the
	// 1-based poll count, so tests can flip domain state mid-poll.
	OnListDomains func(poll int)
	listCount     int
}

var _ API = (*Fake)(nil)

// NewFake returns a Fake identifying itself as endpoint
func NewFake(endpoint string) *Fake {
	return &Fake{Name: endpoint, Tasks: make(map[string]Task)}
}

func (f *Fake) Endpoint() string { return f.Name }

func (f *Fake) GetCluster(context.Context) (ClusterInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ClusterErr != nil {
		return ClusterInfo{}, f.ClusterErr
	}
	return f.Cluster, nil
}

func (f *Fake) GetHosts(context.Context) ([]Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Host, len(f.Hosts))
	copy(out, f.Hosts)
	return out, nil
}

func (f *Fake) GetProtectionDomains(context.Context) ([]ProtectionDomain, error) {
	f.mu.Lock()
	if f.DomainsErr != nil {
		defer f.mu.Unlock()
		return nil, f.DomainsErr
	}
	f.listCount++
	poll := f.listCount
	hook := f.OnListDomains
	f.mu.Unlock()

	if hook != nil {
		hook(poll)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ProtectionDomain, 0, len(f.Domains))
	for _, pd := range f.Domains {
		copyPD := pd
		if pd.MetroAvail != nil {
			ma := *pd.MetroAvail
			copyPD.MetroAvail = &ma
		}
		out = append(out, copyPD)
	}
	return out, nil
}

func (f *Fake) GetRemoteSites(context.Context) ([]RemoteSite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RemoteSite, len(f.RemoteSites))
	copy(out, f.RemoteSites)
	return out, nil
}

func (f *Fake) PromoteProtectionDomain(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PromoteErr != nil {
		return "", f.PromoteErr
	}
	f.Calls = append(f.Calls, "promote:"+name)
	return "", nil
}

func (f *Fake) DisableMetro(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DisableErr != nil {
		return "", f.DisableErr
	}
	f.Calls = append(f.Calls, "disable:"+name)
	return "", nil
}

func (f *Fake) EnableMetro(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnableErr != nil {
		return "", f.EnableErr
	}
	f.Calls = append(f.Calls, "enable:"+name)
	return "", nil
}

func (f *Fake) GetTask(_ context.Context, uuid string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.Tasks[uuid]; ok {
		return t, nil
	}
	return Task{}, fmt.Errorf("prism: task %q not found", uuid)
}

// SetDomain replaces (or appends) the domain with the same name
func (f *Fake) SetDomain(pd ProtectionDomain) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Domains {
		if f.Domains[i].Name == pd.Name {
			f.Domains[i] = pd
			return
		}
	}
	f.Domains = append(f.Domains, pd)
}

// SetMetroState rewrites role/status of one domain's metro record
func (f *Fake) SetMetroState(name, role, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Domains {
		if f.Domains[i].Name == name && f.Domains[i].MetroAvail != nil {
			ma := *f.Domains[i].MetroAvail
			if role != "" {
				ma.Role = role
			}
			if status != "" {
				ma.Status = status
			}
			f.Domains[i].MetroAvail = &ma
			f.Domains[i].Active = ma.Role == RoleActive
			return
		}
	}
}
