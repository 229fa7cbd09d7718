// internal/topology/resolver.go
package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/stonefell/metroctl/internal/compute"
	"github.com/stonefell/metroctl/internal/prism"
	"go.uber.org/zap"
)

// PreconditionError is a safety check that failed before any mutating call.
// Every instance is fatal: the run aborts rather than risking a partial
// operation against a cluster pair in an unexpected shape.
type PreconditionError struct {
	Check  string
	Object string
	Detail string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition %s failed on %s: %s", e.Check, e.Object, e.Detail)
}

func precondition(check, object, format string, args ...any) error {
	return &PreconditionError{Check: check, Object: object, Detail: fmt.Sprintf(format, args...)}
}

// Selection describes which protection domains a run operates on and which
// phases it will enter; the resolver relaxes checks that only matter for
// phases the run skips.
type Selection struct {
	// Domains are the requested protection domain names; empty with All set
	// selects every eligible metro domain.
	Domains []string
	All     bool

	// SkipFailover resumes after a prior partial run: domains are selected
	// by Enabled metro status instead of by the active role.
	SkipFailover bool

	// ReEnableOnly runs only the replication re-enable phase; HA/DRS checks
	// do not apply because no VM is moved.
	ReEnableOnly bool

	// HostAction is set when hosts will be placed in maintenance or powered
	// off; redundancy preconditions only bind then.
	HostAction bool
}

// Side is one storage cluster of the metro pair with its gateway client
type Side struct {
	Info  prism.ClusterInfo
	Hosts []prism.Host
	API   prism.API
}

// HostIPSet returns the hypervisor management addresses of the side's nodes
func (s Side) HostIPSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Hosts))
	for _, h := range s.Hosts {
		if h.HypervisorAddress != "" {
			set[h.HypervisorAddress] = struct{}{}
		}
	}
	return set
}

// CVMAddresses returns the controller-VM addresses of the side's nodes
func (s Side) CVMAddresses() []string {
	addrs := make([]string, 0, len(s.Hosts))
	for _, h := range s.Hosts {
		if h.ServiceVMExternalIP != "" {
			addrs = append(addrs, h.ServiceVMExternalIP)
		}
	}
	return addrs
}

// Facts is the shared run context handed from the resolver to the evacuation
// coordinator, the failover engine and the sequencer. It replaces ambient
// state with one struct built once per run and only refreshed by re-reading
// the control planes.
type Facts struct {
	Local          Side
	Remote         Side
	RemoteSiteName string

	// Domains is the selected protection domain set as seen from the local
	// cluster at gather time.
	Domains []prism.ProtectionDomain

	// Containers are the storage containers (datastores) behind Domains,
	// deduplicated in selection order.
	Containers []string

	// Compute topology: the single HA/DRS cluster holding the local nodes.
	Compute     compute.ClusterFacts
	LocalHosts  []compute.HostFacts
	RemoteHosts []compute.HostFacts
}

// DialFunc builds a gateway client for the peer cluster once its management
// address is known.
type DialFunc func(addr string) prism.API

// Resolver correlates storage-cluster facts with compute-manager objects and
// enforces the run preconditions.
type Resolver struct {
	local  prism.API
	dial   DialFunc
	mgr    compute.Manager
	logger *zap.Logger
}

// NewResolver creates a resolver over the local gateway and compute manager
func NewResolver(local prism.API, dial DialFunc, mgr compute.Manager, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{local: local, dial: dial, mgr: mgr, logger: logger}
}

// Gather reads both storage clusters and selects the protection domain set.
// All checks here run before anything is mutated.
func (r *Resolver) Gather(ctx context.Context, sel Selection) (*Facts, error) {
	localInfo, err := r.local.GetCluster(ctx)
	if err != nil {
		return nil, fmt.Errorf("read local cluster: %w", err)
	}

	if localInfo.IsUpgradeInProgress {
		return nil, precondition("upgrade-idle", localInfo.Name, "an upgrade is in progress; retry once it completes")
	}
	if sel.HostAction {
		rs := localInfo.RedundancyState
		if rs.DesiredRedundancyFactor < 2 || rs.CurrentRedundancyFactor < 2 {
			return nil, precondition("redundancy", localInfo.Name,
				"redundancy factor %d/%d (current/desired); host maintenance or shutdown needs at least 2",
				rs.CurrentRedundancyFactor, rs.DesiredRedundancyFactor)
		}
	}

	localMS, err := singleManagementServer(localInfo)
	if err != nil {
		return nil, err
	}

	localHosts, err := r.local.GetHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read local hosts: %w", err)
	}

	domains, err := r.selectDomains(ctx, sel)
	if err != nil {
		return nil, err
	}

	siteName, err := uniqueRemoteSite(domains)
	if err != nil {
		return nil, err
	}

	sites, err := r.local.GetRemoteSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("read remote sites: %w", err)
	}
	var addr string
	for _, s := range sites {
		if s.Name == siteName {
			addr = s.Address()
			break
		}
	}
	if addr == "" {
		return nil, precondition("remote-site", siteName, "no reachable address in the remote site definition")
	}

	remote := r.dial(addr)
	remoteInfo, err := remote.GetCluster(ctx)
	if err != nil {
		return nil, fmt.Errorf("read remote cluster %s: %w", addr, err)
	}
	if remoteInfo.IsUpgradeInProgress {
		return nil, precondition("upgrade-idle", remoteInfo.Name, "an upgrade is in progress on the remote cluster")
	}
	remoteMS, err := singleManagementServer(remoteInfo)
	if err != nil {
		return nil, err
	}
	if localMS != remoteMS {
		return nil, precondition("shared-vcenter", localInfo.Name,
			"clusters register different management servers (%s vs %s); metro DRS assumes one vCenter", localMS, remoteMS)
	}

	remoteHosts, err := remote.GetHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read remote hosts: %w", err)
	}

	facts := &Facts{
		Local:          Side{Info: localInfo, Hosts: localHosts, API: r.local},
		Remote:         Side{Info: remoteInfo, Hosts: remoteHosts, API: remote},
		RemoteSiteName: siteName,
		Domains:        domains,
		Containers:     containerNames(domains),
	}

	r.logger.Info("gathered metro topology",
		zap.String("local", localInfo.Name),
		zap.String("remote", remoteInfo.Name),
		zap.Int("domains", len(domains)),
		zap.Strings("containers", facts.Containers))

	return facts, nil
}

func singleManagementServer(info prism.ClusterInfo) (string, error) {
	switch len(info.ManagementServers) {
	case 0:
		return "", precondition("management-server", info.Name, "no registered management server")
	case 1:
		ms := info.ManagementServers[0]
		if !strings.EqualFold(ms.Type, "vcenter") {
			return "", precondition("management-server", info.Name, "management server %s is %q, not vCenter", ms.IPAddress, ms.Type)
		}
		return ms.IPAddress, nil
	default:
		return "", precondition("management-server", info.Name, "%d registered management servers, expected exactly one", len(info.ManagementServers))
	}
}

func (r *Resolver) selectDomains(ctx context.Context, sel Selection) ([]prism.ProtectionDomain, error) {
	all, err := r.local.GetProtectionDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("read protection domains: %w", err)
	}

	eligible := func(pd prism.ProtectionDomain) bool {
		if !pd.IsMetro() {
			return false
		}
		if sel.SkipFailover || sel.ReEnableOnly {
			// Resuming: role may already have flipped, select by replication
			// state instead.
			return sel.ReEnableOnly || pd.MetroAvail.Status == prism.StatusEnabled
		}
		return pd.Active && pd.MetroAvail.Role == prism.RoleActive
	}

	var candidates []prism.ProtectionDomain
	for _, pd := range all {
		if eligible(pd) {
			candidates = append(candidates, pd)
		}
	}

	if sel.All {
		if len(candidates) == 0 {
			return nil, precondition("domain-selection", r.local.Endpoint(), "no eligible metro protection domains on this cluster")
		}
		return candidates, nil
	}

	byName := make(map[string]prism.ProtectionDomain, len(candidates))
	for _, pd := range candidates {
		byName[pd.Name] = pd
	}

	var out []prism.ProtectionDomain
	for _, name := range sel.Domains {
		pd, ok := byName[name]
		if !ok {
			return nil, precondition("domain-selection", name,
				"protection domain not found on this cluster, not metro, or not active here")
		}
		out = append(out, pd)
	}
	return out, nil
}

func uniqueRemoteSite(domains []prism.ProtectionDomain) (string, error) {
	site := ""
	for _, pd := range domains {
		s := pd.MetroAvail.RemoteSite
		if site == "" {
			site = s
			continue
		}
		if s != site {
			return "", precondition("single-remote-site", pd.Name,
				"selected domains point at different remote sites (%s vs %s); fail them over in separate runs", site, s)
		}
	}
	if site == "" {
		return "", precondition("single-remote-site", "selection", "no remote site on the selected domains")
	}
	return site, nil
}

func containerNames(domains []prism.ProtectionDomain) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, pd := range domains {
		name := pd.MetroAvail.StorageContainer
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ResolveCompute matches storage-cluster nodes to compute-manager hosts and
// validates the HA/DRS preconditions the evacuation pass depends on.
func (r *Resolver) ResolveCompute(ctx context.Context, facts *Facts, sel Selection) error {
	hosts, err := r.mgr.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("list compute hosts: %w", err)
	}

	localIPs := facts.Local.HostIPSet()
	remoteIPs := facts.Remote.HostIPSet()

	for _, h := range hosts {
		switch {
		case anyIPIn(h.ManagementIPs, localIPs):
			facts.LocalHosts = append(facts.LocalHosts, h)
		case anyIPIn(h.ManagementIPs, remoteIPs):
			facts.RemoteHosts = append(facts.RemoteHosts, h)
		}
	}

	if len(facts.LocalHosts) == 0 {
		return precondition("host-match", facts.Local.Info.Name,
			"no compute-manager host matches the cluster's hypervisor addresses")
	}

	clusterRef := facts.LocalHosts[0].Cluster
	for _, h := range facts.LocalHosts[1:] {
		if h.Cluster != clusterRef {
			return precondition("single-compute-cluster", h.Name,
				"local hosts span multiple compute clusters; DRS rules assume one cluster scope")
		}
	}

	cluster, err := r.mgr.GetCluster(ctx, clusterRef)
	if err != nil {
		return fmt.Errorf("read compute cluster: %w", err)
	}
	facts.Compute = cluster

	if sel.ReEnableOnly {
		// No VM is moved when only re-enabling replication.
		return nil
	}

	if !cluster.HAEnabled {
		return precondition("ha-enabled", cluster.Name, "high availability is disabled")
	}
	if !cluster.DRSEnabled {
		return precondition("drs-enabled", cluster.Name, "DRS is disabled")
	}
	if cluster.DRSBehavior != compute.DRSFullyAutomated {
		return precondition("drs-automation", cluster.Name,
			"DRS automation level is %q; evacuation relies on fully automated moves", cluster.DRSBehavior)
	}

	r.logger.Info("resolved compute topology",
		zap.String("cluster", cluster.Name),
		zap.Int("localHosts", len(facts.LocalHosts)),
		zap.Int("remoteHosts", len(facts.RemoteHosts)))

	return nil
}

func anyIPIn(ips []string, set map[string]struct{}) bool {
	for _, ip := range ips {
		if _, ok := set[ip]; ok {
			return true
		}
	}
	return false
}
