// internal/compute/manager.go
package compute

import (
	"context"
	"errors"
	"fmt"
)

// ErrRuleNotFound is returned when a DRS rule the evacuation pass expects is
// missing. Rule provisioning is external; the orchestrator never creates one.
var ErrRuleNotFound = errors.New("compute: DRS rule not found")

// ErrVMNotFound is returned for operations against an unknown VM reference
var ErrVMNotFound = errors.New("compute: VM not found")

// Manager is the hypervisor-management surface the orchestrator drives.
// VCenter implements it against a live vCenter; Fake implements it in memory
// for the topology, evacuation and sequencing tests.
type Manager interface {
	// ListHosts enumerates every host the manager knows, with management IPs
	ListHosts(ctx context.Context) ([]HostFacts, error)

	// GetCluster reads HA/DRS settings of one cluster
	GetCluster(ctx context.Context, cluster Ref) (ClusterFacts, error)

	// VMsOnDatastore lists VMs with at least one disk on the named datastore
	VMsOnDatastore(ctx context.Context, datastore string) ([]VMFacts, error)

	// VMsOnHosts lists VMs currently scheduled to any of the given hosts
	VMsOnHosts(ctx context.Context, hosts []Ref) ([]VMFacts, error)

	// FindHostRule looks up a VM-to-host-group rule by name within a cluster
	FindHostRule(ctx context.Context, cluster Ref, name string) (HostRule, error)

	// RetargetHostRule edits the rule so its VM group affines to hostGroup
	RetargetHostRule(ctx context.Context, cluster Ref, rule string, hostGroup string) error

	// ListAutomationOverrides returns per-VM DRS automation overrides keyed
	// by VM reference; VMs at the cluster default are absent.
	ListAutomationOverrides(ctx context.Context, cluster Ref) (map[Ref]string, error)

	// ClearAutomationOverride resets one VM to the cluster-default automation
	ClearAutomationOverride(ctx context.Context, cluster Ref, vm Ref) error

	// RelocateVM cold-moves a VM to the given host. DRS does not relocate
	// powered-off VMs, so the evacuation pass issues these directly.
	RelocateVM(ctx context.Context, vm Ref, host Ref) error

	// PowerOffVM hard powers off a VM
	PowerOffVM(ctx context.Context, vm Ref) error

	// ShutdownGuest requests a graceful in-guest shutdown (no completion task)
	ShutdownGuest(ctx context.Context, vm Ref) error

	// EnterMaintenance places a host into maintenance mode
	EnterMaintenance(ctx context.Context, host Ref) error

	// ShutdownHost powers a host off
	ShutdownHost(ctx context.Context, host Ref) error

	// Close releases the management session (best effort)
	Close(ctx context.Context) error
}

// RuleLookupError wraps ErrRuleNotFound with the cluster and rule names
func RuleLookupError(cluster, rule string) error {
	return fmt.Errorf("%w: %q in cluster %q (metro DRS rules are provisioned outside this tool)", ErrRuleNotFound, rule, cluster)
}
