// internal/compute/vcenter.go
package compute

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
	"go.uber.org/zap"
)

// VCenter implements Manager against a live vCenter SOAP endpoint. One session
// is held for the whole run and released (best effort) in Close.
type VCenter struct {
	client *govmomi.Client
	pc     *property.Collector
	logger *zap.Logger
}

var _ Manager = (*VCenter)(nil)

// Connect opens a vCenter session. Management endpoints run self-signed
// certificates, so verification is disabled, matching the Prism client.
func Connect(ctx context.Context, host, username, password string, logger *zap.Logger) (*VCenter, error) {
	u, err := soap.ParseURL(host)
	if err != nil {
		return nil, fmt.Errorf("vcenter: parse url %q: %w", host, err)
	}
	u.User = url.UserPassword(username, password)

	c, err := govmomi.NewClient(ctx, u, true)
	if err != nil {
		return nil, fmt.Errorf("vcenter: connect %s: %w", host, err)
	}

	logger.Info("connected to vcenter", zap.String("host", u.Host))

	return &VCenter{
		client: c,
		pc:     property.DefaultCollector(c.Client),
		logger: logger,
	}, nil
}

// Close logs out the vCenter session
func (v *VCenter) Close(ctx context.Context) error {
	return v.client.Logout(ctx)
}

func (v *VCenter) retrieveAll(ctx context.Context, kind string, props []string, dst any) error {
	m := view.NewManager(v.client.Client)
	cv, err := m.CreateContainerView(ctx, v.client.Client.ServiceContent.RootFolder, []string{kind}, true)
	if err != nil {
		return fmt.Errorf("vcenter: create %s view: %w", kind, err)
	}
	defer func() { _ = cv.Destroy(ctx) }()

	if err := cv.Retrieve(ctx, []string{kind}, props, dst); err != nil {
		return fmt.Errorf("vcenter: retrieve %s: %w", kind, err)
	}
	return nil
}

// ListHosts enumerates every host with its management vmkernel IPs
func (v *VCenter) ListHosts(ctx context.Context) ([]HostFacts, error) {
	var hosts []mo.HostSystem
	err := v.retrieveAll(ctx, "HostSystem",
		[]string{"name", "parent", "runtime", "config.network.vnic"}, &hosts)
	if err != nil {
		return nil, err
	}

	facts := make([]HostFacts, 0, len(hosts))
	for _, h := range hosts {
		f := HostFacts{
			Ref:           Ref(h.Self.Value),
			Name:          h.Name,
			Connected:     h.Runtime.ConnectionState == types.HostSystemConnectionStateConnected,
			InMaintenance: h.Runtime.InMaintenanceMode,
		}
		if h.Parent != nil {
			f.Cluster = Ref(h.Parent.Value)
		}
		if h.Config != nil {
			for _, vnic := range h.Config.Network.Vnic {
				if vnic.Spec.Ip != nil && vnic.Spec.Ip.IpAddress != "" {
					f.ManagementIPs = append(f.ManagementIPs, vnic.Spec.Ip.IpAddress)
				}
			}
		}
		facts = append(facts, f)
	}
	return facts, nil
}

func (v *VCenter) clusterConfig(ctx context.Context, cluster Ref) (*mo.ClusterComputeResource, *types.ClusterConfigInfoEx, error) {
	ref := types.ManagedObjectReference{Type: "ClusterComputeResource", Value: string(cluster)}
	var ccr mo.ClusterComputeResource
	if err := v.pc.RetrieveOne(ctx, ref, []string{"name", "configurationEx"}, &ccr); err != nil {
		return nil, nil, fmt.Errorf("vcenter: read cluster %s: %w", cluster, err)
	}
	cfg, _ := ccr.ConfigurationEx.(*types.ClusterConfigInfoEx)
	return &ccr, cfg, nil
}

// GetCluster reads the HA/DRS settings the preflight checks depend on
func (v *VCenter) GetCluster(ctx context.Context, cluster Ref) (ClusterFacts, error) {
	ccr, cfg, err := v.clusterConfig(ctx, cluster)
	if err != nil {
		return ClusterFacts{}, err
	}

	facts := ClusterFacts{Ref: cluster, Name: ccr.Name}
	if cfg != nil {
		if cfg.DasConfig.Enabled != nil {
			facts.HAEnabled = *cfg.DasConfig.Enabled
		}
		if cfg.DrsConfig.Enabled != nil {
			facts.DRSEnabled = *cfg.DrsConfig.Enabled
		}
		facts.DRSBehavior = string(cfg.DrsConfig.DefaultVmBehavior)
	}
	return facts, nil
}

func (v *VCenter) vmFacts(ctx context.Context, refs []types.ManagedObjectReference) ([]VMFacts, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	var vms []mo.VirtualMachine
	err := v.pc.Retrieve(ctx, refs, []string{"name", "runtime.host", "runtime.powerState"}, &vms)
	if err != nil {
		return nil, fmt.Errorf("vcenter: retrieve vms: %w", err)
	}

	facts := make([]VMFacts, 0, len(vms))
	for _, vm := range vms {
		f := VMFacts{
			Ref:   Ref(vm.Self.Value),
			Name:  vm.Name,
			Power: PowerState(vm.Runtime.PowerState),
		}
		if vm.Runtime.Host != nil {
			f.Host = Ref(vm.Runtime.Host.Value)
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// VMsOnDatastore lists the VMs registered against the named datastore
func (v *VCenter) VMsOnDatastore(ctx context.Context, datastore string) ([]VMFacts, error) {
	var stores []mo.Datastore
	if err := v.retrieveAll(ctx, "Datastore", []string{"name", "vm"}, &stores); err != nil {
		return nil, err
	}

	for _, ds := range stores {
		if ds.Name == datastore {
			return v.vmFacts(ctx, ds.Vm)
		}
	}
	return nil, fmt.Errorf("vcenter: datastore %q not found", datastore)
}

// VMsOnHosts lists the VMs currently scheduled to the given hosts
func (v *VCenter) VMsOnHosts(ctx context.Context, hosts []Ref) ([]VMFacts, error) {
	want := make(map[Ref]struct{}, len(hosts))
	for _, h := range hosts {
		want[h] = struct{}{}
	}

	var vms []mo.VirtualMachine
	err := v.retrieveAll(ctx, "VirtualMachine",
		[]string{"name", "runtime.host", "runtime.powerState"}, &vms)
	if err != nil {
		return nil, err
	}

	var facts []VMFacts
	for _, vm := range vms {
		if vm.Runtime.Host == nil {
			continue
		}
		if _, ok := want[Ref(vm.Runtime.Host.Value)]; !ok {
			continue
		}
		facts = append(facts, VMFacts{
			Ref:   Ref(vm.Self.Value),
			Name:  vm.Name,
			Host:  Ref(vm.Runtime.Host.Value),
			Power: PowerState(vm.Runtime.PowerState),
		})
	}
	return facts, nil
}

func findVMHostRule(cfg *types.ClusterConfigInfoEx, name string) *types.ClusterVmHostRuleInfo {
	if cfg == nil {
		return nil
	}
	for _, r := range cfg.Rule {
		if info, ok := r.(*types.ClusterVmHostRuleInfo); ok && info.Name == name {
			return info
		}
	}
	return nil
}

// FindHostRule looks up a VM-to-host-group DRS rule by name
func (v *VCenter) FindHostRule(ctx context.Context, cluster Ref, name string) (HostRule, error) {
	ccr, cfg, err := v.clusterConfig(ctx, cluster)
	if err != nil {
		return HostRule{}, err
	}

	info := findVMHostRule(cfg, name)
	if info == nil {
		return HostRule{}, RuleLookupError(ccr.Name, name)
	}

	rule := HostRule{
		Key:       info.Key,
		Name:      info.Name,
		VMGroup:   info.VmGroupName,
		HostGroup: info.AffineHostGroupName,
	}
	if info.Enabled != nil {
		rule.Enabled = *info.Enabled
	}
	return rule, nil
}

func (v *VCenter) reconfigure(ctx context.Context, cluster Ref, spec *types.ClusterConfigSpecEx) error {
	ref := types.ManagedObjectReference{Type: "ClusterComputeResource", Value: string(cluster)}
	ccr := object.NewClusterComputeResource(v.client.Client, ref)

	task, err := ccr.Reconfigure(ctx, spec, true)
	if err != nil {
		return fmt.Errorf("vcenter: reconfigure cluster %s: %w", cluster, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("vcenter: reconfigure cluster %s: %w", cluster, err)
	}
	return nil
}

// RetargetHostRule points the rule's VM group at a different host group
func (v *VCenter) RetargetHostRule(ctx context.Context, cluster Ref, rule string, hostGroup string) error {
	ccr, cfg, err := v.clusterConfig(ctx, cluster)
	if err != nil {
		return err
	}

	info := findVMHostRule(cfg, rule)
	if info == nil {
		return RuleLookupError(ccr.Name, rule)
	}

	info.AffineHostGroupName = hostGroup
	spec := &types.ClusterConfigSpecEx{
		RulesSpec: []types.ClusterRuleSpec{{
			ArrayUpdateSpec: types.ArrayUpdateSpec{Operation: types.ArrayUpdateOperationEdit},
			Info:            info,
		}},
	}

	v.logger.Info("retargeting DRS rule",
		zap.String("rule", rule),
		zap.String("hostGroup", hostGroup))

	return v.reconfigure(ctx, cluster, spec)
}

// ListAutomationOverrides returns VMs pinned to a non-default DRS automation
// level. Any entry in the cluster's per-VM DRS config is an override.
func (v *VCenter) ListAutomationOverrides(ctx context.Context, cluster Ref) (map[Ref]string, error) {
	_, cfg, err := v.clusterConfig(ctx, cluster)
	if err != nil {
		return nil, err
	}

	overrides := make(map[Ref]string)
	if cfg == nil {
		return overrides, nil
	}
	for _, vmCfg := range cfg.DrsVmConfig {
		level := string(vmCfg.Behavior)
		if level == "" && vmCfg.Enabled != nil && !*vmCfg.Enabled {
			level = "disabled"
		}
		overrides[Ref(vmCfg.Key.Value)] = level
	}
	return overrides, nil
}

// ClearAutomationOverride removes the per-VM DRS config entry so the VM
// follows the cluster default again.
func (v *VCenter) ClearAutomationOverride(ctx context.Context, cluster Ref, vm Ref) error {
	spec := &types.ClusterConfigSpecEx{
		DrsVmConfigSpec: []types.ClusterDrsVmConfigSpec{{
			ArrayUpdateSpec: types.ArrayUpdateSpec{
				Operation: types.ArrayUpdateOperationRemove,
				RemoveKey: types.ManagedObjectReference{Type: "VirtualMachine", Value: string(vm)},
			},
		}},
	}
	return v.reconfigure(ctx, cluster, spec)
}

// RelocateVM cold-migrates a VM to the given host
func (v *VCenter) RelocateVM(ctx context.Context, vm Ref, host Ref) error {
	vmo := object.NewVirtualMachine(v.client.Client,
		types.ManagedObjectReference{Type: "VirtualMachine", Value: string(vm)})
	hostRef := types.ManagedObjectReference{Type: "HostSystem", Value: string(host)}

	task, err := vmo.Relocate(ctx,
		types.VirtualMachineRelocateSpec{Host: &hostRef},
		types.VirtualMachineMovePriorityDefaultPriority)
	if err != nil {
		return fmt.Errorf("vcenter: relocate vm %s: %w", vm, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("vcenter: relocate vm %s: %w", vm, err)
	}
	return nil
}

// PowerOffVM hard powers off a VM
func (v *VCenter) PowerOffVM(ctx context.Context, vm Ref) error {
	vmo := object.NewVirtualMachine(v.client.Client,
		types.ManagedObjectReference{Type: "VirtualMachine", Value: string(vm)})

	task, err := vmo.PowerOff(ctx)
	if err != nil {
		return fmt.Errorf("vcenter: power off vm %s: %w", vm, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("vcenter: power off vm %s: %w", vm, err)
	}
	return nil
}

// ShutdownGuest asks the guest OS to shut down; completion is not tracked by
// vCenter, callers wait and re-check power state themselves.
func (v *VCenter) ShutdownGuest(ctx context.Context, vm Ref) error {
	vmo := object.NewVirtualMachine(v.client.Client,
		types.ManagedObjectReference{Type: "VirtualMachine", Value: string(vm)})
	if err := vmo.ShutdownGuest(ctx); err != nil {
		return fmt.Errorf("vcenter: shutdown guest %s: %w", vm, err)
	}
	return nil
}

// EnterMaintenance places a host into maintenance mode and waits for the task
func (v *VCenter) EnterMaintenance(ctx context.Context, host Ref) error {
	hso := object.NewHostSystem(v.client.Client,
		types.ManagedObjectReference{Type: "HostSystem", Value: string(host)})

	task, err := hso.EnterMaintenanceMode(ctx, 0, false, nil)
	if err != nil {
		return fmt.Errorf("vcenter: enter maintenance on host %s: %w", host, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("vcenter: enter maintenance on host %s: %w", host, err)
	}
	return nil
}

// ShutdownHost powers off a host (forced; the host is in maintenance by the
// time the sequencer calls this).
func (v *VCenter) ShutdownHost(ctx context.Context, host Ref) error {
	ref := types.ManagedObjectReference{Type: "HostSystem", Value: string(host)}

	res, err := methods.ShutdownHost_Task(ctx, v.client.Client, &types.ShutdownHost_Task{
		This:  ref,
		Force: true,
	})
	if err != nil {
		return fmt.Errorf("vcenter: shut down host %s: %w", host, err)
	}
	if err := object.NewTask(v.client.Client, res.Returnval).Wait(ctx); err != nil {
		return fmt.Errorf("vcenter: shut down host %s: %w", host, err)
	}
	return nil
}
