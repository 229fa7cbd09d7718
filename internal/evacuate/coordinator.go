// internal/evacuate/coordinator.go
package evacuate

import (
	"context"
	"fmt"

	"github.com/stonefell/metroctl/internal/compute"
	"github.com/stonefell/metroctl/internal/wait"
	"go.uber.org/zap"
)

// Metro DRS object naming convention. The rule and groups are provisioned
// when the metro pair is built; the orchestrator only retargets them.
func RuleName(container string) string { return "DRS_Rule_MA_" + container }

func VMGroupName(container string) string { return "DRS_VM_MA_" + container }

func HostGroupName(remoteCluster string) string { return "DRS_HG_MA_" + remoteCluster }

// Decision is asked before resetting a VM's DRS automation override to the
// cluster default. Injectable so the poll loop is testable without a
// terminal: AutoApprove for -resetOverrides, AutoDeny for unattended refusal,
// or a prompt wired to stdin.
type Decision func(vm compute.VMFacts, level string) bool

// AutoApprove always clears overrides
func AutoApprove(compute.VMFacts, string) bool { return true }

// AutoDeny never clears overrides; the VM stays flagged until an operator
// acts out-of-band.
func AutoDeny(compute.VMFacts, string) bool { return false }

// Plan scopes one evacuation pass
type Plan struct {
	Containers        []string
	RemoteClusterName string
	Cluster           compute.Ref
	LocalHosts        []compute.HostFacts
	RemoteHosts       []compute.HostFacts
}

func (p Plan) localSet() map[compute.Ref]struct{} {
	set := make(map[compute.Ref]struct{}, len(p.LocalHosts))
	for _, h := range p.LocalHosts {
		set[h.Ref] = struct{}{}
	}
	return set
}

func (p Plan) remoteSet() map[compute.Ref]struct{} {
	set := make(map[compute.Ref]struct{}, len(p.RemoteHosts))
	for _, h := range p.RemoteHosts {
		set[h.Ref] = struct{}{}
	}
	return set
}

// Report summarizes what one evacuation pass did and what it left for the
// operator.
type Report struct {
	// Relocated are powered-off VMs the coordinator cold-moved itself.
	Relocated []string

	// OverridesCleared are VMs whose DRS automation override was reset.
	OverridesCleared []string

	// Flagged are VMs needing manual intervention: members of a foreign
	// compute cluster with a disk on the shared datastore, or override VMs
	// the decision callback declined to touch. Names may repeat across poll
	// iterations; the slice keeps first occurrence only.
	Flagged []string

	flagged map[string]struct{}
}

func (r *Report) flag(name string) {
	if r.flagged == nil {
		r.flagged = make(map[string]struct{})
	}
	if _, ok := r.flagged[name]; ok {
		return
	}
	r.flagged[name] = struct{}{}
	r.Flagged = append(r.Flagged, name)
}

// Coordinator empties the local half of each metro datastore by retargeting
// the DRS host rule and waiting for DRS to move the running VMs.
type Coordinator struct {
	mgr    compute.Manager
	poller *wait.Poller
	decide Decision
	logger *zap.Logger
}

// New creates a coordinator; decide defaults to AutoDeny (never touch an
// override without being told to).
func New(mgr compute.Manager, poller *wait.Poller, decide Decision, logger *zap.Logger) *Coordinator {
	if poller == nil {
		poller = wait.New()
	}
	if decide == nil {
		decide = AutoDeny
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{mgr: mgr, poller: poller, decide: decide, logger: logger}
}

// Evacuate clears every container in the plan, one at a time. It returns once
// no VM backed by any container is scheduled on a local host; failover must
// not start before that.
func (c *Coordinator) Evacuate(ctx context.Context, plan Plan) (*Report, error) {
	report := &Report{}
	if len(plan.RemoteHosts) == 0 {
		return report, fmt.Errorf("evacuate: no remote hosts to receive VMs")
	}
	target := HostGroupName(plan.RemoteClusterName)

	for _, container := range plan.Containers {
		if err := c.retargetRule(ctx, plan, container, target); err != nil {
			return report, err
		}
		if err := c.drainContainer(ctx, plan, container, report); err != nil {
			return report, err
		}
		c.logger.Info("container evacuated", zap.String("container", container))
	}
	return report, nil
}

func (c *Coordinator) retargetRule(ctx context.Context, plan Plan, container, target string) error {
	rule, err := c.mgr.FindHostRule(ctx, plan.Cluster, RuleName(container))
	if err != nil {
		return fmt.Errorf("container %s: %w", container, err)
	}

	if rule.HostGroup == target {
		c.logger.Info("DRS rule already targets the remote host group",
			zap.String("rule", rule.Name))
		return nil
	}

	c.logger.Info("retargeting DRS rule",
		zap.String("rule", rule.Name),
		zap.String("from", rule.HostGroup),
		zap.String("to", target))

	if err := c.mgr.RetargetHostRule(ctx, plan.Cluster, rule.Name, target); err != nil {
		return fmt.Errorf("retarget rule %s: %w", rule.Name, err)
	}
	return nil
}

func (c *Coordinator) drainContainer(ctx context.Context, plan Plan, container string, report *Report) error {
	local := plan.localSet()
	remote := plan.remoteSet()

	desc := fmt.Sprintf("datastore %s clear of local hosts", container)
	return c.poller.Until(ctx, desc, func(ctx context.Context) (bool, error) {
		overrides, err := c.mgr.ListAutomationOverrides(ctx, plan.Cluster)
		if err != nil {
			return false, fmt.Errorf("list DRS overrides: %w", err)
		}

		vms, err := c.mgr.VMsOnDatastore(ctx, container)
		if err != nil {
			return false, fmt.Errorf("list VMs on %s: %w", container, err)
		}

		pending := 0
		for _, vm := range vms {
			if _, ok := remote[vm.Host]; ok {
				continue // already where it should be
			}
			if _, ok := local[vm.Host]; !ok {
				// A VM from another compute cluster keeps a disk on the
				// shared datastore (backup proxies do this). Not ours to
				// move, and it does not pin the datastore to local hosts.
				report.flag(vm.Name)
				c.logger.Warn("VM outside the metro cluster uses this datastore; fix manually",
					zap.String("vm", vm.Name),
					zap.String("container", container))
				continue
			}

			if vm.Power == compute.PoweredOff {
				// DRS ignores powered-off VMs; move it ourselves.
				host := plan.RemoteHosts[0].Ref
				if err := c.mgr.RelocateVM(ctx, vm.Ref, host); err != nil {
					return false, fmt.Errorf("relocate %s: %w", vm.Name, err)
				}
				report.Relocated = append(report.Relocated, vm.Name)
				c.logger.Info("relocated powered-off VM",
					zap.String("vm", vm.Name),
					zap.String("host", string(host)))
				continue
			}

			pending++
			if level, ok := overrides[vm.Ref]; ok {
				if c.decide(vm, level) {
					if err := c.mgr.ClearAutomationOverride(ctx, plan.Cluster, vm.Ref); err != nil {
						return false, fmt.Errorf("clear DRS override on %s: %w", vm.Name, err)
					}
					report.OverridesCleared = append(report.OverridesCleared, vm.Name)
					c.logger.Info("reset DRS automation override",
						zap.String("vm", vm.Name),
						zap.String("level", level))
				} else {
					report.flag(vm.Name)
					c.logger.Warn("DRS override blocks automatic migration",
						zap.String("vm", vm.Name),
						zap.String("level", level))
				}
			}
		}

		if pending > 0 {
			c.logger.Info("waiting for DRS to drain local hosts",
				zap.String("container", container),
				zap.Int("pending", pending))
		}
		return pending == 0, nil
	})
}
