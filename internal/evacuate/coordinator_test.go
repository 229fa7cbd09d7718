// internal/evacuate/coordinator_test.go
package evacuate

import (
	"context"
	"testing"
	"time"

	"github.com/stonefell/metroctl/internal/compute"
	"github.com/stonefell/metroctl/internal/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoller() *wait.Poller {
	return wait.New(wait.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
}

func testPlan() Plan {
	return Plan{
		Containers:        []string{"ctr1"},
		RemoteClusterName: "ntnx-west",
		Cluster:           "domain-c1",
		LocalHosts: []compute.HostFacts{
			{Ref: "host-e1", Name: "esx-e1"},
			{Ref: "host-e2", Name: "esx-e2"},
		},
		RemoteHosts: []compute.HostFacts{
			{Ref: "host-w1", Name: "esx-w1"},
			{Ref: "host-w2", Name: "esx-w2"},
		},
	}
}

func newFakeWithRule() *compute.Fake {
	f := compute.NewFake()
	f.AddRule("domain-c1", compute.HostRule{
		Key: 1, Name: RuleName("ctr1"), Enabled: true,
		VMGroup:   VMGroupName("ctr1"),
		HostGroup: HostGroupName("ntnx-east"),
	})
	return f
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "DRS_Rule_MA_ctr1", RuleName("ctr1"))
	assert.Equal(t, "DRS_VM_MA_ctr1", VMGroupName("ctr1"))
	assert.Equal(t, "DRS_HG_MA_ntnx-west", HostGroupName("ntnx-west"))
}

func TestCoordinator_Evacuate(t *testing.T) {
	t.Run("missing DRS rule is fatal", func(t *testing.T) {
		f := compute.NewFake() // no rule provisioned
		c := New(f, testPoller(), nil, nil)

		_, err := c.Evacuate(context.Background(), testPlan())
		require.Error(t, err)
		assert.ErrorIs(t, err, compute.ErrRuleNotFound)
	})

	t.Run("retargets the rule to the remote host group", func(t *testing.T) {
		f := newFakeWithRule()
		c := New(f, testPoller(), nil, nil)

		_, err := c.Evacuate(context.Background(), testPlan())
		require.NoError(t, err)
		assert.Equal(t, HostGroupName("ntnx-west"), f.RuleTargets[RuleName("ctr1")])
	})

	t.Run("waits until DRS drains every local VM", func(t *testing.T) {
		f := newFakeWithRule()
		f.AddVM(compute.VMFacts{Ref: "vm-1", Name: "app1", Host: "host-e1", Power: compute.PoweredOn}, "ctr1")
		f.AddVM(compute.VMFacts{Ref: "vm-2", Name: "app2", Host: "host-e2", Power: compute.PoweredOn}, "ctr1")
		f.AddVM(compute.VMFacts{Ref: "vm-3", Name: "app3", Host: "host-w1", Power: compute.PoweredOn}, "ctr1")

		// DRS moves one VM per poll iteration.
		f.OnPoll = func(poll int) {
			switch poll {
			case 2:
				f.MoveVM("vm-1", "host-w1")
			case 3:
				f.MoveVM("vm-2", "host-w2")
			}
		}

		c := New(f, testPoller(), nil, nil)
		_, err := c.Evacuate(context.Background(), testPlan())
		require.NoError(t, err)
	})

	t.Run("cold-relocates powered-off VMs instead of waiting for DRS", func(t *testing.T) {
		f := newFakeWithRule()
		f.AddVM(compute.VMFacts{Ref: "vm-off", Name: "parked", Host: "host-e1", Power: compute.PoweredOff}, "ctr1")

		c := New(f, testPoller(), nil, nil)
		report, err := c.Evacuate(context.Background(), testPlan())
		require.NoError(t, err)

		assert.Equal(t, compute.Ref("host-w1"), f.RelocatedTo["vm-off"])
		assert.Equal(t, []string{"parked"}, report.Relocated)
	})

	t.Run("foreign-cluster VM is flagged, not moved, and does not block", func(t *testing.T) {
		f := newFakeWithRule()
		f.AddVM(compute.VMFacts{Ref: "vm-proxy", Name: "backup-proxy", Host: "host-x", Power: compute.PoweredOn}, "ctr1")

		c := New(f, testPoller(), nil, nil)
		report, err := c.Evacuate(context.Background(), testPlan())
		require.NoError(t, err)

		assert.Equal(t, []string{"backup-proxy"}, report.Flagged)
		assert.Empty(t, f.RelocatedTo)
	})

	t.Run("override reset only happens when approved", func(t *testing.T) {
		f := newFakeWithRule()
		f.AddVM(compute.VMFacts{Ref: "vm-1", Name: "pinned", Host: "host-e1", Power: compute.PoweredOn}, "ctr1")
		f.SetOverride("domain-c1", "vm-1", "manual")

		// Once the override is gone DRS moves the VM.
		f.OnPoll = func(poll int) {
			overrides, _ := f.ListAutomationOverrides(context.Background(), "domain-c1")
			if _, pinned := overrides["vm-1"]; !pinned {
				f.MoveVM("vm-1", "host-w1")
			}
		}

		c := New(f, testPoller(), AutoApprove, nil)
		report, err := c.Evacuate(context.Background(), testPlan())
		require.NoError(t, err)

		assert.Equal(t, []compute.Ref{"vm-1"}, f.ClearedOverrides)
		assert.Contains(t, report.OverridesCleared, "pinned")
		assert.Empty(t, report.Flagged)
	})

	t.Run("denied override stays flagged across iterations", func(t *testing.T) {
		f := newFakeWithRule()
		f.AddVM(compute.VMFacts{Ref: "vm-1", Name: "pinned", Host: "host-e1", Power: compute.PoweredOn}, "ctr1")
		f.SetOverride("domain-c1", "vm-1", "manual")

		ctx, cancel := context.WithCancel(context.Background())
		const iterations = 5
		f.OnPoll = func(poll int) {
			if poll == iterations {
				cancel() // bound the otherwise unbounded wait
			}
		}

		asked := 0
		deny := func(vm compute.VMFacts, level string) bool {
			asked++
			assert.Equal(t, "pinned", vm.Name)
			assert.Equal(t, "manual", level)
			return false
		}

		c := New(f, testPoller(), deny, nil)
		report, err := c.Evacuate(ctx, testPlan())

		require.Error(t, err, "loop only ends via cancellation")
		assert.Equal(t, iterations, asked, "the decision is re-asked every iteration")
		assert.Empty(t, f.ClearedOverrides)
		assert.Equal(t, []string{"pinned"}, report.Flagged, "flagged once despite repeat polls")
	})

	t.Run("all containers must clear", func(t *testing.T) {
		f := newFakeWithRule()
		f.AddRule("domain-c1", compute.HostRule{
			Key: 2, Name: RuleName("ctr2"), Enabled: true,
			VMGroup: VMGroupName("ctr2"), HostGroup: HostGroupName("ntnx-east"),
		})
		f.AddVM(compute.VMFacts{Ref: "vm-a", Name: "a", Host: "host-e1", Power: compute.PoweredOff}, "ctr1")
		f.AddVM(compute.VMFacts{Ref: "vm-b", Name: "b", Host: "host-e2", Power: compute.PoweredOff}, "ctr2")

		plan := testPlan()
		plan.Containers = []string{"ctr1", "ctr2"}

		c := New(f, testPoller(), nil, nil)
		report, err := c.Evacuate(context.Background(), plan)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, report.Relocated)
	})
}
