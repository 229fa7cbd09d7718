// internal/sequence/sequencer_test.go
package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stonefell/metroctl/internal/compute"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeShell records every command it is asked to run
type fakeShell struct {
	mu       sync.Mutex
	Commands []string
	Err      error
}

func (f *fakeShell) Run(_ context.Context, cmd string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", "", f.Err
	}
	f.Commands = append(f.Commands, cmd)
	return "ok", "", nil
}

// sleepRecorder skips real waiting but keeps the requested durations, and can
// run a hook per call to advance the simulated inventory mid-wait.
type sleepRecorder struct {
	slept  []time.Duration
	onCall func(n int)
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	if r.onCall != nil {
		r.onCall(len(r.slept))
	}
	return nil
}

func testFixture() (*compute.Fake, *fakeShell, Plan) {
	f := compute.NewFake()
	hosts := []compute.HostFacts{
		{Ref: "host-e1", Name: "esx-e1"},
		{Ref: "host-e2", Name: "esx-e2"},
	}
	for _, h := range hosts {
		f.AddHost(h)
	}
	f.AddVM(compute.VMFacts{Ref: "vm-cvm1", Name: "NTNX-e1-CVM", Host: "host-e1", Power: compute.PoweredOn})
	f.AddVM(compute.VMFacts{Ref: "vm-cvm2", Name: "NTNX-e2-CVM", Host: "host-e2", Power: compute.PoweredOn})

	sh := &fakeShell{}
	plan := Plan{
		LocalHosts: hosts,
		CVMAddress: "10.1.0.11",
		RestartIPs: []string{"10.1.0.1", "10.1.0.2"},
	}
	return f, sh, plan
}

func TestAction_Valid(t *testing.T) {
	assert.True(t, ActionNone.Valid())
	assert.True(t, ActionMaintenance.Valid())
	assert.True(t, ActionShutdown.Valid())
	assert.False(t, Action("reboot").Valid())
}

func TestSequencer_Run(t *testing.T) {
	t.Run("no action is a no-op", func(t *testing.T) {
		f, sh, plan := testFixture()
		s := New(f, sh)

		require.NoError(t, s.Run(context.Background(), ActionNone, plan))
		assert.Empty(t, sh.Commands)
		assert.Empty(t, f.MaintainedHosts)
	})

	t.Run("unknown action is rejected", func(t *testing.T) {
		f, sh, plan := testFixture()
		s := New(f, sh)

		err := s.Run(context.Background(), Action("reboot"), plan)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown action")
	})

	t.Run("maintenance stops the cluster, CVMs, then enters maintenance", func(t *testing.T) {
		f, sh, plan := testFixture()
		rec := &sleepRecorder{}
		s := New(f, sh, WithSleeper(rec.sleep))

		require.NoError(t, s.Run(context.Background(), ActionMaintenance, plan))

		assert.Equal(t, []string{ClusterStopCommand}, sh.Commands)
		assert.ElementsMatch(t, []compute.Ref{"vm-cvm1", "vm-cvm2"}, f.GuestShutdowns)
		assert.Equal(t, []time.Duration{180 * time.Second}, rec.slept,
			"only the fixed controller-VM wait; no guest timer without guests")
		assert.ElementsMatch(t, []compute.Ref{"host-e1", "host-e2"}, f.MaintainedHosts)
		assert.Empty(t, f.ShutdownHosts, "maintenance never powers hosts off")
	})

	t.Run("shutdown additionally powers off every host", func(t *testing.T) {
		f, sh, plan := testFixture()
		rec := &sleepRecorder{}
		s := New(f, sh, WithSleeper(rec.sleep))

		require.NoError(t, s.Run(context.Background(), ActionShutdown, plan))
		assert.ElementsMatch(t, []compute.Ref{"host-e1", "host-e2"}, f.MaintainedHosts)
		assert.ElementsMatch(t, []compute.Ref{"host-e1", "host-e2"}, f.ShutdownHosts)
	})

	t.Run("powered-on guest without -shutdownUvms is fatal", func(t *testing.T) {
		f, sh, plan := testFixture()
		f.AddVM(compute.VMFacts{Ref: "vm-1", Name: "app1", Host: "host-e1", Power: compute.PoweredOn})
		s := New(f, sh)

		err := s.Run(context.Background(), ActionMaintenance, plan)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "app1")
		assert.Empty(t, sh.Commands, "cluster must not stop with guests running")
	})

	t.Run("powered-off guests do not block", func(t *testing.T) {
		f, sh, plan := testFixture()
		f.AddVM(compute.VMFacts{Ref: "vm-1", Name: "parked", Host: "host-e1", Power: compute.PoweredOff})
		s := New(f, sh, WithSleeper((&sleepRecorder{}).sleep))

		require.NoError(t, s.Run(context.Background(), ActionMaintenance, plan))
		assert.NotContains(t, f.GuestShutdowns, compute.Ref("vm-1"))
	})

	t.Run("shutdownUvms shuts guests down and waits the timer", func(t *testing.T) {
		f, sh, plan := testFixture()
		plan.ShutdownUvms = true
		f.AddVM(compute.VMFacts{Ref: "vm-1", Name: "app1", Host: "host-e1", Power: compute.PoweredOn})

		rec := &sleepRecorder{}
		rec.onCall = func(n int) {
			if n == 1 { // guest obeys during the timer window
				v := f.VMs["vm-1"]
				v.Power = compute.PoweredOff
			}
		}
		s := New(f, sh, WithSleeper(rec.sleep), WithShutdownTimer(45*time.Second))

		require.NoError(t, s.Run(context.Background(), ActionMaintenance, plan))

		assert.Contains(t, f.GuestShutdowns, compute.Ref("vm-1"))
		assert.Empty(t, f.PoweredOffVMs, "cooperative guest is never force powered off")
		require.Len(t, rec.slept, 2)
		assert.Equal(t, 45*time.Second, rec.slept[0], "guest timer")
		assert.Equal(t, 180*time.Second, rec.slept[1], "controller-VM wait")
	})

	t.Run("stragglers get the grace period then a hard power off", func(t *testing.T) {
		f, sh, plan := testFixture()
		plan.ShutdownUvms = true
		f.AddVM(compute.VMFacts{Ref: "vm-1", Name: "stuck", Host: "host-e1", Power: compute.PoweredOn})

		rec := &sleepRecorder{}
		s := New(f, sh, WithSleeper(rec.sleep), WithShutdownTimer(45*time.Second))

		require.NoError(t, s.Run(context.Background(), ActionMaintenance, plan))

		assert.Equal(t, []compute.Ref{"vm-1"}, f.PoweredOffVMs)
		require.Len(t, rec.slept, 3)
		assert.Equal(t, 45*time.Second, rec.slept[0], "guest timer")
		assert.Equal(t, 60*time.Second, rec.slept[1], "grace before forcing")
		assert.Equal(t, 180*time.Second, rec.slept[2], "controller-VM wait")
	})

	t.Run("cluster stop failure is fatal before CVM shutdown", func(t *testing.T) {
		f, sh, plan := testFixture()
		sh.Err = errors.New("connection reset")
		s := New(f, sh, WithSleeper((&sleepRecorder{}).sleep))

		err := s.Run(context.Background(), ActionMaintenance, plan)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cluster stop")
		assert.Empty(t, f.GuestShutdowns, "CVMs stay up if the cluster did not stop")
	})

	t.Run("maintenance failure is fatal", func(t *testing.T) {
		f, sh, plan := testFixture()
		f.MaintenanceErr = errors.New("vmotion in progress")
		s := New(f, sh, WithSleeper((&sleepRecorder{}).sleep))

		err := s.Run(context.Background(), ActionMaintenance, plan)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maintenance mode")
		assert.Empty(t, f.ShutdownHosts)
	})
}
