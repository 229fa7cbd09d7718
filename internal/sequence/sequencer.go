// internal/sequence/sequencer.go
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/stonefell/metroctl/internal/compute"
	"github.com/stonefell/metroctl/internal/shell"
	"go.uber.org/zap"
)

// Action selects the post-failover host phase
type Action string

const (
	ActionNone        Action = ""
	ActionMaintenance Action = "maintenance"
	ActionShutdown    Action = "shutdown"
)

// Valid reports whether the action is one the sequencer understands
func (a Action) Valid() bool {
	switch a {
	case ActionNone, ActionMaintenance, ActionShutdown:
		return true
	}
	return false
}

// ClusterStopCommand is the exact command issued to one controller VM. It is
// fire-and-forget: the gateway offers no completion signal for a cluster
// stop, so the sequencer logs it as unverified and moves on.
const ClusterStopCommand = "source /etc/profile > /dev/null 2>&1; echo y | cluster stop"

// forcePowerOffGrace is the extra wait after the shutdown timer before
// stragglers are hard powered off.
const forcePowerOffGrace = 60 * time.Second

// Plan scopes one maintenance/shutdown pass to the evacuated side
type Plan struct {
	LocalHosts []compute.HostFacts

	// CVMAddress is the controller node receiving the cluster-stop command.
	CVMAddress string

	// ShutdownUvms allows the preflight to shut down leftover guest VMs
	// instead of failing.
	ShutdownUvms bool

	// RestartIPs are printed after a full shutdown so the operator can bring
	// the site back (IPMI, host and CVM addresses).
	RestartIPs []string
}

// Sequencer powers the evacuated side down: guests, storage cluster,
// controller VMs, then the hosts themselves.
type Sequencer struct {
	mgr     compute.Manager
	shell   shell.Runner
	timer   time.Duration
	cvmWait time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
}

// Option configures a Sequencer
type Option func(*Sequencer)

// WithShutdownTimer sets how long guests get to stop cleanly
func WithShutdownTimer(d time.Duration) Option {
	return func(s *Sequencer) {
		s.timer = d
	}
}

// WithCVMWait sets the fixed wait after controller-VM shutdown
func WithCVMWait(d time.Duration) Option {
	return func(s *Sequencer) {
		s.cvmWait = d
	}
}

// WithSleeper replaces the blocking sleep (tests)
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sequencer) {
		s.sleep = sleep
	}
}

// WithLogger attaches a logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// New creates a sequencer over the compute manager and one controller shell
func New(mgr compute.Manager, sh shell.Runner, opts ...Option) *Sequencer {
	s := &Sequencer{
		mgr:     mgr,
		shell:   sh,
		timer:   300 * time.Second,
		cvmWait: 180 * time.Second,
		sleep:   sleepContext,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the post-failover phase. Every step failure is fatal; there is
// no automatic rollback out of maintenance mode.
func (s *Sequencer) Run(ctx context.Context, action Action, plan Plan) error {
	if action == ActionNone {
		return nil
	}
	if !action.Valid() {
		return fmt.Errorf("sequence: unknown action %q", action)
	}

	hostRefs := make([]compute.Ref, 0, len(plan.LocalHosts))
	for _, h := range plan.LocalHosts {
		hostRefs = append(hostRefs, h.Ref)
	}

	cvms, err := s.clearGuests(ctx, hostRefs, plan.ShutdownUvms)
	if err != nil {
		return err
	}

	if err := s.stopStorageCluster(ctx); err != nil {
		return err
	}

	if err := s.shutdownControllers(ctx, cvms); err != nil {
		return err
	}

	for _, h := range plan.LocalHosts {
		s.logger.Info("entering maintenance mode", zap.String("host", h.Name))
		if err := s.mgr.EnterMaintenance(ctx, h.Ref); err != nil {
			return fmt.Errorf("maintenance mode on %s: %w", h.Name, err)
		}
	}

	if action == ActionShutdown {
		for _, h := range plan.LocalHosts {
			s.logger.Info("powering off host", zap.String("host", h.Name))
			if err := s.mgr.ShutdownHost(ctx, h.Ref); err != nil {
				return fmt.Errorf("power off %s: %w", h.Name, err)
			}
		}
	}

	return nil
}

// clearGuests verifies no guest VM is still running on the local hosts,
// optionally shutting them down first, and returns the controller VMs found.
func (s *Sequencer) clearGuests(ctx context.Context, hosts []compute.Ref, shutdownUvms bool) ([]compute.VMFacts, error) {
	vms, err := s.mgr.VMsOnHosts(ctx, hosts)
	if err != nil {
		return nil, fmt.Errorf("list VMs on local hosts: %w", err)
	}

	var cvms []compute.VMFacts
	var guests []compute.VMFacts
	for _, vm := range vms {
		switch {
		case compute.IsControllerVM(vm.Name):
			cvms = append(cvms, vm)
		case vm.Power == compute.PoweredOn:
			guests = append(guests, vm)
		}
	}

	if len(guests) == 0 {
		return cvms, nil
	}
	if !shutdownUvms {
		return nil, fmt.Errorf("sequence: %d guest VM(s) still powered on local hosts (first: %s); re-run with -shutdownUvms or move them",
			len(guests), guests[0].Name)
	}

	for _, vm := range guests {
		s.logger.Info("shutting down guest", zap.String("vm", vm.Name))
		if err := s.mgr.ShutdownGuest(ctx, vm.Ref); err != nil {
			return nil, fmt.Errorf("shut down guest %s: %w", vm.Name, err)
		}
	}

	s.logger.Info("waiting for guests to stop", zap.Duration("timer", s.timer))
	if err := s.sleep(ctx, s.timer); err != nil {
		return nil, err
	}

	remaining, err := s.poweredOnGuests(ctx, hosts)
	if err != nil {
		return nil, err
	}
	if len(remaining) > 0 {
		s.logger.Warn("guests still running after timer; forcing power off shortly",
			zap.Int("count", len(remaining)),
			zap.Duration("grace", forcePowerOffGrace))
		if err := s.sleep(ctx, forcePowerOffGrace); err != nil {
			return nil, err
		}
		remaining, err = s.poweredOnGuests(ctx, hosts)
		if err != nil {
			return nil, err
		}
		for _, vm := range remaining {
			s.logger.Warn("forcing power off", zap.String("vm", vm.Name))
			if err := s.mgr.PowerOffVM(ctx, vm.Ref); err != nil {
				return nil, fmt.Errorf("force power off %s: %w", vm.Name, err)
			}
		}
	}

	return cvms, nil
}

func (s *Sequencer) poweredOnGuests(ctx context.Context, hosts []compute.Ref) ([]compute.VMFacts, error) {
	vms, err := s.mgr.VMsOnHosts(ctx, hosts)
	if err != nil {
		return nil, fmt.Errorf("list VMs on local hosts: %w", err)
	}
	var out []compute.VMFacts
	for _, vm := range vms {
		if !compute.IsControllerVM(vm.Name) && vm.Power == compute.PoweredOn {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (s *Sequencer) stopStorageCluster(ctx context.Context) error {
	s.logger.Info("stopping storage cluster (completion is not verified)")
	stdout, stderr, err := s.shell.Run(ctx, ClusterStopCommand)
	if err != nil {
		return fmt.Errorf("cluster stop: %w", err)
	}
	s.logger.Debug("cluster stop issued",
		zap.String("stdout", stdout),
		zap.String("stderr", stderr))
	return nil
}

func (s *Sequencer) shutdownControllers(ctx context.Context, cvms []compute.VMFacts) error {
	for _, vm := range cvms {
		if vm.Power != compute.PoweredOn {
			continue
		}
		s.logger.Info("shutting down controller VM", zap.String("vm", vm.Name))
		if err := s.mgr.ShutdownGuest(ctx, vm.Ref); err != nil {
			return fmt.Errorf("shut down controller VM %s: %w", vm.Name, err)
		}
	}

	// No completion signal exists for controller shutdown either; a fixed
	// wait is all the control plane affords.
	s.logger.Info("waiting for controller VMs to stop", zap.Duration("wait", s.cvmWait))
	return s.sleep(ctx, s.cvmWait)
}
