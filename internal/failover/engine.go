// internal/failover/engine.go
package failover

import (
	"context"
	"fmt"

	"github.com/stonefell/metroctl/internal/prism"
	"github.com/stonefell/metroctl/internal/wait"
	"go.uber.org/zap"
)

// State of one protection domain inside the planned-failover sequence
type State int

const (
	StateActiveLocal State = iota
	StatePromotePending
	StateActiveRemote
	StateDisablePending
	StateDisabledLocal
	StateReEnablePending
	StateEnabledRemote
)

func (s State) String() string {
	switch s {
	case StateActiveLocal:
		return "active-local"
	case StatePromotePending:
		return "promote-pending"
	case StateActiveRemote:
		return "active-remote"
	case StateDisablePending:
		return "disable-pending"
	case StateDisabledLocal:
		return "disabled-local"
	case StateReEnablePending:
		return "re-enable-pending"
	case StateEnabledRemote:
		return "enabled-remote"
	default:
		return "unknown"
	}
}

// Engine drives protection domains through promote, disable and re-enable,
// strictly sequentially: the evacuation pass runs once for all domains, so
// there is nothing to win by promoting in parallel, and ordering failures are
// much easier to reason about one domain at a time.
type Engine struct {
	local  prism.API
	remote prism.API
	poller *wait.Poller
	logger *zap.Logger
}

// New creates an engine operating between the local cluster and the remote
// cluster taking over.
func New(local, remote prism.API, poller *wait.Poller, logger *zap.Logger) *Engine {
	if poller == nil {
		poller = wait.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{local: local, remote: remote, poller: poller, logger: logger}
}

// Run fails over every domain in order. Any control-plane error aborts the
// whole run immediately; the operator resumes with skipfailover or
// reEnableOnly after inspecting state. No rollback is attempted.
func (e *Engine) Run(ctx context.Context, domains []prism.ProtectionDomain) error {
	for _, pd := range domains {
		if err := e.failOver(ctx, pd); err != nil {
			return fmt.Errorf("fail over %s: %w", pd.Name, err)
		}
	}
	return nil
}

func (e *Engine) failOver(ctx context.Context, pd prism.ProtectionDomain) error {
	log := e.logger.With(zap.String("domain", pd.Name))

	// ActiveLocal -> PromotePending: the remote side promotes its standby
	// replica.
	state := StatePromotePending
	log.Info("promoting on remote site", zap.Stringer("state", state))
	task, err := e.remote.PromoteProtectionDomain(ctx, pd.Name)
	if err != nil {
		return fmt.Errorf("promote on %s: %w", e.remote.Endpoint(), err)
	}
	if err := e.waitTask(ctx, e.remote, task); err != nil {
		return fmt.Errorf("promote task: %w", err)
	}
	if err := e.awaitMetro(ctx, e.remote, pd.Name, "role", prism.RoleActive); err != nil {
		return err
	}
	state = StateActiveRemote
	log.Info("remote replica is active", zap.Stringer("state", state))

	// Witness-arbitrated domains self-resolve split-brain; only the others
	// need the explicit disable before re-enabling replication.
	if !pd.Witness() {
		state = StateDisablePending
		log.Info("disabling metro on local site", zap.Stringer("state", state))
		task, err := e.local.DisableMetro(ctx, pd.Name)
		if err != nil {
			return fmt.Errorf("disable on %s: %w", e.local.Endpoint(), err)
		}
		if err := e.waitTask(ctx, e.local, task); err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		if err := e.awaitMetro(ctx, e.local, pd.Name, "status", prism.StatusDisabled); err != nil {
			return err
		}
		state = StateDisabledLocal
		log.Info("local replica is disabled", zap.Stringer("state", state))
	}

	// Re-enable is issued where the promote happened: the remote side now
	// owns the active replica and pulls the local one back in as standby.
	state = StateReEnablePending
	log.Info("re-enabling metro on remote site", zap.Stringer("state", state))
	task, err = e.remote.EnableMetro(ctx, pd.Name)
	if err != nil {
		return fmt.Errorf("re-enable on %s: %w", e.remote.Endpoint(), err)
	}
	if err := e.waitTask(ctx, e.remote, task); err != nil {
		return fmt.Errorf("re-enable task: %w", err)
	}
	if err := e.awaitMetro(ctx, e.remote, pd.Name, "status", prism.StatusEnabled); err != nil {
		return err
	}
	state = StateEnabledRemote
	log.Info("failover complete", zap.Stringer("state", state))
	return nil
}

// ReEnableOnly re-enables replication for domains that never failed over:
// the local side still owns the active replica, so re-enable is issued
// locally. Domains not exactly Active+Disabled are skipped with a warning;
// they may already have converged or be decoupled on purpose.
func (e *Engine) ReEnableOnly(ctx context.Context, domains []prism.ProtectionDomain) error {
	for _, pd := range domains {
		log := e.logger.With(zap.String("domain", pd.Name))

		if !pd.IsMetro() || !pd.Active || pd.MetroAvail.Status != prism.StatusDisabled {
			log.Warn("skipping domain: not active with metro disabled on this cluster")
			continue
		}

		log.Info("re-enabling metro on local site")
		task, err := e.local.EnableMetro(ctx, pd.Name)
		if err != nil {
			return fmt.Errorf("re-enable %s on %s: %w", pd.Name, e.local.Endpoint(), err)
		}
		if err := e.waitTask(ctx, e.local, task); err != nil {
			return fmt.Errorf("re-enable task for %s: %w", pd.Name, err)
		}
		if err := e.awaitMetro(ctx, e.local, pd.Name, "status", prism.StatusEnabled); err != nil {
			return err
		}
		log.Info("replication re-enabled")
	}
	return nil
}

// awaitMetro polls a site's protection-domain list until the named domain's
// metro field reaches want. A domain already converged terminates on the
// first observation, which is what makes re-running a completed phase safe.
func (e *Engine) awaitMetro(ctx context.Context, site prism.API, name, field, want string) error {
	desc := fmt.Sprintf("protection domain %s %s=%s on %s", name, field, want, site.Endpoint())
	return e.poller.Until(ctx, desc, func(ctx context.Context) (bool, error) {
		pds, err := site.GetProtectionDomains(ctx)
		if err != nil {
			return false, err
		}
		for _, pd := range pds {
			if pd.Name != name || pd.MetroAvail == nil {
				continue
			}
			switch field {
			case "role":
				return pd.MetroAvail.Role == want, nil
			case "status":
				return pd.MetroAvail.Status == want, nil
			}
		}
		// Not listed yet; keep polling, the control plane may still be
		// materializing the change.
		return false, nil
	})
}

// waitTask polls an asynchronous task to a terminal status. Gateways return
// an empty uuid for synchronous operations; that is not an error.
func (e *Engine) waitTask(ctx context.Context, site prism.API, uuid string) error {
	if uuid == "" {
		return nil
	}
	var last prism.Task
	err := e.poller.Until(ctx, fmt.Sprintf("task %s on %s", uuid, site.Endpoint()),
		func(ctx context.Context) (bool, error) {
			t, err := site.GetTask(ctx, uuid)
			if err != nil {
				return false, err
			}
			last = t
			return t.Done(), nil
		})
	if err != nil {
		return err
	}
	if last.ProgressStatus != prism.TaskSucceeded {
		return fmt.Errorf("task %s finished %s", uuid, last.ProgressStatus)
	}
	return nil
}
