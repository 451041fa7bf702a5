// Package controller routes network-interface lifecycle events to the proxy
// reconfiguration machinery. One event is processed per invocation, start to
// finish, with hook phases fired around the main action.
package controller

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"go.aporeto.io/tproxyctl/config"
	"go.aporeto.io/tproxyctl/controller/pkg/hooks"
	"go.aporeto.io/tproxyctl/policy"
)

// Action is a terminal routing state for an incoming event.
type Action int

const (
	// ActionUnknown is a usage error, never a runtime failure.
	ActionUnknown Action = iota
	// ActionBringUp installs redirection and starts the proxy.
	ActionBringUp
	// ActionTearDown stops the proxy and removes redirection.
	ActionTearDown
	// ActionVPNUp is an explicit no-op: tunnels bypass the proxy by design.
	ActionVPNUp
	// ActionVPNDown is an explicit no-op.
	ActionVPNDown
	// ActionFlush removes redirection without touching the proxy.
	ActionFlush
)

// Stage identifies which entrypoint this invocation represents.
type Stage int

const (
	// StageDefault runs the main action followed by the main hooks.
	StageDefault Stage = iota
	// StagePrepare runs only the prepare hooks.
	StagePrepare
	// StageFinalize runs only the finalize hooks.
	StageFinalize
)

// UsageError reports an unrecognized action. Callers exit non-zero on it.
type UsageError struct {
	Action string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("unrecognized action %q", e.Action)
}

// ChainManager is the firewall chain state machine the controller drives.
type ChainManager interface {
	Install(target config.ProxyTarget, forwardInterfaces []string, bypass policy.BypassSet) error
	ApplyRules(bypass policy.BypassSet, target config.ProxyTarget) error
	Reset(forwardInterfaces []string) error
	FlushRouteCache() error
}

// ExceptionResolver produces the current bypass set.
type ExceptionResolver interface {
	Resolve(ctx context.Context) (policy.BypassSet, error)
}

// ProxyDaemon is the proxy daemon lifecycle collaborator.
type ProxyDaemon interface {
	GenerateConfig() error
	Restart() error
	Stop() error
}

// Controller is the event router.
type Controller struct {
	cfg      *config.Config
	stage    Stage
	chains   ChainManager
	resolver ExceptionResolver
	daemon   ProxyDaemon
	registry *hooks.Registry
}

// New creates a controller over the given collaborators.
func New(cfg *config.Config, stage Stage, chains ChainManager, resolver ExceptionResolver, daemon ProxyDaemon, registry *hooks.Registry) *Controller {

	if registry == nil {
		registry = hooks.NewRegistry()
	}

	return &Controller{
		cfg:      cfg,
		stage:    stage,
		chains:   chains,
		resolver: resolver,
		daemon:   daemon,
		registry: registry,
	}
}

// ParseAction maps an action string to its routing state.
func ParseAction(action string) (Action, error) {

	switch action {
	case "up":
		return ActionBringUp, nil
	case "down":
		return ActionTearDown, nil
	case "vpn-up":
		return ActionVPNUp, nil
	case "vpn-down":
		return ActionVPNDown, nil
	case "flush":
		return ActionFlush, nil
	}

	return ActionUnknown, &UsageError{Action: action}
}

// Handle processes one (device, action) event. Events on devices outside the
// trigger set succeed silently without touching any state.
func (c *Controller) Handle(ctx context.Context, device, action string) error {

	act, err := ParseAction(action)
	if err != nil {
		return err
	}

	if !c.isTrigger(device) {
		zap.L().Debug("Device is not a triggering interface, ignoring event",
			zap.String("device", device),
			zap.String("action", action),
		)
		return nil
	}

	switch c.stage {
	case StagePrepare:
		c.registry.Run(hooks.PhasePrepare, device, action)
		return nil
	case StageFinalize:
		c.registry.Run(hooks.PhaseFinalize, device, action)
		return nil
	}

	err = c.dispatch(ctx, device, act)
	c.registry.Run(hooks.PhaseMain, device, action)

	return err
}

func (c *Controller) dispatch(ctx context.Context, device string, act Action) error {

	switch act {
	case ActionBringUp:
		return c.bringUp(ctx, device)
	case ActionTearDown:
		return c.tearDown(device)
	case ActionFlush:
		zap.L().Info("Flushing proxy redirection", zap.String("device", device))
		return c.chains.Reset(c.cfg.ForwardInterfaces)
	case ActionVPNUp, ActionVPNDown:
		// VPN tunnels bypass the transparent proxy; nothing to change.
		zap.L().Debug("VPN event, no redirection change", zap.String("device", device))
		return nil
	}

	return nil
}

// bringUp executes the ordered bring-up sequence. Any failure before the
// daemon restart leaves the proxy stopped: redirection without current
// exceptions must never go live.
func (c *Controller) bringUp(ctx context.Context, device string) error {

	zap.L().Info("Bringing up proxy redirection", zap.String("device", device))

	if err := c.chains.FlushRouteCache(); err != nil {
		zap.L().Warn("Unable to flush route cache", zap.Error(err))
	}

	// Defensive: a previous invocation may have died mid-install.
	if err := c.chains.Reset(c.cfg.ForwardInterfaces); err != nil {
		zap.L().Warn("Unable to reset pre-existing chains", zap.Error(err))
	}

	bypass, err := c.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("unable to resolve bypass exceptions: %s", err)
	}

	if err := c.chains.Install(c.cfg.Target(), c.cfg.ForwardInterfaces, bypass); err != nil {
		return fmt.Errorf("unable to install chains: %s", err)
	}

	if err := c.chains.ApplyRules(bypass, c.cfg.Target()); err != nil {
		return fmt.Errorf("unable to apply redirect rules: %s", err)
	}

	if err := c.daemon.GenerateConfig(); err != nil {
		return fmt.Errorf("unable to generate proxy configuration: %s", err)
	}

	if err := c.daemon.Restart(); err != nil {
		return fmt.Errorf("unable to restart proxy daemon: %s", err)
	}

	return nil
}

// tearDown executes the ordered tear-down sequence. Teardown is best effort
// throughout: a failed step is logged and the remaining steps still run.
func (c *Controller) tearDown(device string) error {

	zap.L().Info("Tearing down proxy redirection", zap.String("device", device))

	if err := c.daemon.Stop(); err != nil {
		zap.L().Warn("Unable to stop proxy daemon", zap.Error(err))
	}

	if err := c.chains.FlushRouteCache(); err != nil {
		zap.L().Warn("Unable to flush route cache", zap.Error(err))
	}

	return c.chains.Reset(c.cfg.ForwardInterfaces)
}

// isTrigger matches the device against the configured trigger patterns.
func (c *Controller) isTrigger(device string) bool {

	for _, pattern := range c.cfg.TriggerInterfaces {
		matched, err := path.Match(pattern, device)
		if err != nil {
			zap.L().Warn("Invalid trigger interface pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		if matched {
			return true
		}
	}

	return false
}
