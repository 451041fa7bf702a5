package controller

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"go.aporeto.io/tproxyctl/config"
	"go.aporeto.io/tproxyctl/controller/pkg/hooks"
	"go.aporeto.io/tproxyctl/policy"
)

// recordingChains records the order of chain operations.
type recordingChains struct {
	calls      *[]string
	installErr error
	resetErr   error
}

func (r *recordingChains) Install(target config.ProxyTarget, forwardInterfaces []string, bypass policy.BypassSet) error {
	*r.calls = append(*r.calls, "install")
	return r.installErr
}

func (r *recordingChains) ApplyRules(bypass policy.BypassSet, target config.ProxyTarget) error {
	*r.calls = append(*r.calls, "apply")
	return nil
}

func (r *recordingChains) Reset(forwardInterfaces []string) error {
	*r.calls = append(*r.calls, "reset")
	return r.resetErr
}

func (r *recordingChains) FlushRouteCache() error {
	*r.calls = append(*r.calls, "flushroute")
	return nil
}

type recordingResolver struct {
	calls *[]string
	err   error
}

func (r *recordingResolver) Resolve(ctx context.Context) (policy.BypassSet, error) {
	*r.calls = append(*r.calls, "resolve")
	if r.err != nil {
		return policy.BypassSet{}, r.err
	}
	return policy.NewBypassSet([]string{"10.0.0.0/8"})
}

type recordingDaemon struct {
	calls *[]string
}

func (r *recordingDaemon) GenerateConfig() error {
	*r.calls = append(*r.calls, "generate")
	return nil
}

func (r *recordingDaemon) Restart() error {
	*r.calls = append(*r.calls, "restart")
	return nil
}

func (r *recordingDaemon) Stop() error {
	*r.calls = append(*r.calls, "stop")
	return nil
}

type fixture struct {
	calls    []string
	chains   *recordingChains
	resolver *recordingResolver
	daemon   *recordingDaemon
	cfg      *config.Config
	registry *hooks.Registry
}

func newFixture() *fixture {
	f := &fixture{
		cfg: &config.Config{
			ListenAddress:     "127.0.0.1",
			ListenPort:        1080,
			TriggerInterfaces: []string{"eth*", "wlan0"},
			ForwardInterfaces: []string{"br0"},
		},
		registry: hooks.NewRegistry(),
	}
	f.chains = &recordingChains{calls: &f.calls}
	f.resolver = &recordingResolver{calls: &f.calls}
	f.daemon = &recordingDaemon{calls: &f.calls}
	return f
}

func (f *fixture) controller(stage Stage) *Controller {
	return New(f.cfg, stage, f.chains, f.resolver, f.daemon, f.registry)
}

func TestParseAction(t *testing.T) {

	Convey("Action strings should map to their routing states", t, func() {

		cases := map[string]Action{
			"up":       ActionBringUp,
			"down":     ActionTearDown,
			"vpn-up":   ActionVPNUp,
			"vpn-down": ActionVPNDown,
			"flush":    ActionFlush,
		}

		for action, expected := range cases {
			act, err := ParseAction(action)
			So(err, ShouldBeNil)
			So(act, ShouldEqual, expected)
		}
	})

	Convey("An unrecognized action should be a usage error", t, func() {

		_, err := ParseAction("restart")
		So(err, ShouldNotBeNil)
		_, ok := err.(*UsageError)
		So(ok, ShouldBeTrue)
	})
}

func TestHandleGate(t *testing.T) {

	Convey("Given a device outside the trigger set", t, func() {

		f := newFixture()
		c := f.controller(StageDefault)

		Convey("Handle should succeed without touching any collaborator", func() {
			So(c.Handle(context.Background(), "docker0", "up"), ShouldBeNil)
			So(f.calls, ShouldBeEmpty)
		})
	})

	Convey("Given an unknown action on a triggering device", t, func() {

		f := newFixture()
		c := f.controller(StageDefault)

		Convey("Handle should fail with a usage error and touch nothing", func() {
			err := c.Handle(context.Background(), "eth0", "bounce")
			So(err, ShouldNotBeNil)
			_, ok := err.(*UsageError)
			So(ok, ShouldBeTrue)
			So(f.calls, ShouldBeEmpty)
		})
	})

	Convey("Glob patterns should match device names", t, func() {

		f := newFixture()
		c := f.controller(StageDefault)

		So(c.isTrigger("eth0"), ShouldBeTrue)
		So(c.isTrigger("eth1"), ShouldBeTrue)
		So(c.isTrigger("wlan0"), ShouldBeTrue)
		So(c.isTrigger("wlan1"), ShouldBeFalse)
		So(c.isTrigger("tun0"), ShouldBeFalse)
	})
}

func TestHandleBringUp(t *testing.T) {

	Convey("Given a healthy system", t, func() {

		f := newFixture()
		c := f.controller(StageDefault)

		Convey("Bring-up should run every step in order", func() {
			So(c.Handle(context.Background(), "eth0", "up"), ShouldBeNil)
			So(f.calls, ShouldResemble, []string{
				"flushroute", "reset", "resolve", "install", "apply", "generate", "restart",
			})
		})
	})

	Convey("Given a failing exception resolution", t, func() {

		f := newFixture()
		f.resolver.err = errors.New("fetch exhausted")
		c := f.controller(StageDefault)

		Convey("Bring-up should abort before installing chains or starting the proxy", func() {
			So(c.Handle(context.Background(), "eth0", "up"), ShouldNotBeNil)
			So(f.calls, ShouldResemble, []string{"flushroute", "reset", "resolve"})
		})
	})

	Convey("Given a failing chain install", t, func() {

		f := newFixture()
		f.chains.installErr = errors.New("iptables failed")
		c := f.controller(StageDefault)

		Convey("Bring-up should abort before the proxy daemon", func() {
			So(c.Handle(context.Background(), "eth0", "up"), ShouldNotBeNil)
			So(f.calls, ShouldResemble, []string{"flushroute", "reset", "resolve", "install"})
		})
	})
}

func TestHandleTearDownAndFlush(t *testing.T) {

	Convey("Given a healthy system", t, func() {

		f := newFixture()
		c := f.controller(StageDefault)

		Convey("Tear-down should stop the proxy first and reset last", func() {
			So(c.Handle(context.Background(), "eth0", "down"), ShouldBeNil)
			So(f.calls, ShouldResemble, []string{"stop", "flushroute", "reset"})
		})

		Convey("Flush should only reset the chains", func() {
			So(c.Handle(context.Background(), "eth0", "flush"), ShouldBeNil)
			So(f.calls, ShouldResemble, []string{"reset"})
		})

		Convey("VPN events should not touch chains or proxy", func() {
			So(c.Handle(context.Background(), "eth0", "vpn-up"), ShouldBeNil)
			So(c.Handle(context.Background(), "eth0", "vpn-down"), ShouldBeNil)
			So(f.calls, ShouldBeEmpty)
		})
	})
}

func TestHandleStages(t *testing.T) {

	Convey("Given hooks registered for every phase", t, func() {

		f := newFixture()
		fired := []string{}
		for _, phase := range []hooks.Phase{hooks.PhasePrepare, hooks.PhaseMain, hooks.PhaseFinalize} {
			p := phase
			So(f.registry.Register(p, hooks.ActionAny, "10-probe", func(device, action string) error {
				fired = append(fired, string(p))
				return nil
			}), ShouldBeNil)
		}

		Convey("The prepare stage should run only prepare hooks and no main action", func() {
			c := f.controller(StagePrepare)
			So(c.Handle(context.Background(), "eth0", "up"), ShouldBeNil)
			So(fired, ShouldResemble, []string{"prepare"})
			So(f.calls, ShouldBeEmpty)
		})

		Convey("The finalize stage should run only finalize hooks and no main action", func() {
			c := f.controller(StageFinalize)
			So(c.Handle(context.Background(), "eth0", "up"), ShouldBeNil)
			So(fired, ShouldResemble, []string{"finalize"})
			So(f.calls, ShouldBeEmpty)
		})

		Convey("The default stage should run the action then the main hooks", func() {
			c := f.controller(StageDefault)
			So(c.Handle(context.Background(), "eth0", "flush"), ShouldBeNil)
			So(fired, ShouldResemble, []string{"main"})
			So(f.calls, ShouldResemble, []string{"reset"})
		})

		Convey("Hooks should not fire for non-triggering devices", func() {
			c := f.controller(StagePrepare)
			So(c.Handle(context.Background(), "docker0", "up"), ShouldBeNil)
			So(fired, ShouldBeEmpty)
		})
	})
}
