package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kardianos/osext"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go.aporeto.io/tproxyctl/config"
	"go.aporeto.io/tproxyctl/controller"
	"go.aporeto.io/tproxyctl/internal/chains"
	"go.aporeto.io/tproxyctl/internal/exceptions"
	"go.aporeto.io/tproxyctl/internal/proxyd"
	provider "go.aporeto.io/tproxyctl/controller/pkg/aclprovider"
	"go.aporeto.io/tproxyctl/controller/pkg/command"
	"go.aporeto.io/tproxyctl/controller/pkg/fetcher"
	"go.aporeto.io/tproxyctl/controller/pkg/hooks"
)

const (
	envStage  = "TPROXYCTL_STAGE"
	envConfig = "TPROXYCTL_CONFIG"
	envDevice = "IFACE"
	envAction = "ACTION"

	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2
)

var (
	dryRun bool
	trace  bool
)

func init() {
	flag.BoolVar(&dryRun, "dry-run", false, "print firewall and system commands instead of executing them")
	flag.BoolVar(&dryRun, "n", false, "shorthand for -dry-run")
	flag.BoolVar(&trace, "trace", false, "verbose execution trace")
	flag.BoolVar(&trace, "t", false, "shorthand for -trace")
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-n] [-t] <device> <action>\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "actions: up down vpn-up vpn-down flush\n")
	fmt.Fprintf(os.Stderr, "device and action may also be supplied via %s and %s\n", envDevice, envAction)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	setupLogs()

	os.Exit(run())
}

func run() int {

	defer zap.L().Sync() // nolint

	device, action, ok := eventArgs(flag.Args())
	if !ok {
		usage()
		return exitUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		zap.L().Error("Unable to load configuration", zap.Error(err))
		return exitFailure
	}

	if cfg == nil {
		// Not configured for proxying: intentional no-op.
		zap.L().Debug("No configuration found, nothing to do")
		return exitOK
	}

	ctrl, err := buildController(cfg)
	if err != nil {
		zap.L().Error("Unable to initialize controller", zap.Error(err))
		return exitFailure
	}

	if err := ctrl.Handle(context.Background(), device, action); err != nil {
		if _, isUsage := err.(*controller.UsageError); isUsage {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			usage()
			return exitUsage
		}
		zap.L().Error("Event handling failed",
			zap.String("device", device),
			zap.String("action", action),
			zap.Error(err),
		)
		return exitFailure
	}

	return exitOK
}

func setupLogs() {

	zapConfig := zap.NewProductionConfig()
	zapConfig.DisableStacktrace = true
	zapConfig.Encoding = "console"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if trace {
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to initialize logging: %s\n", err)
		os.Exit(exitFailure)
	}

	zap.ReplaceGlobals(logger.With(zap.String("invocation", xid.New().String())))
}

// eventArgs resolves the device and action from arguments or, when invoked
// as a dispatcher callback, from the environment.
func eventArgs(args []string) (device string, action string, ok bool) {

	if len(args) >= 2 {
		return args[0], args[1], true
	}

	device = os.Getenv(envDevice)
	action = os.Getenv(envAction)

	if device == "" || action == "" {
		return "", "", false
	}

	return device, action, true
}

func loadConfig() (*config.Config, error) {

	if path := os.Getenv(envConfig); path != "" {
		return config.Load(path)
	}

	return config.LoadDefault()
}

// detectStage derives the stage from the environment or the invoked name:
// the same binary is linked as tproxyctl-prepare and tproxyctl-finalize in
// the dispatcher directories.
func detectStage() controller.Stage {

	name := os.Getenv(envStage)

	if name == "" {
		name = filepath.Base(os.Args[0])
		if exe, err := osext.Executable(); err == nil && (name == "" || name == ".") {
			name = filepath.Base(exe)
		}
	}

	switch {
	case name == "prepare" || strings.HasSuffix(name, "-prepare"):
		return controller.StagePrepare
	case name == "finalize" || strings.HasSuffix(name, "-finalize"):
		return controller.StageFinalize
	}

	return controller.StageDefault
}

func buildController(cfg *config.Config) (*controller.Controller, error) {

	var ipt provider.IptablesProvider
	var exec command.Executor
	var err error

	if dryRun {
		ipt = provider.NewDryRunProvider()
		exec = command.NewDryRunExecutor()
	} else {
		ipt, err = provider.NewGoIPTablesProvider()
		if err != nil {
			return nil, fmt.Errorf("unable to initialize iptables provider: %s", err)
		}
		exec = command.NewExecutor()
	}

	manager := chains.NewManager(ipt, exec, cfg.ListenPort)
	resolver := exceptions.NewResolver(cfg, fetcher.NewHTTPFetcher(cfg.FetchTimeout))
	daemon := proxyd.NewDaemon(cfg, exec)

	return controller.New(cfg, detectStage(), manager, resolver, daemon, hooks.NewRegistry()), nil
}
