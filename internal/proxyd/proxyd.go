// Package proxyd manages the local proxy daemon: configuration generation
// and process lifecycle. The daemon itself is an external program; this
// package only renders its configuration and starts or stops it.
package proxyd

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"text/template"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"

	"go.aporeto.io/tproxyctl/config"
	"go.aporeto.io/tproxyctl/controller/pkg/command"
)

// templateData are the substitutions available to the daemon configuration
// template.
type templateData struct {
	ListenAddress string
	ListenPort    int
	ProxyAddress  string
	ProxyPort     int
	ProxyType     string
	ExceptionFile string
}

// Daemon controls the proxy daemon described by the configuration.
type Daemon struct {
	cfg  *config.Config
	exec command.Executor

	// findPids is injectable for tests; the default scans the process
	// table with gopsutil.
	findPids func(name string) ([]int32, error)
}

// NewDaemon creates a daemon controller.
func NewDaemon(cfg *config.Config, exec command.Executor) *Daemon {
	return &Daemon{
		cfg:      cfg,
		exec:     exec,
		findPids: findPidsByName,
	}
}

// GenerateConfig renders the daemon configuration from the configured
// template. Generation is skipped when a configuration already exists, so a
// hand-edited file survives events.
func (d *Daemon) GenerateConfig() error {

	if d.cfg.ProxyConfigPath == "" || d.cfg.ProxyConfigTemplate == "" {
		zap.L().Debug("Proxy daemon configuration generation not configured")
		return nil
	}

	if _, err := os.Stat(d.cfg.ProxyConfigPath); err == nil {
		zap.L().Debug("Proxy daemon configuration already present", zap.String("path", d.cfg.ProxyConfigPath))
		return nil
	}

	raw, err := ioutil.ReadFile(d.cfg.ProxyConfigTemplate)
	if err != nil {
		return fmt.Errorf("unable to read proxy config template %s: %s", d.cfg.ProxyConfigTemplate, err)
	}

	tmpl, err := template.New(filepath.Base(d.cfg.ProxyConfigTemplate)).Parse(string(raw))
	if err != nil {
		return fmt.Errorf("unable to parse proxy config template %s: %s", d.cfg.ProxyConfigTemplate, err)
	}

	out, err := os.OpenFile(d.cfg.ProxyConfigPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("unable to create proxy config %s: %s", d.cfg.ProxyConfigPath, err)
	}
	defer out.Close() // nolint

	data := templateData{
		ListenAddress: d.cfg.ListenAddress,
		ListenPort:    d.cfg.ListenPort,
		ProxyAddress:  d.cfg.ProxyAddress,
		ProxyPort:     d.cfg.ProxyPort,
		ProxyType:     d.cfg.ProxyType,
		ExceptionFile: d.cfg.ExceptionFile,
	}

	if err := tmpl.Execute(out, data); err != nil {
		return fmt.Errorf("unable to render proxy config %s: %s", d.cfg.ProxyConfigPath, err)
	}

	return nil
}

// Restart stops any running daemon instance and launches a fresh one with
// the configured command line.
func (d *Daemon) Restart() error {

	if d.cfg.ProxyCommand == "" {
		zap.L().Debug("No proxy daemon command configured")
		return nil
	}

	if err := d.Stop(); err != nil {
		zap.L().Warn("Unable to stop running proxy daemon before restart", zap.Error(err))
	}

	argv, err := shellwords.Parse(d.cfg.ProxyCommand)
	if err != nil {
		return fmt.Errorf("unable to parse proxy command %q: %s", d.cfg.ProxyCommand, err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty proxy command")
	}

	if err := d.exec.Start(argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("unable to start proxy daemon: %s", err)
	}

	zap.L().Info("Proxy daemon started", zap.String("command", d.cfg.ProxyCommand))

	return nil
}

// Stop terminates every running instance of the configured daemon. A daemon
// that is not running is not an error.
func (d *Daemon) Stop() error {

	if d.cfg.ProxyCommand == "" {
		return nil
	}

	argv, err := shellwords.Parse(d.cfg.ProxyCommand)
	if err != nil {
		return fmt.Errorf("unable to parse proxy command %q: %s", d.cfg.ProxyCommand, err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty proxy command")
	}

	name := filepath.Base(argv[0])

	pids, err := d.findPids(name)
	if err != nil {
		return fmt.Errorf("unable to scan for proxy daemon %s: %s", name, err)
	}

	for _, pid := range pids {
		if err := d.exec.Run("kill", strconv.Itoa(int(pid))); err != nil {
			zap.L().Warn("Unable to terminate proxy daemon instance",
				zap.Int32("pid", pid),
				zap.Error(err),
			)
		}
	}

	return nil
}

// findPidsByName returns the pids of all processes with the given executable
// name.
func findPidsByName(name string) ([]int32, error) {

	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	pids := []int32{}
	for _, p := range procs {
		pname, err := p.Name()
		if err != nil {
			continue
		}
		if pname == name {
			pids = append(pids, p.Pid)
		}
	}

	return pids, nil
}
