// Package command wraps external process invocation behind a typed interface
// so that callers never branch on raw exit codes.
package command

import (
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Executor runs external commands on behalf of the controller.
type Executor interface {
	// Run executes the command and waits for completion. A non-zero exit
	// becomes an error carrying the combined output.
	Run(name string, args ...string) error
	// Start launches the command detached and does not wait.
	Start(name string, args ...string) error
}

type realExecutor struct{}

// NewExecutor returns an Executor backed by os/exec.
func NewExecutor() Executor {
	return &realExecutor{}
}

func (e *realExecutor) Run(name string, args ...string) error {

	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %s %s failed: %s: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	return nil
}

func (e *realExecutor) Start(name string, args ...string) error {

	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("command %s %s failed to start: %s", name, strings.Join(args, " "), err)
	}

	// Reap the child when it eventually exits.
	go cmd.Wait() // nolint

	return nil
}

type dryRunExecutor struct{}

// NewDryRunExecutor returns an Executor that prints commands instead of
// running them.
func NewDryRunExecutor() Executor {
	return &dryRunExecutor{}
}

func (e *dryRunExecutor) Run(name string, args ...string) error {
	zap.L().Info("dry-run: exec", zap.String("command", name+" "+strings.Join(args, " ")))
	return nil
}

func (e *dryRunExecutor) Start(name string, args ...string) error {
	zap.L().Info("dry-run: exec (detached)", zap.String("command", name+" "+strings.Join(args, " ")))
	return nil
}
