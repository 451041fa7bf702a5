// Package chains implements the firewall chain state machine that redirects
// TCP traffic into the local transparent proxy listener. Every operation is
// idempotent: installs check for an identical rule before inserting, and
// teardown tolerates rules that are already gone, so concurrent invocations
// racing on the same tables converge on the same final state.
package chains

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"go.aporeto.io/tproxyctl/config"
	provider "go.aporeto.io/tproxyctl/controller/pkg/aclprovider"
	"go.aporeto.io/tproxyctl/controller/pkg/command"
	"go.aporeto.io/tproxyctl/policy"
)

// RuleError reports a failed mutation with its full (table, chain, rulespec)
// context.
type RuleError struct {
	Table    string
	Chain    string
	Rulespec []string
	Err      error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule mutation failed on %s/%s [%s]: %s", e.Table, e.Chain, strings.Join(e.Rulespec, " "), e.Err)
}

// Manager drives the owned chain set. One Manager serves one invocation; the
// listen port is taken from configuration so that teardown works without a
// prior install in the same process.
type Manager struct {
	ipt        provider.IptablesProvider
	exec       command.Executor
	listenPort int
}

// NewManager creates a chain manager over the given collaborators.
func NewManager(ipt provider.IptablesProvider, exec command.Executor, listenPort int) *Manager {
	return &Manager{
		ipt:        ipt,
		exec:       exec,
		listenPort: listenPort,
	}
}

// Install brings the owned chains to their configured topology. It refuses an
// empty bypass set: a redirect chain without exceptions would proxy reserved
// and local ranges. A chain creation failure aborts immediately since every
// later step depends on the chains existing.
func (m *Manager) Install(target config.ProxyTarget, forwardInterfaces []string, bypass policy.BypassSet) error {

	if bypass.IsEmpty() {
		return fmt.Errorf("refusing to install redirect chains with an empty bypass set")
	}

	for _, chain := range []string{redirectChain, outputChain, forwardChain} {
		if err := m.ensureEmptyChain(natTable, chain); err != nil {
			return err
		}
	}

	for _, iface := range forwardInterfaces {
		if err := m.insertUnique(natTable, forwardChain, "-i", iface, "-p", "tcp", "-j", redirectChain); err != nil {
			return err
		}
	}

	if err := m.insertUnique(natTable, outputChain, "!", "-o", "lo", "-p", "tcp", "-j", redirectChain); err != nil {
		return err
	}

	if err := m.insertUnique(natTable, ipTableSectionOutput, "-p", "tcp", "-j", outputChain); err != nil {
		return err
	}

	if err := m.insertUnique(natTable, ipTableSectionPreRouting, "-p", "tcp", "-j", forwardChain); err != nil {
		return err
	}

	return m.installForwardFilter(target, forwardInterfaces)
}

// installForwardFilter guards the listener port: only forward interfaces may
// reach it. Custom chains cannot carry a default policy, so default-deny is a
// trailing DROP rule.
func (m *Manager) installForwardFilter(target config.ProxyTarget, forwardInterfaces []string) error {

	if err := m.ensureEmptyChain(filterTable, forwardFilterChain); err != nil {
		return err
	}

	for _, iface := range forwardInterfaces {
		if err := m.appendUnique(filterTable, forwardFilterChain, "-i", iface, "-j", "ACCEPT"); err != nil {
			return err
		}
	}

	if err := m.appendUnique(filterTable, forwardFilterChain, "-j", "DROP"); err != nil {
		return err
	}

	return m.insertUnique(filterTable, ipTableSectionInput,
		"-p", "tcp", "--dport", strconv.Itoa(target.ListenPort), "-j", forwardFilterChain)
}

// ApplyRules rebuilds the redirect chain from the bypass set. Every bypass
// RETURN rule precedes the catch-all redirect; chains evaluate first-match,
// so any other order silently defeats the bypass entries.
func (m *Manager) ApplyRules(bypass policy.BypassSet, target config.ProxyTarget) error {

	if err := m.ipt.ClearChain(natTable, redirectChain); err != nil {
		return &RuleError{Table: natTable, Chain: redirectChain, Err: err}
	}

	for _, network := range bypass.Networks() {
		if err := m.appendUnique(natTable, redirectChain, "-d", network, "-j", "RETURN"); err != nil {
			return err
		}
	}

	return m.appendUnique(natTable, redirectChain,
		"-p", "tcp", "-j", "REDIRECT", "--to-ports", strconv.Itoa(target.ListenPort))
}

// Reset reverses Install. Teardown is best effort: every step runs no matter
// what failed before it. Rule deletions are tolerated outright since iptables
// cannot distinguish an already-gone rule from a real delete failure; only
// chain flush and delete failures are collected.
func (m *Manager) Reset(forwardInterfaces []string) error {

	var failures []string

	record := func(err error) {
		if err != nil {
			zap.L().Warn("Teardown step failed", zap.Error(err))
			failures = append(failures, err.Error())
		}
	}

	m.deleteTolerant(natTable, ipTableSectionOutput, "-p", "tcp", "-j", outputChain)
	m.deleteTolerant(natTable, ipTableSectionPreRouting, "-p", "tcp", "-j", forwardChain)
	m.deleteTolerant(filterTable, ipTableSectionInput,
		"-p", "tcp", "--dport", strconv.Itoa(m.listenPort), "-j", forwardFilterChain)

	for _, iface := range forwardInterfaces {
		m.deleteTolerant(natTable, forwardChain, "-i", iface, "-p", "tcp", "-j", redirectChain)
	}

	// Chains referencing redirectChain go first, the referenced chain last.
	// ClearChain creates a missing chain, so the flush+delete pair is clean
	// even on a system where the chains were never installed.
	for _, chain := range []string{outputChain, forwardChain, redirectChain} {
		record(wrapChainErr(natTable, chain, m.ipt.ClearChain(natTable, chain)))
		record(wrapChainErr(natTable, chain, m.ipt.DeleteChain(natTable, chain)))
	}

	record(wrapChainErr(filterTable, forwardFilterChain, m.ipt.ClearChain(filterTable, forwardFilterChain)))
	record(wrapChainErr(filterTable, forwardFilterChain, m.ipt.DeleteChain(filterTable, forwardFilterChain)))

	if len(failures) > 0 {
		return fmt.Errorf("%d teardown steps failed: %s", len(failures), strings.Join(failures, "; "))
	}

	return nil
}

// FlushRouteCache invalidates the kernel's cached routing decisions so rule
// changes apply to already resolved destinations.
func (m *Manager) FlushRouteCache() error {

	if err := m.exec.Run("ip", "route", "flush", "cache"); err != nil {
		return fmt.Errorf("unable to flush route cache: %s", err)
	}

	return nil
}

// ensureEmptyChain creates the chain when absent and leaves it empty.
func (m *Manager) ensureEmptyChain(table, chain string) error {

	existing, err := m.ipt.ListChains(table)
	if err != nil {
		return &RuleError{Table: table, Chain: chain, Err: err}
	}

	if !chainIn(existing, chain) {
		if err := m.ipt.NewChain(table, chain); err != nil {
			return &RuleError{Table: table, Chain: chain, Err: err}
		}
	}

	if err := m.ipt.ClearChain(table, chain); err != nil {
		return &RuleError{Table: table, Chain: chain, Err: err}
	}

	return nil
}

// insertUnique inserts the rule at the head of the chain unless an identical
// rule is already present.
func (m *Manager) insertUnique(table, chain string, rulespec ...string) error {

	present, err := m.ipt.Exists(table, chain, rulespec...)
	if err != nil {
		return &RuleError{Table: table, Chain: chain, Rulespec: rulespec, Err: err}
	}
	if present {
		zap.L().Debug("Rule already present", zap.String("table", table), zap.String("chain", chain))
		return nil
	}

	if err := m.ipt.Insert(table, chain, 1, rulespec...); err != nil {
		return &RuleError{Table: table, Chain: chain, Rulespec: rulespec, Err: err}
	}

	return nil
}

// appendUnique appends the rule unless an identical rule is already present.
func (m *Manager) appendUnique(table, chain string, rulespec ...string) error {

	present, err := m.ipt.Exists(table, chain, rulespec...)
	if err != nil {
		return &RuleError{Table: table, Chain: chain, Rulespec: rulespec, Err: err}
	}
	if present {
		zap.L().Debug("Rule already present", zap.String("table", table), zap.String("chain", chain))
		return nil
	}

	if err := m.ipt.Append(table, chain, rulespec...); err != nil {
		return &RuleError{Table: table, Chain: chain, Rulespec: rulespec, Err: err}
	}

	return nil
}

// deleteTolerant removes the rule and swallows failure. During teardown a
// missing rule is the expected case.
func (m *Manager) deleteTolerant(table, chain string, rulespec ...string) {

	if err := m.ipt.Delete(table, chain, rulespec...); err != nil {
		zap.L().Debug("Teardown rule delete skipped",
			zap.String("table", table),
			zap.String("chain", chain),
			zap.Error(err),
		)
	}
}

func wrapChainErr(table, chain string, err error) error {
	if err == nil {
		return nil
	}
	return &RuleError{Table: table, Chain: chain, Err: err}
}

func chainIn(chains []string, chain string) bool {
	for _, c := range chains {
		if c == chain {
			return true
		}
	}
	return false
}
