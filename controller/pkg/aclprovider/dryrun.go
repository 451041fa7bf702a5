package provider

import (
	"strings"

	"go.uber.org/zap"
)

// dryRunProvider prints every mutation instead of executing it. Read-only
// queries report an empty table so that callers walk their full insert path.
type dryRunProvider struct{}

// NewDryRunProvider returns a provider that logs the iptables command each
// mutation would have run.
func NewDryRunProvider() IptablesProvider {
	return &dryRunProvider{}
}

func (d *dryRunProvider) print(table, chain, action string, rulespec ...string) {
	zap.L().Info("dry-run: iptables",
		zap.String("command", strings.TrimSpace("-t "+table+" "+action+" "+chain+" "+strings.Join(rulespec, " "))),
	)
}

func (d *dryRunProvider) Append(table, chain string, rulespec ...string) error {
	d.print(table, chain, "-A", rulespec...)
	return nil
}

func (d *dryRunProvider) Insert(table, chain string, pos int, rulespec ...string) error {
	d.print(table, chain, "-I", rulespec...)
	return nil
}

func (d *dryRunProvider) Delete(table, chain string, rulespec ...string) error {
	d.print(table, chain, "-D", rulespec...)
	return nil
}

func (d *dryRunProvider) Exists(table, chain string, rulespec ...string) (bool, error) {
	return false, nil
}

func (d *dryRunProvider) ListChains(table string) ([]string, error) {
	return nil, nil
}

func (d *dryRunProvider) ClearChain(table, chain string) error {
	d.print(table, chain, "-F")
	return nil
}

func (d *dryRunProvider) DeleteChain(table, chain string) error {
	d.print(table, chain, "-X")
	return nil
}

func (d *dryRunProvider) NewChain(table, chain string) error {
	d.print(table, chain, "-N")
	return nil
}

func (d *dryRunProvider) ChangePolicy(table, chain, target string) error {
	d.print(table, chain, "-P", target)
	return nil
}
