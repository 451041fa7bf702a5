package chains

const (
	natTable    = "nat"
	filterTable = "filter"

	// chainPrefix namespaces every chain this tool owns. No other
	// subsystem may create or reference TPROXY- chains.
	chainPrefix = "TPROXY-"

	// redirectChain holds the bypass RETURN rules and the catch-all
	// redirect in the nat table.
	redirectChain = chainPrefix + "Redirect"

	// outputChain funnels locally originated traffic into redirectChain.
	outputChain = chainPrefix + "Output"

	// forwardChain funnels forwarded traffic into redirectChain.
	forwardChain = chainPrefix + "Forward"

	// forwardFilterChain guards the proxy listener port in the filter
	// table: only forward interfaces may reach it.
	forwardFilterChain = chainPrefix + "FwdFilter"

	ipTableSectionOutput     = "OUTPUT"
	ipTableSectionInput      = "INPUT"
	ipTableSectionPreRouting = "PREROUTING"
)
