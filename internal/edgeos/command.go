package edgeos

// opWrapper runs an operational-mode command outside the interactive
// vbash shell.
const opWrapper = "/opt/vyatta/bin/vyatta-op-cmd-wrapper"

// Command is one of the fixed read-only queries the router accepts.
// Values other than the ones declared here cannot be constructed
// outside this package.
type Command struct {
	name string
}

var (
	ShowARP        = Command{name: "show arp"}
	ShowDHCPLeases = Command{name: "show dhcp leases"}
	ShowVersion    = Command{name: "show version"}
)

// String returns the operational command, e.g. "show arp".
func (c Command) String() string { return c.name }

// Valid reports whether c is one of the declared commands.
func (c Command) Valid() bool {
	switch c {
	case ShowARP, ShowDHCPLeases, ShowVersion:
		return true
	}
	return false
}

// line is the text sent to the remote shell.
func (c Command) line() string { return opWrapper + " " + c.name }
