package node

import (
	"net"
	"strings"
)

// DefaultSyncPort is the reconciliation TCP port used when a peer
// address omits one.
const DefaultSyncPort = "9480"

// NormalizeHostPort cuts http:// and https:// prefixes from the input
// address and adds a default port when none is present.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}
