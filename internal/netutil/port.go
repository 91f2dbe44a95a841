// Package netutil holds small TCP helpers for launching local browsers.
package netutil

import (
	"fmt"
	"net"
)

// FreePort asks the kernel for an unused port on host. Each launched browser
// gets its own DevTools port this way.
func FreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("netutil: listen for free port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
