// Package sysports discovers ports already bound by other processes on the
// host. The result feeds the allocator's skip list; it is a best-effort hint
// and never a correctness requirement, so failures degrade to an empty set.
package sysports

import (
	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// Listening returns the set of locally bound listening TCP ports.
func Listening() map[int]bool {
	out := make(map[int]bool)
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return out
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port != 0 {
			out[int(c.Laddr.Port)] = true
		}
	}
	return out
}
