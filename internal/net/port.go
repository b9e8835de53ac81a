package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the kernel for a free TCP port on host. An empty host means localhost.
// The port is released before returning, so another process may claim it first.
func GetEphemeralTCPPort(host string) (int, error) {
	if host == "" || host == "*" {
		host = "localhost"
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("resolving %s:0: %w", host, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
