package core

import (
	"fmt"
	"strings"
)

// ServerIdentity names one managed server process on one host.
type ServerIdentity struct {
	HostName   string `json:"host" yaml:"host"`
	ServerName string `json:"server" yaml:"server"`
}

func (id ServerIdentity) String() string {
	return id.HostName + "/" + id.ServerName
}

// ParseServerIdentity parses the "host/server" form produced by String.
func ParseServerIdentity(s string) (ServerIdentity, error) {
	host, server, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || host == "" || server == "" || strings.Contains(server, "/") {
		return ServerIdentity{}, fmt.Errorf("invalid server identity %q: want host/server", s)
	}
	return ServerIdentity{HostName: host, ServerName: server}, nil
}
