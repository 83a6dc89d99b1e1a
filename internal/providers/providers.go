package providers

import "context"

// Server is one managed server process as known to an inventory.
type Server struct {
	Host    string
	Name    string
	Addr    string
	SSHUser string
	SSHPort int
	Groups  []string
}

// InGroup reports whether the server carries the group label. The empty
// group matches every server.
func (s Server) InGroup(group string) bool {
	if group == "" {
		return true
	}
	for _, g := range s.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Provider enumerates the servers that belong to an update group.
type Provider interface {
	Name() string
	ListServers(ctx context.Context, group string) ([]Server, error)
}

// HostAddrs maps each host name to the first address seen for it.
func HostAddrs(servers []Server) map[string]string {
	out := make(map[string]string)
	for _, s := range servers {
		if _, ok := out[s.Host]; !ok && s.Addr != "" {
			out[s.Host] = s.Addr
		}
	}
	return out
}
