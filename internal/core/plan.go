package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Group is an ordered step of a plan. Its tasks run concurrently and share
// one UpdatePolicy.
type Group struct {
	Name        string
	Tasks       []Task
	MaxFailures int
}

// Plan is an ordered list of groups. Group i+1 starts only after group i has
// drained.
type Plan struct {
	ID     string
	Name   string
	Groups []Group
	// GroupScopedRollback limits compensation to the group that triggered the
	// rollback instead of every group updated so far.
	GroupScopedRollback bool
}

func NewPlanID() string { return uuid.NewString() }

// Servers returns every server of the plan in group order.
func (p *Plan) Servers() []ServerIdentity {
	var out []ServerIdentity
	for _, g := range p.Groups {
		for _, t := range g.Tasks {
			out = append(out, t.Server())
		}
	}
	return out
}

// Validate checks that the plan has work and that no server is targeted twice.
func (p *Plan) Validate() error {
	if p == nil || len(p.Groups) == 0 {
		return errors.New("plan has no groups")
	}
	seen := make(map[ServerIdentity]string)
	for i, g := range p.Groups {
		for _, t := range g.Tasks {
			if t == nil {
				return fmt.Errorf("group %d (%s): nil task", i, g.Name)
			}
			id := t.Server()
			if id.HostName == "" || id.ServerName == "" {
				return fmt.Errorf("group %d (%s): incomplete server identity %q", i, g.Name, id)
			}
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("server %s appears in group %s and group %s", id, prev, g.Name)
			}
			seen[id] = g.Name
		}
	}
	return nil
}
