package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Operation names understood by transports and the agent.
const (
	OpRestartServer = "restart-server"
	OpApplyConfig   = "apply-config"
)

// Parameter keys.
const (
	ParamServer          = "server"
	ParamGracefulTimeout = "graceful-timeout"
	ParamPath            = "path"
	ParamContent         = "content"
	ParamChecksum        = "checksum"
)

// WaitIndefinitely is the graceful timeout that never forces a stop.
const WaitIndefinitely int64 = -1

// Task is a unit of update work bound to one server. Operation must be a pure
// function of the task's fields so it can be rebuilt for logging or retries.
type Task interface {
	Server() ServerIdentity
	Operation() Operation
	// Compensation returns the task that restores the previous known-good
	// state, or false when the variant has nothing to undo.
	Compensation() (Task, bool)
}

// RestartTask restarts a server so it picks up the current model.
type RestartTask struct {
	Target ServerIdentity
	// GracefulTimeout is in milliseconds: -1 waits indefinitely, 0 forces an
	// immediate stop.
	GracefulTimeout int64
}

func NewRestartTask(id ServerIdentity, gracefulTimeout int64) (*RestartTask, error) {
	if gracefulTimeout < WaitIndefinitely {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGracefulTimeout, gracefulTimeout)
	}
	return &RestartTask{Target: id, GracefulTimeout: gracefulTimeout}, nil
}

func (t *RestartTask) Server() ServerIdentity { return t.Target }

func (t *RestartTask) Operation() Operation {
	return Operation{
		Address: []AddressElement{{Key: AddressHost, Value: t.Target.HostName}},
		Name:    OpRestartServer,
		Params: map[string]any{
			ParamServer:          t.Target.ServerName,
			ParamGracefulTimeout: t.GracefulTimeout,
		},
	}
}

// Compensation restarts the server again; once its configuration has been
// reverted a restart brings back the previous model.
func (t *RestartTask) Compensation() (Task, bool) {
	return &RestartTask{Target: t.Target, GracefulTimeout: t.GracefulTimeout}, true
}

// ApplyConfigTask writes a configuration document for a server and reloads it.
type ApplyConfigTask struct {
	Target  ServerIdentity
	Path    string
	Content []byte
	// Previous is the last known-good document, used for rollback.
	Previous    []byte
	HasPrevious bool
}

func (t *ApplyConfigTask) Server() ServerIdentity { return t.Target }

func (t *ApplyConfigTask) Operation() Operation {
	sum := sha256.Sum256(t.Content)
	return Operation{
		Address: []AddressElement{
			{Key: AddressHost, Value: t.Target.HostName},
			{Key: AddressServer, Value: t.Target.ServerName},
		},
		Name: OpApplyConfig,
		Params: map[string]any{
			ParamServer:   t.Target.ServerName,
			ParamPath:     t.Path,
			ParamContent:  string(t.Content),
			ParamChecksum: hex.EncodeToString(sum[:]),
		},
	}
}

func (t *ApplyConfigTask) Compensation() (Task, bool) {
	if !t.HasPrevious {
		return nil, false
	}
	return &ApplyConfigTask{Target: t.Target, Path: t.Path, Content: t.Previous}, true
}
