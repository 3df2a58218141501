package worker

import "errors"

// State is a worker handle's lifecycle state.
type State int32

const (
	StateSpawning State = iota
	StateReady
	StateInitializing
	StateIdle
	StateRunning
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	default:
		return "invalid"
	}
}

var (
	// ErrExited signals that the worker process died. Runs cut short by it
	// are incomplete rather than protocol failures.
	ErrExited = errors.New("worker process exited")

	// ErrHandshake is returned when the ready/init/initComplete exchange
	// does not complete.
	ErrHandshake = errors.New("worker handshake failed")

	// ErrBusy is returned when a run is requested while another is in flight.
	ErrBusy = errors.New("worker is busy")

	// ErrDead is returned for operations on a handle that has died.
	ErrDead = errors.New("worker is dead")

	// ErrKilled is the death cause recorded by an explicit Kill.
	ErrKilled = errors.New("worker killed")
)
