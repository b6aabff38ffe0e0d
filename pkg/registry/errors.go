package registry

import "errors"

var (
	// ErrDuplicate rejects an Add for an id that already has an entry.
	ErrDuplicate = errors.New("registry: duplicate resource id")
	// ErrNotOwner rejects a message from a process that does not own the id's
	// namespace.
	ErrNotOwner = errors.New("registry: namespace not owned by sender")
	// ErrShutdown is returned once the registry has shut down.
	ErrShutdown = errors.New("registry: shut down")
	// ErrInvalidID rejects the zero id and ids with a zero local part.
	ErrInvalidID = errors.New("registry: invalid resource id")
	// ErrProcessGone rejects waits for ids whose creator went away.
	ErrProcessGone = errors.New("registry: creator process gone")
)
