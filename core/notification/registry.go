package notification

// Handle is a live connection able to receive events.
type Handle interface {
	Emit(event string, payload interface{}) error
}

// Registry maps user ids to their live connection, if any.
// Entries are best-effort presence hints, never a source of truth.
type Registry interface {
	Register(userID int, h Handle)
	Unregister(userID int)
	Lookup(userID int) (Handle, bool)
}
