package milter

import "github.com/google/uuid"

// newSessionID returns a process-unique, never-persisted correlation
// token for one accepted connection, used only in diagnostics.
func newSessionID() string {
	return uuid.New().String()
}
