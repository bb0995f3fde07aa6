package chain

import "fmt"

// IntegrityError reports a local chain verification failure. It blocks
// further appends for the project until the chain is resynchronized from
// the server's authoritative head.
type IntegrityError struct {
	ProjectID string
	LocalID   string
	Index     int
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity failure for project %s at entry %d (%s): %s",
		e.ProjectID, e.Index, e.LocalID, e.Reason)
}
