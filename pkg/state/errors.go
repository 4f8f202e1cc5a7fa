package state

import (
	"errors"
	"fmt"

	"github.com/loamctl/loam/pkg/engine"
)

// ErrIncompatibleVersion is returned when a state document was written by
// an incompatible schema version.
var ErrIncompatibleVersion = errors.New("incompatible state document version")

// LockConflictError is returned when the state lock is already held.
type LockConflictError struct {
	// Holder describes who holds the lock.
	Holder engine.LockInfo
}

// Error implements the error interface.
func (e *LockConflictError) Error() string {
	return fmt.Sprintf("state locked by %s (operation %s, lock %s) since %s",
		e.Holder.Who, e.Holder.Operation, e.Holder.ID,
		e.Holder.CreatedAt.Format("2006-01-02 15:04:05"))
}

// IsLockConflict reports whether err is a lock conflict.
func IsLockConflict(err error) bool {
	var e *LockConflictError
	return errors.As(err, &e)
}

func checkVersion(doc *engine.Document) error {
	if doc.Version != engine.DocumentVersion {
		return fmt.Errorf("%w: document is version %d, this build understands %d",
			ErrIncompatibleVersion, doc.Version, engine.DocumentVersion)
	}
	return nil
}
