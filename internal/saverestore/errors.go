package saverestore

import "errors"

// ErrInvalidRestore is returned by Restore when called with no save level
// pushed (restoring past the bottom of the world), when the target SaveRef
// no longer names a live level, or when the stack-validation pass finds a
// live reference to a slot allocated after the target was saved — spec.md
// §7's invalid-restore category.
var ErrInvalidRestore = errors.New("saverestore: invalid restore target")

// ErrIllegalLocalIntoGlobal is returned by CheckGSave when a global-mode
// slot would be overwritten while the mutator is running in local
// allocation mode, spec.md §3 invariant 2.
var ErrIllegalLocalIntoGlobal = errors.New("saverestore: illegal local-into-global write")
