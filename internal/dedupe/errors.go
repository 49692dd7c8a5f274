package dedupe

import "fmt"

// StoreCorruptError reports persisted state that exists but cannot be read.
// Callers must abort the cycle rather than treat the seen-set as empty.
type StoreCorruptError struct {
	Backend string
	Path    string
	Err     error
}

func (e *StoreCorruptError) Error() string {
	return fmt.Sprintf("%s seen-set at %s is corrupt: %v", e.Backend, e.Path, e.Err)
}

func (e *StoreCorruptError) Unwrap() error {
	return e.Err
}
