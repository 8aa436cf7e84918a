package artifact

import "fmt"

var (
	// ErrNotFound is returned when an artifact with the given name does not
	// exist in the directory.
	ErrNotFound = fmt.Errorf("artifact not found")

	// ErrInvalidName is returned for names that would escape the directory.
	ErrInvalidName = fmt.Errorf("invalid artifact name")
)
