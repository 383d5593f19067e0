// Package detector answers "is it running?" from outside the daemon.
package detector

// Detector is a strategy that determines if a daemon is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the daemon is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
