package cloud

import "fmt"

// ConfigurationError reports a destination that can never work, detected
// before any network access.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "cloud configuration error: " + e.Reason
}

// ConnectivityError reports an object store that could not be reached or
// refused the operation.
type ConnectivityError struct {
	Op    string
	Cause error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cloud connectivity error during %s: %v", e.Op, e.Cause)
}

func (e *ConnectivityError) Unwrap() error { return e.Cause }
