package models

import "fmt"

// TranslationError means an event broke the ChangeEvent invariants. It is a
// contract violation from the event source, never a target-store failure.
type TranslationError struct {
	Kind   Kind
	Table  string
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("invalid %s event for table %q: %s", e.Kind, e.Table, e.Reason)
}

// ConfigurationError is fatal at startup: a required key is missing or a
// value is malformed.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ConnectionError means the target pool could not be established
type ConnectionError struct {
	Identity string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to establish pool %q: %v", e.Identity, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
