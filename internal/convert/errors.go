package convert

import "fmt"

// ConversionError reports a pose that cannot be turned into a rigid transform.
// It is a per-frame, per-marker error: the marker is dropped for that frame.
type ConversionError struct {
	MarkerID int
	Reason   string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert marker %d: %s", e.MarkerID, e.Reason)
}

// ConfigurationError reports an invalid setup value. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
