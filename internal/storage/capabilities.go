package storage

import "errors"

// Capability names an optional driver behavior.
type Capability string

const (
	CapPresigned Capability = "presigned"
	CapMultipart Capability = "multipart"
	CapAtomic    Capability = "atomic"
	CapProxy     Capability = "proxy"
)

// Sentinel errors shared by drivers and callers.
var (
	ErrSamePath         = errors.New("source and destination are the same path")
	ErrDestInsideSource = errors.New("destination is inside the source path")
)

// Validation reports which required capabilities a driver lacks.
type Validation struct {
	IsValid bool
	Missing []string
}

// ValidateCapabilities checks whether a driver implements every required
// capability, so callers can fail fast before starting any I/O.
func ValidateCapabilities(d Driver, required ...Capability) Validation {
	var missing []string
	for _, cap := range required {
		if !hasCapability(d, cap) {
			missing = append(missing, string(cap))
		}
	}
	return Validation{IsValid: len(missing) == 0, Missing: missing}
}

func hasCapability(d Driver, cap Capability) bool {
	switch cap {
	case CapPresigned:
		_, ok := d.(Presigner)
		return ok
	case CapMultipart:
		_, ok := d.(Multiparter)
		return ok
	case CapAtomic:
		_, ok := d.(Atomic)
		return ok
	case CapProxy:
		_, ok := d.(Proxyer)
		return ok
	}
	return false
}
