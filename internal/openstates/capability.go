package openstates

import "sync/atomic"

// Capability is the client's knowledge of an optional provider schema feature.
type Capability int32

const (
	CapabilityUnknown Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (c Capability) String() string {
	switch c {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// capabilityFlag moves unknown -> supported|unsupported. Unsupported is terminal.
type capabilityFlag struct {
	v atomic.Int32
}

func (f *capabilityFlag) Load() Capability {
	return Capability(f.v.Load())
}

func (f *capabilityFlag) MarkSupported() {
	f.v.CompareAndSwap(int32(CapabilityUnknown), int32(CapabilitySupported))
}

// MarkUnsupported reports whether this call performed the transition.
func (f *capabilityFlag) MarkUnsupported() bool {
	for {
		current := f.v.Load()
		if Capability(current) == CapabilityUnsupported {
			return false
		}
		if f.v.CompareAndSwap(current, int32(CapabilityUnsupported)) {
			return true
		}
	}
}
