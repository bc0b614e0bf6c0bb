// Completion: 100% - Target description complete
package engine

import (
	"fmt"
	"strings"
)

// FloatABI selects how floating point values cross the native call boundary
type FloatABI int

const (
	// SoftFloat passes doubles in core register pairs and on the stack
	SoftFloat FloatABI = iota
	// HardFloat passes doubles in d0-d7 and singles in s0-s15 (AAPCS-VFP)
	HardFloat
)

func (a FloatABI) String() string {
	switch a {
	case SoftFloat:
		return "softfp"
	case HardFloat:
		return "hardfp"
	default:
		return "unknown"
	}
}

// ParseFloatABI parses a float ABI name (like the gcc -mfloat-abi values)
func ParseFloatABI(s string) (FloatABI, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "soft", "softfp", "armel", "gnueabi":
		return SoftFloat, nil
	case "hard", "hardfp", "armhf", "gnueabihf":
		return HardFloat, nil
	default:
		return 0, fmt.Errorf("unsupported float ABI: %s (supported: softfp, hardfp)", s)
	}
}

// RootMode selects how the collector finds the active frames
type RootMode int

const (
	// RootsFramePointer relies on the frame register alone
	RootsFramePointer RootMode = iota
	// RootsShadowStack pushes every active JitFrame on a software root stack
	RootsShadowStack
)

func (m RootMode) String() string {
	switch m {
	case RootsFramePointer:
		return "framepointer"
	case RootsShadowStack:
		return "shadowstack"
	default:
		return "unknown"
	}
}

// ParseRootMode parses a root-finding mode name
func ParseRootMode(s string) (RootMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "framepointer", "fp", "":
		return RootsFramePointer, nil
	case "shadowstack", "shadow":
		return RootsShadowStack, nil
	default:
		return 0, fmt.Errorf("unsupported root mode: %s (supported: framepointer, shadowstack)", s)
	}
}

// Machine describes the target the backend emits code for
type Machine struct {
	Name     string
	WordSize int
	FloatABI FloatABI
	Roots    RootMode
}

// String returns the machine name written into jitlog headers
func (m Machine) String() string {
	return fmt.Sprintf("%s-%s", m.Name, m.FloatABI)
}

// Is32Bit reports whether the machine word is 4 bytes
func (m Machine) Is32Bit() bool {
	return m.WordSize == 4
}

// ARMv7 returns the default ARMv7-A/VFPv3-D16 machine description
func ARMv7(abi FloatABI, roots RootMode) Machine {
	return Machine{Name: "armv7", WordSize: 4, FloatABI: abi, Roots: roots}
}
