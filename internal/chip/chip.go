// Package chip describes the accelerator generations the runtime can drive
// and the per-generation capabilities that shape command encoding.
package chip

import (
	"fmt"
	"strings"
)

// Generation selects one of the two incompatible SQE layouts.
type Generation uint8

const (
	Stars Generation = iota
	David
)

func (g Generation) String() string {
	switch g {
	case Stars:
		return "stars"
	case David:
		return "david"
	default:
		return fmt.Sprintf("generation(%d)", uint8(g))
	}
}

// ParseGeneration accepts the lower-case generation names used in config files.
func ParseGeneration(s string) (Generation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stars":
		return Stars, nil
	case "david", "":
		return David, nil
	default:
		return 0, fmt.Errorf("unknown generation %q", s)
	}
}

// MachClass is the compute core class a kernel was compiled for.
type MachClass uint8

const (
	AICore MachClass = iota
	AIVector
)

func (m MachClass) String() string {
	if m == AIVector {
		return "aiv"
	}
	return "aic"
}

// MixType records how a compiled kernel spreads across cube and vector cores.
type MixType uint8

const (
	NoMix MixType = iota
	MixAIC
	MixAIV
	MixAICAIVMainAIC
	MixAICAIVMainAIV
)

// IsDual reports whether the kernel runs on both core classes at once.
func (m MixType) IsDual() bool {
	return m == MixAICAIVMainAIC || m == MixAICAIVMainAIV
}

func (m MixType) String() string {
	switch m {
	case NoMix:
		return "no_mix"
	case MixAIC:
		return "mix_aic"
	case MixAIV:
		return "mix_aiv"
	case MixAICAIVMainAIC:
		return "mix_aic_aiv_main_aic"
	case MixAICAIVMainAIV:
		return "mix_aic_aiv_main_aiv"
	default:
		return fmt.Sprintf("mix(%d)", uint8(m))
	}
}

// Profile carries the capabilities of one device.
type Profile struct {
	Generation Generation
	QueueDepth uint32
	// WideCcu selects 128-byte CCU argument records; narrow records are 32 bytes.
	WideCcu bool
	// PcieBar is set when the driver reports host memory reachable over a PCIe BAR.
	PcieBar  bool
	DieCount uint8
	RAS      bool
}

// DefaultProfile returns the stock capabilities of a generation.
func DefaultProfile(g Generation) Profile {
	switch g {
	case Stars:
		return Profile{
			Generation: Stars,
			QueueDepth: 1024,
			PcieBar:    true,
			DieCount:   1,
			RAS:        false,
		}
	default:
		return Profile{
			Generation: David,
			QueueDepth: 2049,
			WideCcu:    true,
			PcieBar:    false,
			DieCount:   2,
			RAS:        true,
		}
	}
}

// Validate rejects profiles the queue tracker cannot run with.
func (p Profile) Validate() error {
	if p.Generation != Stars && p.Generation != David {
		return fmt.Errorf("invalid generation %d", p.Generation)
	}
	if p.QueueDepth < 2 {
		return fmt.Errorf("queue depth %d too small", p.QueueDepth)
	}
	if p.QueueDepth > 1<<16 {
		return fmt.Errorf("queue depth %d exceeds 16-bit task ids", p.QueueDepth)
	}
	return nil
}
