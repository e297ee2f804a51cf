// Package jit specializes lifted device modules against the arguments of a
// concrete launch and compiles the result through a backend Compiler.
package jit

import (
	"strings"
)

// Action identifies one kind of specialization.
type Action uint8

const (
	// ActionAlignment asserts the alignment of a pointer argument.
	ActionAlignment Action = iota
	// ActionSpecialization replaces a scalar argument with its value.
	ActionSpecialization
	// ActionNumTeams bakes the team count into the kernel.
	ActionNumTeams
	// ActionNumThreads bakes the thread count into the kernel.
	ActionNumThreads
)

func (a Action) String() string {
	switch a {
	case ActionAlignment:
		return "alignment"
	case ActionSpecialization:
		return "specialization"
	case ActionNumTeams:
		return "num_teams"
	case ActionNumThreads:
		return "num_threads"
	default:
		return "unknown"
	}
}

// Optimizations is the set of enabled actions.
type Optimizations uint8

// AllOptimizations enables every action.
const AllOptimizations Optimizations = 1<<ActionAlignment | 1<<ActionSpecialization | 1<<ActionNumTeams | 1<<ActionNumThreads

// Enabled reports whether a is part of the set.
func (o Optimizations) Enabled(a Action) bool {
	return o&(1<<a) != 0
}

// Without returns o with a removed.
func (o Optimizations) Without(a Action) Optimizations {
	return o &^ (1 << a)
}

func (o Optimizations) String() string {
	var parts []string
	for a := ActionAlignment; a <= ActionNumThreads; a++ {
		if o.Enabled(a) {
			parts = append(parts, a.String())
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ";")
}

// ParseDisabled parses a ';'-separated, case-insensitive list of actions to
// disable ("alignment", "specialization", "num_teams", "num_threads", "all")
// and returns the remaining enabled set. Unrecognised names are returned so
// the caller can report them.
func ParseDisabled(s string) (Optimizations, []string) {
	enabled := AllOptimizations
	var unknown []string
	for tok := range strings.SplitSeq(s, ";") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		switch tok {
		case "":
		case "alignment":
			enabled = enabled.Without(ActionAlignment)
		case "specialization":
			enabled = enabled.Without(ActionSpecialization)
		case "num_teams":
			enabled = enabled.Without(ActionNumTeams)
		case "num_threads":
			enabled = enabled.Without(ActionNumThreads)
		case "all":
			enabled = 0
		default:
			unknown = append(unknown, tok)
		}
	}
	return enabled, unknown
}
