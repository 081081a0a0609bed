package dlm

import "fmt"

// Mode is a lock mode.
type Mode uint8

const (
	// ModeNL is the null mode. It conflicts with nothing.
	ModeNL Mode = iota
	// ModePR is protected read. It is shared with other PR holders.
	ModePR
	// ModeEX is exclusive.
	ModeEX

	modeInvalid Mode = 0xff
)

// Valid reports whether m names a usable mode.
func (m Mode) Valid() bool {
	return m <= ModeEX
}

func (m Mode) String() string {
	switch m {
	case ModeNL:
		return "NL"
	case ModePR:
		return "PR"
	case ModeEX:
		return "EX"
	case modeInvalid:
		return "IV"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// compatible reports whether locks in modes a and b may be granted together.
func compatible(a, b Mode) bool {
	if a == ModeNL || b == ModeNL {
		return true
	}
	return a == ModePR && b == ModePR
}

// Flags modify a lock request.
type Flags uint32

const (
	// FlagNoQueue fails the request with ErrNotQueued instead of waiting.
	FlagNoQueue Flags = 1 << iota
	// FlagRecovery lets the request pass the recovery barrier. Only the
	// recovery election uses it.
	FlagRecovery

	// flagCancel marks an unlock message that withdraws a pending request.
	flagCancel
)
