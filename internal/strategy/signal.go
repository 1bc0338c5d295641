package strategy

// Strategy tags attribute an entry to the source that produced it.
const (
	StrategyIchimoku = "ichimoku"
	StrategyBreakout = "breakout"
)

// Signal is a trade intent. Only the variants below implement it, so a
// signal can never be both an entry and an exit.
type Signal interface {
	isSignal()
	String() string
}

type EnterLong struct {
	Strategy string
}

type ExitLong struct{}

type EnterShort struct {
	Strategy string
}

type NoAction struct{}

func (EnterLong) isSignal()  {}
func (ExitLong) isSignal()   {}
func (EnterShort) isSignal() {}
func (NoAction) isSignal()   {}

func (s EnterLong) String() string  { return "enter_long:" + s.Strategy }
func (ExitLong) String() string     { return "exit_long" }
func (s EnterShort) String() string { return "enter_short:" + s.Strategy }
func (NoAction) String() string     { return "none" }

// IsEntry reports whether s opens a position.
func IsEntry(s Signal) bool {
	switch s.(type) {
	case EnterLong, EnterShort:
		return true
	}
	return false
}
