package pump

// Button is a simulated RT-mode button code. Combining
// buttons (e.g. BACK) is the bitwise OR of their codes.
type Button uint8

const (
	// NoButton represents "no button pressed" -- the release code sent at
	// the end of every press.
	NoButton Button = 0x00

	// Up is the up-arrow button.
	Up Button = 0x30

	// Down is the down-arrow button.
	Down Button = 0xC0

	// Menu is the menu button.
	Menu Button = 0x03

	// Check is the check/confirm button.
	Check Button = 0x0C

	// Back is the compound MENU+UP press used to ascend one menu level.
	Back = Menu | Up
)

// String returns a human-readable name for well-known button codes.
func (b Button) String() string {
	switch b {
	case NoButton:
		return "NONE"
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	case Menu:
		return "MENU"
	case Check:
		return "CHECK"
	case Back:
		return "BACK"
	default:
		return "UNKNOWN"
	}
}
