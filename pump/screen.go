package pump

import "context"

// ScreenType tags the kind of RT-mode screen currently displayed. Menu
// navigation graphs are built over these tags.
type ScreenType uint8

const (
	ScreenUnrecognized ScreenType = iota
	ScreenMain
	ScreenQuickinfo
	ScreenAlert
	ScreenTemporaryBasalRateMenu
	ScreenTemporaryBasalRatePercentage
	ScreenTemporaryBasalRateDuration
	ScreenBasalRateProgrammingMenu
	ScreenBasalRateTotal
	ScreenBasalRateFactorSetting
	ScreenMyDataMenu
	ScreenMyDataBolus
	ScreenMyDataTBR
	ScreenMyDataError
	ScreenTimeAndDateSettingsMenu
	ScreenTimeAndDateSettingsTime
	ScreenTimeAndDateSettingsDate
	ScreenStandardBolusMenu
	ScreenExtendedBolusMenu
	ScreenMultiwaveBolusMenu
	ScreenAlarmSettingsMenu
)

// screenTypeNames gives a human-readable label for each ScreenType, used in
// logs and error messages.
var screenTypeNames = map[ScreenType]string{
	ScreenUnrecognized:                 "Unrecognized",
	ScreenMain:                         "Main",
	ScreenQuickinfo:                    "Quickinfo",
	ScreenAlert:                        "Alert",
	ScreenTemporaryBasalRateMenu:       "TemporaryBasalRateMenu",
	ScreenTemporaryBasalRatePercentage: "TemporaryBasalRatePercentage",
	ScreenTemporaryBasalRateDuration:   "TemporaryBasalRateDuration",
	ScreenBasalRateProgrammingMenu:     "BasalRateProgrammingMenu",
	ScreenBasalRateTotal:               "BasalRateTotal",
	ScreenBasalRateFactorSetting:       "BasalRateFactorSetting",
	ScreenMyDataMenu:                   "MyDataMenu",
	ScreenMyDataBolus:                  "MyDataBolus",
	ScreenMyDataTBR:                    "MyDataTBR",
	ScreenMyDataError:                  "MyDataError",
	ScreenTimeAndDateSettingsMenu:      "TimeAndDateSettingsMenu",
	ScreenTimeAndDateSettingsTime:      "TimeAndDateSettingsTime",
	ScreenTimeAndDateSettingsDate:      "TimeAndDateSettingsDate",
	ScreenStandardBolusMenu:            "StandardBolusMenu",
	ScreenExtendedBolusMenu:            "ExtendedBolusMenu",
	ScreenMultiwaveBolusMenu:           "MultiwaveBolusMenu",
	ScreenAlarmSettingsMenu:            "AlarmSettingsMenu",
}

// String returns the human-readable name of the screen type.
func (t ScreenType) String() string {
	if name, ok := screenTypeNames[t]; ok {
		return name
	}
	return "Unrecognized"
}

// Screen is a single parsed RT-mode display, produced externally by a
// ScreenParser from raw DisplayFrame bitmaps. Numeric fields are pointers:
// a nil value means the field is currently "blinked out" by the pump's
// display blinking animation.
type Screen struct {
	Type ScreenType

	// AlertContent holds the alert text for ScreenAlert.
	AlertContent string

	// Percent holds the TBR percentage for ScreenTemporaryBasalRatePercentage.
	Percent *int

	// Minutes holds the TBR duration for ScreenTemporaryBasalRateDuration.
	Minutes *int

	// BeginHour holds the basal segment start hour (0-23) for
	// ScreenBasalRateFactorSetting.
	BeginHour *int

	// Factor holds the basal segment rate in 0.01 IU/h units for
	// ScreenBasalRateFactorSetting.
	Factor *int

	// ProgrammingSegment holds which of the 24 daily basal segments
	// ScreenBasalRateProgrammingMenu refers to (1-based).
	ProgrammingSegment *int
}

// TypeEqual implements the "screen_type_eq" equivalence relation used by the
// menu navigator: two screens are equivalent if they share a node type,
// regardless of their field values.
func TypeEqual(a, b Screen) bool {
	return a.Type == b.Type
}

// ContentEqual implements the "screen_content_eq" equivalence relation used
// by the duplicate-filtering screen stream: two screens are equivalent only
// if every field matches, so that a blink-induced nil and a real value are
// treated as distinct samples.
func ContentEqual(a, b Screen) bool {
	if a.Type != b.Type || a.AlertContent != b.AlertContent {
		return false
	}
	return intPtrEqual(a.Percent, b.Percent) &&
		intPtrEqual(a.Minutes, b.Minutes) &&
		intPtrEqual(a.BeginHour, b.BeginHour) &&
		intPtrEqual(a.Factor, b.Factor) &&
		intPtrEqual(a.ProgrammingSegment, b.ProgrammingSegment)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ScreenParser converts a stream of raw display frames into a stream of
// parsed screens. It is an external collaborator:
// this repository only depends on the interface, never on pixel assembly or
// OCR. Consumers that need the duplicate-filtering variant wrap the result
// in FilterDuplicates.
type ScreenParser interface {
	// Stream consumes frames until ctx is cancelled or frames is closed,
	// emitting one Screen per recognized display update.
	Stream(ctx context.Context, frames <-chan DisplayFrame) <-chan Screen
}

// FilterDuplicates returns a stream that forwards in's screens while
// suppressing consecutive ContentEqual samples, so that a single button
// press produces at most one observable transition. Only adjacent equals
// are removed; arrival order is preserved. The returned channel closes
// when in closes or ctx is cancelled.
func FilterDuplicates(ctx context.Context, in <-chan Screen) <-chan Screen {
	out := make(chan Screen)

	go func() {
		defer close(out)

		var last Screen
		have := false
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-in:
				if !ok {
					return
				}
				if have && ContentEqual(last, s) {
					continue
				}
				last, have = s, true
				select {
				case <-ctx.Done():
					return
				case out <- s:
				}
			}
		}
	}()

	return out
}

// DisplayFrame is one 96x32 monochrome RT-mode display bitmap, reassembled
// from four RT_DISPLAY app packets carrying rows 0..3 of the same frame
// index.
type DisplayFrame struct {
	Index uint8
	// Pixels is row-major, 32 rows of 96 booleans; Pixels[row][col] is true
	// for a lit pixel.
	Pixels [32][96]bool
}
