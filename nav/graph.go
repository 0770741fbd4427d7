// Package nav implements remote-terminal menu navigation: a hand-authored
// menu graph over screen types, breadth-first shortest paths, cycling and
// waiting helpers, and the long/short-press quantity adjustment algorithm.
package nav

import (
	"github.com/accu-chek/combodriver/pump"
)

// EdgeKind distinguishes how an edge is traversed on the pump.
type EdgeKind uint8

const (
	// EdgeDescend enters a menu or moves along a menu ring.
	EdgeDescend EdgeKind = iota

	// EdgeAscend leaves a submenu, normally with the BACK combination.
	EdgeAscend
)

// availability masks edges depending on whether the pump is stopped. The
// TBR sub-tree does not exist on a stopped pump, and the menu ring closes
// over the gap.
type availability uint8

const (
	availAlways availability = iota
	availRunning
	availStopped
)

// Edge is one transition of the menu graph: pressing Button while the
// display shows the source screen moves the pump to the To screen.
type Edge struct {
	To     pump.ScreenType
	Button pump.Button
	Kind   EdgeKind

	avail availability
}

// Step is one hop of a navigation path: press Button, then wait for a
// screen of type Screen.
type Step struct {
	Screen pump.ScreenType
	Button pump.Button
}

// Graph is an immutable directed menu graph over screen types.
type Graph struct {
	edges map[pump.ScreenType][]Edge
}

// DefaultGraph returns the Accu-Chek Combo menu structure.
//
// The top level is a ring stepped with MENU:
//
//	Main -> StandardBolus -> ExtendedBolus -> MultiwaveBolus -> TBR ->
//	MyData -> AlarmSettings -> TimeAndDateSettings -> BasalRateProgramming -> Main
//
// CHECK descends into a menu's sub-screens and BACK ascends. On a stopped
// pump the TBR menu vanishes from the ring and MultiwaveBolus steps
// directly to MyData.
func DefaultGraph() *Graph {
	g := &Graph{edges: make(map[pump.ScreenType][]Edge)}

	ring := []pump.ScreenType{
		pump.ScreenMain,
		pump.ScreenStandardBolusMenu,
		pump.ScreenExtendedBolusMenu,
		pump.ScreenMultiwaveBolusMenu,
		pump.ScreenTemporaryBasalRateMenu,
		pump.ScreenMyDataMenu,
		pump.ScreenAlarmSettingsMenu,
		pump.ScreenTimeAndDateSettingsMenu,
		pump.ScreenBasalRateProgrammingMenu,
	}
	for i, from := range ring {
		to := ring[(i+1)%len(ring)]
		avail := availAlways
		if to == pump.ScreenTemporaryBasalRateMenu || from == pump.ScreenTemporaryBasalRateMenu {
			avail = availRunning
		}
		g.add(from, Edge{To: to, Button: pump.Menu, Kind: EdgeDescend, avail: avail})

		if from != pump.ScreenMain {
			g.add(from, Edge{To: pump.ScreenMain, Button: pump.Back, Kind: EdgeAscend})
		}
	}
	// Ring closure over the missing TBR menu on a stopped pump.
	g.add(pump.ScreenMultiwaveBolusMenu,
		Edge{To: pump.ScreenMyDataMenu, Button: pump.Menu, Kind: EdgeDescend, avail: availStopped})

	// Quickinfo hangs directly off the main screen.
	g.add(pump.ScreenMain, Edge{To: pump.ScreenQuickinfo, Button: pump.Check, Kind: EdgeDescend})
	g.add(pump.ScreenQuickinfo, Edge{To: pump.ScreenMain, Button: pump.Back, Kind: EdgeAscend})

	// TBR: percentage and duration alternate under MENU.
	g.add(pump.ScreenTemporaryBasalRateMenu,
		Edge{To: pump.ScreenTemporaryBasalRatePercentage, Button: pump.Check, Kind: EdgeDescend, avail: availRunning})
	g.subRing(pump.ScreenTemporaryBasalRateMenu, availRunning,
		pump.ScreenTemporaryBasalRatePercentage,
		pump.ScreenTemporaryBasalRateDuration,
	)

	// My Data records alternate under MENU.
	g.add(pump.ScreenMyDataMenu,
		Edge{To: pump.ScreenMyDataBolus, Button: pump.Check, Kind: EdgeDescend})
	g.subRing(pump.ScreenMyDataMenu, availAlways,
		pump.ScreenMyDataBolus,
		pump.ScreenMyDataTBR,
		pump.ScreenMyDataError,
	)

	// Time and date settings.
	g.add(pump.ScreenTimeAndDateSettingsMenu,
		Edge{To: pump.ScreenTimeAndDateSettingsTime, Button: pump.Check, Kind: EdgeDescend})
	g.subRing(pump.ScreenTimeAndDateSettingsMenu, availAlways,
		pump.ScreenTimeAndDateSettingsTime,
		pump.ScreenTimeAndDateSettingsDate,
	)

	// Basal rate programming: the total leads to the per-hour factors.
	g.add(pump.ScreenBasalRateProgrammingMenu,
		Edge{To: pump.ScreenBasalRateTotal, Button: pump.Check, Kind: EdgeDescend})
	g.add(pump.ScreenBasalRateTotal,
		Edge{To: pump.ScreenBasalRateFactorSetting, Button: pump.Menu, Kind: EdgeDescend})
	g.add(pump.ScreenBasalRateTotal,
		Edge{To: pump.ScreenBasalRateProgrammingMenu, Button: pump.Back, Kind: EdgeAscend})
	g.add(pump.ScreenBasalRateFactorSetting,
		Edge{To: pump.ScreenBasalRateProgrammingMenu, Button: pump.Back, Kind: EdgeAscend})

	return g
}

// add appends one edge.
func (g *Graph) add(from pump.ScreenType, e Edge) {
	g.edges[from] = append(g.edges[from], e)
}

// subRing wires screens into a MENU-stepped ring whose members all ascend
// to parent with BACK.
func (g *Graph) subRing(parent pump.ScreenType, avail availability, screens ...pump.ScreenType) {
	for i, from := range screens {
		to := screens[(i+1)%len(screens)]
		if len(screens) > 1 {
			g.add(from, Edge{To: to, Button: pump.Menu, Kind: EdgeDescend, avail: avail})
		}
		g.add(from, Edge{To: parent, Button: pump.Back, Kind: EdgeAscend, avail: avail})
	}
}

// Edges returns the outgoing edges of a screen type usable under the given
// stopped state.
func (g *Graph) Edges(from pump.ScreenType, stopped bool) []Edge {
	all := g.edges[from]
	out := make([]Edge, 0, len(all))
	for _, e := range all {
		switch e.avail {
		case availRunning:
			if stopped {
				continue
			}
		case availStopped:
			if !stopped {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// ShortestPath returns the breadth-first shortest button sequence from one
// screen type to another, or ok=false when the target is unreachable. The
// path from a screen to itself is empty.
func (g *Graph) ShortestPath(from, to pump.ScreenType, stopped bool) ([]Step, bool) {
	if from == to {
		return nil, true
	}

	type visit struct {
		screen pump.ScreenType
		prev   int
		step   Step
	}
	visits := []visit{{screen: from, prev: -1}}
	seen := map[pump.ScreenType]bool{from: true}

	for i := 0; i < len(visits); i++ {
		for _, e := range g.Edges(visits[i].screen, stopped) {
			if seen[e.To] {
				continue
			}
			seen[e.To] = true
			visits = append(visits, visit{
				screen: e.To,
				prev:   i,
				step:   Step{Screen: e.To, Button: e.Button},
			})
			if e.To != to {
				continue
			}
			// Unwind the visit chain into a forward path.
			var path []Step
			for j := len(visits) - 1; j > 0; j = visits[j].prev {
				path = append(path, visits[j].step)
			}
			for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
				path[l], path[r] = path[r], path[l]
			}
			return path, true
		}
	}
	return nil, false
}
