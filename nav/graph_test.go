package nav

import (
	"testing"

	"github.com/accu-chek/combodriver/pump"
)

func TestShortestPathSelfIsEmpty(t *testing.T) {
	g := DefaultGraph()
	path, ok := g.ShortestPath(pump.ScreenMain, pump.ScreenMain, false)
	if !ok || len(path) != 0 {
		t.Fatalf("path = %v ok=%v, want empty path", path, ok)
	}
}

func TestShortestPathMainToBasalFactorSetting(t *testing.T) {
	g := DefaultGraph()
	path, ok := g.ShortestPath(pump.ScreenMain, pump.ScreenBasalRateFactorSetting, false)
	if !ok {
		t.Fatal("no path found")
	}

	var buttons []pump.Button
	for _, s := range path {
		buttons = append(buttons, s.Button)
	}
	want := []pump.Button{
		pump.Menu, pump.Menu, pump.Menu, pump.Menu, pump.Menu,
		pump.Menu, pump.Menu, pump.Menu, pump.Check, pump.Menu,
	}
	if len(buttons) != len(want) {
		t.Fatalf("buttons = %v (len %d), want %v", buttons, len(buttons), want)
	}
	for i := range want {
		if buttons[i] != want[i] {
			t.Fatalf("buttons = %v, want %v", buttons, want)
		}
	}
	if last := path[len(path)-1].Screen; last != pump.ScreenBasalRateFactorSetting {
		t.Fatalf("path ends on %s", last)
	}
}

func TestShortestPathAscendsViaBack(t *testing.T) {
	g := DefaultGraph()
	path, ok := g.ShortestPath(pump.ScreenQuickinfo, pump.ScreenStandardBolusMenu, false)
	if !ok {
		t.Fatal("no path found")
	}
	if path[0].Button != pump.Back || path[0].Screen != pump.ScreenMain {
		t.Fatalf("first hop = %+v, want BACK to Main", path[0])
	}
	if path[len(path)-1].Screen != pump.ScreenStandardBolusMenu {
		t.Fatalf("path ends on %s", path[len(path)-1].Screen)
	}
}

func TestStoppedPumpMasksTBRSubtree(t *testing.T) {
	g := DefaultGraph()

	if _, ok := g.ShortestPath(pump.ScreenMain, pump.ScreenTemporaryBasalRatePercentage, false); !ok {
		t.Fatal("running pump cannot reach the TBR percentage screen")
	}
	for _, target := range []pump.ScreenType{
		pump.ScreenTemporaryBasalRateMenu,
		pump.ScreenTemporaryBasalRatePercentage,
		pump.ScreenTemporaryBasalRateDuration,
	} {
		if _, ok := g.ShortestPath(pump.ScreenMain, target, true); ok {
			t.Errorf("stopped pump can still reach %s", target)
		}
	}

	// The menu ring closes over the gap: My Data remains reachable.
	path, ok := g.ShortestPath(pump.ScreenMain, pump.ScreenMyDataMenu, true)
	if !ok {
		t.Fatal("stopped pump cannot reach My Data")
	}
	if len(path) != 4 {
		t.Errorf("stopped-pump path to My Data has %d hops, want 4", len(path))
	}
}

func TestGraphStronglyConnectedWhileRunning(t *testing.T) {
	g := DefaultGraph()
	screens := []pump.ScreenType{
		pump.ScreenMain, pump.ScreenQuickinfo,
		pump.ScreenStandardBolusMenu, pump.ScreenExtendedBolusMenu, pump.ScreenMultiwaveBolusMenu,
		pump.ScreenTemporaryBasalRateMenu, pump.ScreenTemporaryBasalRatePercentage, pump.ScreenTemporaryBasalRateDuration,
		pump.ScreenMyDataMenu, pump.ScreenMyDataBolus, pump.ScreenMyDataTBR, pump.ScreenMyDataError,
		pump.ScreenAlarmSettingsMenu,
		pump.ScreenTimeAndDateSettingsMenu, pump.ScreenTimeAndDateSettingsTime, pump.ScreenTimeAndDateSettingsDate,
		pump.ScreenBasalRateProgrammingMenu, pump.ScreenBasalRateTotal, pump.ScreenBasalRateFactorSetting,
	}
	for _, from := range screens {
		for _, to := range screens {
			if _, ok := g.ShortestPath(from, to, false); !ok {
				t.Errorf("no path %s -> %s", from, to)
			}
		}
	}
}

func TestShortestPathBoundedByGraphSize(t *testing.T) {
	g := DefaultGraph()
	nodes := len(g.edges)
	for from := range g.edges {
		for to := range g.edges {
			path, ok := g.ShortestPath(from, to, false)
			if ok && len(path) > nodes {
				t.Errorf("path %s -> %s longer than node count: %d", from, to, len(path))
			}
		}
	}
}
