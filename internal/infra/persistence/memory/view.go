package memory

import (
	"sort"

	"github.com/gdsfactory/gdatasea/pkg/domain"
)

// transactionView is a read-only window over a memoryState. The state it
// wraps is always a private clone, so returned values are safe to hand out.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) *transactionView {
	return &transactionView{state: state}
}

func sortByPkey[T any](items []T, pkey func(T) int64) []T {
	sort.Slice(items, func(i, j int) bool { return pkey(items[i]) < pkey(items[j]) })
	return items
}

func (v *transactionView) FindProject(pkey int64) (Project, bool) {
	p, ok := v.state.projects[pkey]
	if !ok {
		return Project{}, false
	}
	return cloneProject(p), true
}

func (v *transactionView) FindProjectByID(projectID string) (Project, bool) {
	for _, p := range v.state.projects {
		if p.ProjectID == projectID {
			return cloneProject(p), true
		}
	}
	return Project{}, false
}

func (v *transactionView) ListProjects() []Project {
	out := make([]Project, 0, len(v.state.projects))
	for _, p := range v.state.projects {
		out = append(out, cloneProject(p))
	}
	return sortByPkey(out, func(p Project) int64 { return p.Pkey })
}

func (v *transactionView) FindCell(pkey int64) (Cell, bool) {
	c, ok := v.state.cells[pkey]
	if !ok {
		return Cell{}, false
	}
	return cloneCell(c), true
}

func (v *transactionView) FindCellByID(projectPkey int64, cellID string) (Cell, bool) {
	for _, c := range v.state.cells {
		if c.ProjectPkey == projectPkey && c.CellID == cellID {
			return cloneCell(c), true
		}
	}
	return Cell{}, false
}

func (v *transactionView) ListCells(projectPkey int64) []Cell {
	var out []Cell
	for _, c := range v.state.cells {
		if c.ProjectPkey == projectPkey {
			out = append(out, cloneCell(c))
		}
	}
	return sortByPkey(out, func(c Cell) int64 { return c.Pkey })
}

func (v *transactionView) FindDevice(pkey int64) (Device, bool) {
	d, ok := v.state.devices[pkey]
	if !ok {
		return Device{}, false
	}
	return cloneDevice(d), true
}

func (v *transactionView) FindDeviceByID(cellPkey int64, deviceID string) (Device, bool) {
	for _, d := range v.state.devices {
		if d.CellPkey == cellPkey && d.DeviceID == deviceID {
			return cloneDevice(d), true
		}
	}
	return Device{}, false
}

func (v *transactionView) ListDevices(cellPkey int64) []Device {
	var out []Device
	for _, d := range v.state.devices {
		if d.CellPkey == cellPkey {
			out = append(out, cloneDevice(d))
		}
	}
	return sortByPkey(out, func(d Device) int64 { return d.Pkey })
}

func (v *transactionView) FindWafer(pkey int64) (Wafer, bool) {
	w, ok := v.state.wafers[pkey]
	if !ok {
		return Wafer{}, false
	}
	return cloneWafer(w), true
}

func (v *transactionView) FindWaferByID(projectPkey int64, waferID string) (Wafer, bool) {
	for _, w := range v.state.wafers {
		if w.ProjectPkey == projectPkey && w.WaferID == waferID {
			return cloneWafer(w), true
		}
	}
	return Wafer{}, false
}

func (v *transactionView) ListWafers(projectPkey int64) []Wafer {
	var out []Wafer
	for _, w := range v.state.wafers {
		if w.ProjectPkey == projectPkey {
			out = append(out, cloneWafer(w))
		}
	}
	return sortByPkey(out, func(w Wafer) int64 { return w.Pkey })
}

func (v *transactionView) FindDie(pkey int64) (Die, bool) {
	d, ok := v.state.dies[pkey]
	if !ok {
		return Die{}, false
	}
	return cloneDie(d), true
}

func (v *transactionView) FindDieByCoords(waferPkey int64, x, y int) (Die, bool) {
	for _, d := range v.state.dies {
		if d.WaferPkey == waferPkey && d.X == x && d.Y == y {
			return cloneDie(d), true
		}
	}
	return Die{}, false
}

func (v *transactionView) ListDies(waferPkey int64) []Die {
	var out []Die
	for _, d := range v.state.dies {
		if d.WaferPkey == waferPkey {
			out = append(out, cloneDie(d))
		}
	}
	return sortByPkey(out, func(d Die) int64 { return d.Pkey })
}

func (v *transactionView) FindDeviceData(pkey int64) (DeviceData, bool) {
	d, ok := v.state.deviceData[pkey]
	if !ok {
		return DeviceData{}, false
	}
	return cloneDeviceData(d), true
}

func (v *transactionView) ListDeviceData(devicePkey int64) []DeviceData {
	var out []DeviceData
	for _, d := range v.state.deviceData {
		if d.DevicePkey == devicePkey {
			out = append(out, cloneDeviceData(d))
		}
	}
	return sortByPkey(out, func(d DeviceData) int64 { return d.Pkey })
}

func (v *transactionView) FindAnalysisFunction(pkey int64) (AnalysisFunction, bool) {
	fn, ok := v.state.functions[pkey]
	return fn, ok
}

func (v *transactionView) FindAnalysisFunctionByVersion(functionID string, version int) (AnalysisFunction, bool) {
	for _, fn := range v.state.functions {
		if fn.AnalysisFunctionID == functionID && fn.Version == version {
			return fn, true
		}
	}
	return AnalysisFunction{}, false
}

func (v *transactionView) LatestAnalysisFunction(functionID string) (AnalysisFunction, bool) {
	var best AnalysisFunction
	found := false
	for _, fn := range v.state.functions {
		if fn.AnalysisFunctionID != functionID {
			continue
		}
		if !found || fn.Version > best.Version {
			best = fn
			found = true
		}
	}
	return best, found
}

func (v *transactionView) ListAnalysisFunctions() []AnalysisFunction {
	out := make([]AnalysisFunction, 0, len(v.state.functions))
	for _, fn := range v.state.functions {
		out = append(out, fn)
	}
	return sortByPkey(out, func(fn AnalysisFunction) int64 { return fn.Pkey })
}

func (v *transactionView) FindAnalysis(pkey int64) (Analysis, bool) {
	a, ok := v.state.analyses[pkey]
	if !ok {
		return Analysis{}, false
	}
	return cloneAnalysis(a), true
}

func (v *transactionView) LatestAnalysis(functionPkey int64, target domain.TargetRef) (Analysis, bool) {
	for _, a := range v.state.analyses {
		if a.AnalysisFunctionPkey == functionPkey && a.IsLatest && a.Target().Equal(target) {
			return cloneAnalysis(a), true
		}
	}
	return Analysis{}, false
}

func (v *transactionView) ListAnalyses(functionPkey int64, target domain.TargetRef) []Analysis {
	var out []Analysis
	for _, a := range v.state.analyses {
		if a.AnalysisFunctionPkey == functionPkey && a.Target().Equal(target) {
			out = append(out, cloneAnalysis(a))
		}
	}
	return sortByPkey(out, func(a Analysis) int64 { return a.Pkey })
}
