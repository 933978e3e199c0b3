// Package memory provides the canonical in-memory implementation of the
// gdatasea persistence contracts. It is used directly for tests and
// ephemeral environments and embedded by the durable sqlite and postgres
// stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gdsfactory/gdatasea/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Project aliases domain.Project for in-memory persistence operations.
	Project = domain.Project
	// Cell aliases domain.Cell.
	Cell = domain.Cell
	// Device aliases domain.Device.
	Device = domain.Device
	// Wafer aliases domain.Wafer.
	Wafer = domain.Wafer
	// Die aliases domain.Die.
	Die = domain.Die
	// DeviceData aliases domain.DeviceData.
	DeviceData = domain.DeviceData
	// AnalysisFunction aliases domain.AnalysisFunction.
	AnalysisFunction = domain.AnalysisFunction
	// Analysis aliases domain.Analysis.
	Analysis = domain.Analysis
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases the domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

// ChangeObserver receives the change set of every committed transaction.
type ChangeObserver func([]Change)

type memoryState struct {
	projects   map[int64]Project
	cells      map[int64]Cell
	devices    map[int64]Device
	wafers     map[int64]Wafer
	dies       map[int64]Die
	deviceData map[int64]DeviceData
	functions  map[int64]AnalysisFunction
	analyses   map[int64]Analysis
	sequences  map[domain.EntityType]int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Projects          map[int64]Project           `json:"projects"`
	Cells             map[int64]Cell              `json:"cells"`
	Devices           map[int64]Device            `json:"devices"`
	Wafers            map[int64]Wafer             `json:"wafers"`
	Dies              map[int64]Die               `json:"dies"`
	DeviceData        map[int64]DeviceData        `json:"device_data"`
	AnalysisFunctions map[int64]AnalysisFunction  `json:"analysis_functions"`
	Analyses          map[int64]Analysis          `json:"analyses"`
	Sequences         map[domain.EntityType]int64 `json:"sequences"`
}

func newMemoryState() memoryState {
	return memoryState{
		projects:   make(map[int64]Project),
		cells:      make(map[int64]Cell),
		devices:    make(map[int64]Device),
		wafers:     make(map[int64]Wafer),
		dies:       make(map[int64]Die),
		deviceData: make(map[int64]DeviceData),
		functions:  make(map[int64]AnalysisFunction),
		analyses:   make(map[int64]Analysis),
		sequences:  make(map[domain.EntityType]int64),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.projects {
		cloned.projects[k] = cloneProject(v)
	}
	for k, v := range s.cells {
		cloned.cells[k] = cloneCell(v)
	}
	for k, v := range s.devices {
		cloned.devices[k] = cloneDevice(v)
	}
	for k, v := range s.wafers {
		cloned.wafers[k] = cloneWafer(v)
	}
	for k, v := range s.dies {
		cloned.dies[k] = cloneDie(v)
	}
	for k, v := range s.deviceData {
		cloned.deviceData[k] = cloneDeviceData(v)
	}
	for k, v := range s.functions {
		cloned.functions[k] = v
	}
	for k, v := range s.analyses {
		cloned.analyses[k] = cloneAnalysis(v)
	}
	for k, v := range s.sequences {
		cloned.sequences[k] = v
	}
	return cloned
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneProject(p Project) Project {
	cp := p
	cp.Description = clonePtr(p.Description)
	return cp
}

func cloneCell(c Cell) Cell {
	cp := c
	cp.Attributes = c.Attributes.Clone()
	return cp
}

func cloneDevice(d Device) Device {
	cp := d
	cp.Attributes = d.Attributes.Clone()
	cp.ParentCellPkey = clonePtr(d.ParentCellPkey)
	cp.X = clonePtr(d.X)
	cp.Y = clonePtr(d.Y)
	cp.Angle = clonePtr(d.Angle)
	cp.Mirror = clonePtr(d.Mirror)
	return cp
}

func cloneWafer(w Wafer) Wafer {
	cp := w
	cp.Description = clonePtr(w.Description)
	cp.LotID = clonePtr(w.LotID)
	cp.Attributes = w.Attributes.Clone()
	return cp
}

func cloneDie(d Die) Die {
	cp := d
	cp.DieID = clonePtr(d.DieID)
	cp.Attributes = d.Attributes.Clone()
	return cp
}

func cloneDeviceData(d DeviceData) DeviceData {
	cp := d
	cp.ThumbnailPath = clonePtr(d.ThumbnailPath)
	cp.DiePkey = clonePtr(d.DiePkey)
	cp.TimestampAcquired = clonePtr(d.TimestampAcquired)
	cp.Attributes = d.Attributes.Clone()
	cp.PlottingKwargs = d.PlottingKwargs.Clone()
	return cp
}

func cloneAnalysis(a Analysis) Analysis {
	cp := a
	cp.Parameters = a.Parameters.Clone()
	cp.Output = a.Output.Clone()
	cp.Attributes = a.Attributes.Clone()
	cp.DeviceDataPkey = clonePtr(a.DeviceDataPkey)
	cp.DiePkey = clonePtr(a.DiePkey)
	cp.WaferPkey = clonePtr(a.WaferPkey)
	return cp
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Projects:          make(map[int64]Project, len(state.projects)),
		Cells:             make(map[int64]Cell, len(state.cells)),
		Devices:           make(map[int64]Device, len(state.devices)),
		Wafers:            make(map[int64]Wafer, len(state.wafers)),
		Dies:              make(map[int64]Die, len(state.dies)),
		DeviceData:        make(map[int64]DeviceData, len(state.deviceData)),
		AnalysisFunctions: make(map[int64]AnalysisFunction, len(state.functions)),
		Analyses:          make(map[int64]Analysis, len(state.analyses)),
		Sequences:         make(map[domain.EntityType]int64, len(state.sequences)),
	}
	for k, v := range state.projects {
		s.Projects[k] = cloneProject(v)
	}
	for k, v := range state.cells {
		s.Cells[k] = cloneCell(v)
	}
	for k, v := range state.devices {
		s.Devices[k] = cloneDevice(v)
	}
	for k, v := range state.wafers {
		s.Wafers[k] = cloneWafer(v)
	}
	for k, v := range state.dies {
		s.Dies[k] = cloneDie(v)
	}
	for k, v := range state.deviceData {
		s.DeviceData[k] = cloneDeviceData(v)
	}
	for k, v := range state.functions {
		s.AnalysisFunctions[k] = v
	}
	for k, v := range state.analyses {
		s.Analyses[k] = cloneAnalysis(v)
	}
	for k, v := range state.sequences {
		s.Sequences[k] = v
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Projects {
		state.projects[k] = cloneProject(v)
	}
	for k, v := range s.Cells {
		state.cells[k] = cloneCell(v)
	}
	for k, v := range s.Devices {
		state.devices[k] = cloneDevice(v)
	}
	for k, v := range s.Wafers {
		state.wafers[k] = cloneWafer(v)
	}
	for k, v := range s.Dies {
		state.dies[k] = cloneDie(v)
	}
	for k, v := range s.DeviceData {
		state.deviceData[k] = cloneDeviceData(v)
	}
	for k, v := range s.AnalysisFunctions {
		state.functions[k] = v
	}
	for k, v := range s.Analyses {
		state.analyses[k] = cloneAnalysis(v)
	}
	for k, v := range s.Sequences {
		state.sequences[k] = v
	}
	return state
}

// migrateSnapshot normalizes an imported snapshot: nil maps become empty,
// attribute bags become non-nil, orphaned children are dropped, and the
// per-kind sequences are rebuilt from the highest surviving pkeys so reloads
// never reissue an identifier.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Projects == nil {
		snapshot.Projects = map[int64]Project{}
	}
	if snapshot.Cells == nil {
		snapshot.Cells = map[int64]Cell{}
	}
	if snapshot.Devices == nil {
		snapshot.Devices = map[int64]Device{}
	}
	if snapshot.Wafers == nil {
		snapshot.Wafers = map[int64]Wafer{}
	}
	if snapshot.Dies == nil {
		snapshot.Dies = map[int64]Die{}
	}
	if snapshot.DeviceData == nil {
		snapshot.DeviceData = map[int64]DeviceData{}
	}
	if snapshot.AnalysisFunctions == nil {
		snapshot.AnalysisFunctions = map[int64]AnalysisFunction{}
	}
	if snapshot.Analyses == nil {
		snapshot.Analyses = map[int64]Analysis{}
	}
	if snapshot.Sequences == nil {
		snapshot.Sequences = map[domain.EntityType]int64{}
	}

	projectExists := func(pkey int64) bool {
		_, ok := snapshot.Projects[pkey]
		return ok
	}
	cellExists := func(pkey int64) bool {
		_, ok := snapshot.Cells[pkey]
		return ok
	}
	deviceExists := func(pkey int64) bool {
		_, ok := snapshot.Devices[pkey]
		return ok
	}
	waferExists := func(pkey int64) bool {
		_, ok := snapshot.Wafers[pkey]
		return ok
	}
	dieExists := func(pkey int64) bool {
		_, ok := snapshot.Dies[pkey]
		return ok
	}

	for pkey, cell := range snapshot.Cells {
		if !projectExists(cell.ProjectPkey) {
			delete(snapshot.Cells, pkey)
			continue
		}
		cell.Attributes = cell.Attributes.Clone()
		snapshot.Cells[pkey] = cell
	}
	for pkey, device := range snapshot.Devices {
		if !cellExists(device.CellPkey) {
			delete(snapshot.Devices, pkey)
			continue
		}
		if device.ParentCellPkey != nil && !cellExists(*device.ParentCellPkey) {
			delete(snapshot.Devices, pkey)
			continue
		}
		device.Attributes = device.Attributes.Clone()
		snapshot.Devices[pkey] = device
	}
	for pkey, wafer := range snapshot.Wafers {
		if !projectExists(wafer.ProjectPkey) {
			delete(snapshot.Wafers, pkey)
			continue
		}
		wafer.Attributes = wafer.Attributes.Clone()
		snapshot.Wafers[pkey] = wafer
	}
	for pkey, die := range snapshot.Dies {
		if !waferExists(die.WaferPkey) {
			delete(snapshot.Dies, pkey)
			continue
		}
		die.Attributes = die.Attributes.Clone()
		snapshot.Dies[pkey] = die
	}
	for pkey, data := range snapshot.DeviceData {
		if !deviceExists(data.DevicePkey) {
			delete(snapshot.DeviceData, pkey)
			continue
		}
		if data.DiePkey != nil && !dieExists(*data.DiePkey) {
			delete(snapshot.DeviceData, pkey)
			continue
		}
		data.Attributes = data.Attributes.Clone()
		data.PlottingKwargs = data.PlottingKwargs.Clone()
		snapshot.DeviceData[pkey] = data
	}
	for pkey, analysis := range snapshot.Analyses {
		if _, ok := snapshot.AnalysisFunctions[analysis.AnalysisFunctionPkey]; !ok {
			delete(snapshot.Analyses, pkey)
			continue
		}
		targetAlive := false
		switch {
		case analysis.DeviceDataPkey != nil:
			_, targetAlive = snapshot.DeviceData[*analysis.DeviceDataPkey]
		case analysis.DiePkey != nil:
			_, targetAlive = snapshot.Dies[*analysis.DiePkey]
		case analysis.WaferPkey != nil:
			_, targetAlive = snapshot.Wafers[*analysis.WaferPkey]
		}
		if !targetAlive {
			delete(snapshot.Analyses, pkey)
			continue
		}
		analysis.Parameters = analysis.Parameters.Clone()
		analysis.Output = analysis.Output.Clone()
		analysis.Attributes = analysis.Attributes.Clone()
		snapshot.Analyses[pkey] = analysis
	}

	bump := func(kind domain.EntityType, pkey int64) {
		if snapshot.Sequences[kind] < pkey {
			snapshot.Sequences[kind] = pkey
		}
	}
	for pkey := range snapshot.Projects {
		bump(domain.EntityProject, pkey)
	}
	for pkey := range snapshot.Cells {
		bump(domain.EntityCell, pkey)
	}
	for pkey := range snapshot.Devices {
		bump(domain.EntityDevice, pkey)
	}
	for pkey := range snapshot.Wafers {
		bump(domain.EntityWafer, pkey)
	}
	for pkey := range snapshot.Dies {
		bump(domain.EntityDie, pkey)
	}
	for pkey := range snapshot.DeviceData {
		bump(domain.EntityDeviceData, pkey)
	}
	for pkey := range snapshot.AnalysisFunctions {
		bump(domain.EntityAnalysisFunction, pkey)
	}
	for pkey := range snapshot.Analyses {
		bump(domain.EntityAnalysis, pkey)
	}
	return snapshot
}

// Store provides an in-memory transactional store for the gdatasea domain.
type Store struct {
	mu       sync.RWMutex
	state    memoryState
	observer ChangeObserver
	nowFn    func() time.Time
}

// NewStore constructs an in-memory store. The observer, when non-nil,
// receives the change set of every committed transaction.
func NewStore(observer ChangeObserver) *Store {
	return &Store{
		state:    newMemoryState(),
		observer: observer,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider; intended for deterministic tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RunInTransaction executes fn against a transactional copy of the store
// state. The copy replaces the live state only when fn returns nil, so a
// failing operation leaves prior state intact and readers never observe
// partial application.
func (s *Store) RunInTransaction(_ context.Context, fn func(Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	if s.observer != nil && len(tx.changes) > 0 {
		s.observer(tx.changes)
	}
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(newTransactionView(&snapshot))
}

func (s *Store) nextPkey(state *memoryState, kind domain.EntityType) int64 {
	state.sequences[kind]++
	return state.sequences[kind]
}

// GetProject returns a project by pkey.
func (s *Store) GetProject(pkey int64) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.projects[pkey]
	if !ok {
		return Project{}, false
	}
	return cloneProject(p), true
}

// GetCell returns a cell by pkey.
func (s *Store) GetCell(pkey int64) (Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.cells[pkey]
	if !ok {
		return Cell{}, false
	}
	return cloneCell(c), true
}

// GetDevice returns a device by pkey.
func (s *Store) GetDevice(pkey int64) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.devices[pkey]
	if !ok {
		return Device{}, false
	}
	return cloneDevice(d), true
}

// GetWafer returns a wafer by pkey.
func (s *Store) GetWafer(pkey int64) (Wafer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.state.wafers[pkey]
	if !ok {
		return Wafer{}, false
	}
	return cloneWafer(w), true
}

// GetDie returns a die by pkey.
func (s *Store) GetDie(pkey int64) (Die, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.dies[pkey]
	if !ok {
		return Die{}, false
	}
	return cloneDie(d), true
}

// GetDeviceData returns a device data row by pkey.
func (s *Store) GetDeviceData(pkey int64) (DeviceData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.deviceData[pkey]
	if !ok {
		return DeviceData{}, false
	}
	return cloneDeviceData(d), true
}

// GetAnalysisFunction returns a registered analysis function by pkey.
func (s *Store) GetAnalysisFunction(pkey int64) (AnalysisFunction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.state.functions[pkey]
	return fn, ok
}

// GetAnalysis returns an analysis row by pkey.
func (s *Store) GetAnalysis(pkey int64) (Analysis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.analyses[pkey]
	if !ok {
		return Analysis{}, false
	}
	return cloneAnalysis(a), true
}

// ListProjects returns all projects ordered by pkey.
func (s *Store) ListProjects() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Project, 0, len(s.state.projects))
	for _, p := range s.state.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pkey < out[j].Pkey })
	return out
}
