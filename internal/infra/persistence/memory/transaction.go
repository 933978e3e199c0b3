package memory

import (
	"fmt"
	"time"

	"github.com/gdsfactory/gdatasea/pkg/domain"
)

// transaction represents a mutation set applied to a copy of the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateProject stores a new project within the transaction.
func (tx *transaction) CreateProject(p Project) (Project, error) {
	if err := tx.validateProject(p, 0); err != nil {
		return Project{}, err
	}
	p.Pkey = tx.store.nextPkey(&tx.state, domain.EntityProject)
	p.Timestamp = tx.now
	tx.state.projects[p.Pkey] = cloneProject(p)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionCreate, After: cloneProject(p)})
	return cloneProject(p), nil
}

// UpdateProject mutates a project using the provided mutator function. Pkey
// and Timestamp are preserved across the mutation.
func (tx *transaction) UpdateProject(pkey int64, mutator func(*Project) error) (Project, error) {
	current, ok := tx.state.projects[pkey]
	if !ok {
		return Project{}, domain.NotFoundPkey(domain.EntityProject, pkey)
	}
	before := cloneProject(current)
	if err := mutator(&current); err != nil {
		return Project{}, err
	}
	current.Pkey = pkey
	current.Timestamp = before.Timestamp
	if err := tx.validateProject(current, pkey); err != nil {
		return Project{}, err
	}
	tx.state.projects[pkey] = cloneProject(current)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionUpdate, Before: before, After: cloneProject(current)})
	return cloneProject(current), nil
}

func (tx *transaction) validateProject(p Project, excludePkey int64) error {
	if p.ProjectID == "" {
		return domain.ConstraintError{Constraint: "project_id_required"}
	}
	for _, existing := range tx.state.projects {
		if existing.Pkey != excludePkey && existing.ProjectID == p.ProjectID {
			return domain.ConstraintError{
				Constraint: "unique_project_id",
				Detail:     fmt.Sprintf("project %q already exists", p.ProjectID),
			}
		}
	}
	return nil
}

// DeleteProject removes the project and, transactionally, every descendant
// reachable through ownership edges: cells with their devices and device
// data, wafers with their dies, and every analysis hanging off those rows.
func (tx *transaction) DeleteProject(pkey int64) error {
	current, ok := tx.state.projects[pkey]
	if !ok {
		return domain.NotFoundPkey(domain.EntityProject, pkey)
	}
	doomedCells := make(map[int64]bool)
	for cellPkey, cell := range tx.state.cells {
		if cell.ProjectPkey == pkey {
			doomedCells[cellPkey] = true
		}
	}
	// Placement references from devices surviving outside this project must
	// not dangle; the cascade only covers the owning direction.
	for _, device := range tx.state.devices {
		if device.ParentCellPkey == nil || !doomedCells[*device.ParentCellPkey] {
			continue
		}
		if owner, ok := tx.state.cells[device.CellPkey]; ok && owner.ProjectPkey != pkey {
			return domain.ConstraintError{
				Constraint: "parent_cell_referenced",
				Detail: fmt.Sprintf("cell #%d is still referenced as parent cell by device #%d outside project %q",
					*device.ParentCellPkey, device.Pkey, current.ProjectID),
			}
		}
	}
	for cellPkey := range doomedCells {
		tx.cascadeCell(cellPkey)
	}
	for waferPkey, wafer := range tx.state.wafers {
		if wafer.ProjectPkey == pkey {
			tx.cascadeWafer(waferPkey)
		}
	}
	delete(tx.state.projects, pkey)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionDelete, Before: cloneProject(current)})
	return nil
}

// CreateCell stores a new cell owned by an existing project.
func (tx *transaction) CreateCell(c Cell) (Cell, error) {
	if _, ok := tx.state.projects[c.ProjectPkey]; !ok {
		return Cell{}, domain.NotFoundPkey(domain.EntityProject, c.ProjectPkey)
	}
	if err := tx.validateCell(c, 0); err != nil {
		return Cell{}, err
	}
	c.Pkey = tx.store.nextPkey(&tx.state, domain.EntityCell)
	c.Timestamp = tx.now
	c.Attributes = c.Attributes.Clone()
	tx.state.cells[c.Pkey] = cloneCell(c)
	tx.recordChange(Change{Entity: domain.EntityCell, Action: domain.ActionCreate, After: cloneCell(c)})
	return cloneCell(c), nil
}

// UpdateCell mutates an existing cell.
func (tx *transaction) UpdateCell(pkey int64, mutator func(*Cell) error) (Cell, error) {
	current, ok := tx.state.cells[pkey]
	if !ok {
		return Cell{}, domain.NotFoundPkey(domain.EntityCell, pkey)
	}
	before := cloneCell(current)
	if err := mutator(&current); err != nil {
		return Cell{}, err
	}
	current.Pkey = pkey
	current.Timestamp = before.Timestamp
	current.ProjectPkey = before.ProjectPkey
	current.Attributes = current.Attributes.Clone()
	if err := tx.validateCell(current, pkey); err != nil {
		return Cell{}, err
	}
	tx.state.cells[pkey] = cloneCell(current)
	tx.recordChange(Change{Entity: domain.EntityCell, Action: domain.ActionUpdate, Before: before, After: cloneCell(current)})
	return cloneCell(current), nil
}

func (tx *transaction) validateCell(c Cell, excludePkey int64) error {
	if c.CellID == "" {
		return domain.ConstraintError{Constraint: "cell_id_required"}
	}
	for _, existing := range tx.state.cells {
		if existing.Pkey != excludePkey && existing.ProjectPkey == c.ProjectPkey && existing.CellID == c.CellID {
			return domain.ConstraintError{
				Constraint: "unique_cell_id_per_project",
				Detail:     fmt.Sprintf("cell %q already exists in project #%d", c.CellID, c.ProjectPkey),
			}
		}
	}
	return nil
}

// DeleteCell removes a cell and the devices it owns. Deletion is rejected
// while any device outside the cell still references it as parent cell, so
// a placement reference can never dangle.
func (tx *transaction) DeleteCell(pkey int64) error {
	current, ok := tx.state.cells[pkey]
	if !ok {
		return domain.NotFoundPkey(domain.EntityCell, pkey)
	}
	for _, device := range tx.state.devices {
		if device.ParentCellPkey != nil && *device.ParentCellPkey == pkey {
			return domain.ConstraintError{
				Constraint: "parent_cell_referenced",
				Detail:     fmt.Sprintf("cell %q is still referenced as parent cell by device #%d", current.CellID, device.Pkey),
			}
		}
	}
	tx.cascadeCell(pkey)
	tx.recordChange(Change{Entity: domain.EntityCell, Action: domain.ActionDelete, Before: cloneCell(current)})
	return nil
}

func (tx *transaction) cascadeCell(cellPkey int64) {
	for devicePkey, device := range tx.state.devices {
		if device.CellPkey == cellPkey {
			tx.cascadeDevice(devicePkey)
		}
	}
	delete(tx.state.cells, cellPkey)
}

// CreateDevice stores a new device owned by an existing cell, validating
// the placement invariants before any write.
func (tx *transaction) CreateDevice(d Device) (Device, error) {
	if _, ok := tx.state.cells[d.CellPkey]; !ok {
		return Device{}, domain.NotFoundPkey(domain.EntityCell, d.CellPkey)
	}
	if err := tx.validateDevice(d, 0); err != nil {
		return Device{}, err
	}
	d.Pkey = tx.store.nextPkey(&tx.state, domain.EntityDevice)
	d.Timestamp = tx.now
	d.Attributes = d.Attributes.Clone()
	tx.state.devices[d.Pkey] = cloneDevice(d)
	tx.recordChange(Change{Entity: domain.EntityDevice, Action: domain.ActionCreate, After: cloneDevice(d)})
	return cloneDevice(d), nil
}

// UpdateDevice mutates an existing device, re-validating every placement
// invariant afterwards.
func (tx *transaction) UpdateDevice(pkey int64, mutator func(*Device) error) (Device, error) {
	current, ok := tx.state.devices[pkey]
	if !ok {
		return Device{}, domain.NotFoundPkey(domain.EntityDevice, pkey)
	}
	before := cloneDevice(current)
	if err := mutator(&current); err != nil {
		return Device{}, err
	}
	current.Pkey = pkey
	current.Timestamp = before.Timestamp
	current.CellPkey = before.CellPkey
	current.Attributes = current.Attributes.Clone()
	if err := tx.validateDevice(current, pkey); err != nil {
		return Device{}, err
	}
	tx.state.devices[pkey] = cloneDevice(current)
	tx.recordChange(Change{Entity: domain.EntityDevice, Action: domain.ActionUpdate, Before: before, After: cloneDevice(current)})
	return cloneDevice(current), nil
}

func (tx *transaction) validateDevice(d Device, excludePkey int64) error {
	if d.DeviceID == "" {
		return domain.ConstraintError{Constraint: "device_id_required"}
	}
	for _, existing := range tx.state.devices {
		if existing.Pkey != excludePkey && existing.CellPkey == d.CellPkey && existing.DeviceID == d.DeviceID {
			return domain.ConstraintError{
				Constraint: "unique_device_id_per_cell",
				Detail:     fmt.Sprintf("device %q already exists in cell #%d", d.DeviceID, d.CellPkey),
			}
		}
	}
	set := 0
	if d.ParentCellPkey != nil {
		set++
	}
	if d.X != nil {
		set++
	}
	if d.Y != nil {
		set++
	}
	if d.Angle != nil {
		set++
	}
	if d.Mirror != nil {
		set++
	}
	switch set {
	case 0:
		return nil
	case 5:
	default:
		return domain.ConstraintError{
			Constraint: "placement_fields_paired",
			Detail:     "parent_cell, x, y, angle, mirror must all be set or all be absent",
		}
	}
	if *d.ParentCellPkey == d.CellPkey {
		return domain.ConstraintError{
			Constraint: "parent_cell_not_self",
			Detail:     fmt.Sprintf("cell #%d cannot place itself", d.CellPkey),
		}
	}
	if _, ok := tx.state.cells[*d.ParentCellPkey]; !ok {
		return domain.NotFoundPkey(domain.EntityCell, *d.ParentCellPkey)
	}
	for _, existing := range tx.state.devices {
		if existing.Pkey == excludePkey || existing.ParentCellPkey == nil {
			continue
		}
		if existing.CellPkey == d.CellPkey &&
			*existing.ParentCellPkey == *d.ParentCellPkey &&
			*existing.X == *d.X && *existing.Y == *d.Y &&
			*existing.Angle == *d.Angle && *existing.Mirror == *d.Mirror {
			return domain.ConstraintError{
				Constraint: "unique_placement",
				Detail: fmt.Sprintf("device #%d already occupies (%g, %g, %g, %t) in cell #%d",
					existing.Pkey, *d.X, *d.Y, *d.Angle, *d.Mirror, *d.ParentCellPkey),
			}
		}
	}
	return nil
}

// DeleteDevice removes a device and its device data.
func (tx *transaction) DeleteDevice(pkey int64) error {
	current, ok := tx.state.devices[pkey]
	if !ok {
		return domain.NotFoundPkey(domain.EntityDevice, pkey)
	}
	tx.cascadeDevice(pkey)
	tx.recordChange(Change{Entity: domain.EntityDevice, Action: domain.ActionDelete, Before: cloneDevice(current)})
	return nil
}

func (tx *transaction) cascadeDevice(devicePkey int64) {
	for dataPkey, data := range tx.state.deviceData {
		if data.DevicePkey == devicePkey {
			tx.cascadeDeviceData(dataPkey)
		}
	}
	delete(tx.state.devices, devicePkey)
}

// CreateWafer stores a new wafer owned by an existing project.
func (tx *transaction) CreateWafer(w Wafer) (Wafer, error) {
	if _, ok := tx.state.projects[w.ProjectPkey]; !ok {
		return Wafer{}, domain.NotFoundPkey(domain.EntityProject, w.ProjectPkey)
	}
	if err := tx.validateWafer(w, 0); err != nil {
		return Wafer{}, err
	}
	w.Pkey = tx.store.nextPkey(&tx.state, domain.EntityWafer)
	w.Timestamp = tx.now
	w.Attributes = w.Attributes.Clone()
	tx.state.wafers[w.Pkey] = cloneWafer(w)
	tx.recordChange(Change{Entity: domain.EntityWafer, Action: domain.ActionCreate, After: cloneWafer(w)})
	return cloneWafer(w), nil
}

// UpdateWafer mutates an existing wafer.
func (tx *transaction) UpdateWafer(pkey int64, mutator func(*Wafer) error) (Wafer, error) {
	current, ok := tx.state.wafers[pkey]
	if !ok {
		return Wafer{}, domain.NotFoundPkey(domain.EntityWafer, pkey)
	}
	before := cloneWafer(current)
	if err := mutator(&current); err != nil {
		return Wafer{}, err
	}
	current.Pkey = pkey
	current.Timestamp = before.Timestamp
	current.ProjectPkey = before.ProjectPkey
	current.Attributes = current.Attributes.Clone()
	if err := tx.validateWafer(current, pkey); err != nil {
		return Wafer{}, err
	}
	tx.state.wafers[pkey] = cloneWafer(current)
	tx.recordChange(Change{Entity: domain.EntityWafer, Action: domain.ActionUpdate, Before: before, After: cloneWafer(current)})
	return cloneWafer(current), nil
}

func (tx *transaction) validateWafer(w Wafer, excludePkey int64) error {
	if w.WaferID == "" {
		return domain.ConstraintError{Constraint: "wafer_id_required"}
	}
	for _, existing := range tx.state.wafers {
		if existing.Pkey != excludePkey && existing.ProjectPkey == w.ProjectPkey && existing.WaferID == w.WaferID {
			return domain.ConstraintError{
				Constraint: "unique_wafer_id_per_project",
				Detail:     fmt.Sprintf("wafer %q already exists in project #%d", w.WaferID, w.ProjectPkey),
			}
		}
	}
	return nil
}

// DeleteWafer removes a wafer, its dies, die-linked device data, and every
// wafer- and die-level analysis.
func (tx *transaction) DeleteWafer(pkey int64) error {
	current, ok := tx.state.wafers[pkey]
	if !ok {
		return domain.NotFoundPkey(domain.EntityWafer, pkey)
	}
	tx.cascadeWafer(pkey)
	tx.recordChange(Change{Entity: domain.EntityWafer, Action: domain.ActionDelete, Before: cloneWafer(current)})
	return nil
}

func (tx *transaction) cascadeWafer(waferPkey int64) {
	for diePkey, die := range tx.state.dies {
		if die.WaferPkey == waferPkey {
			tx.cascadeDie(diePkey)
		}
	}
	for analysisPkey, analysis := range tx.state.analyses {
		if analysis.WaferPkey != nil && *analysis.WaferPkey == waferPkey {
			delete(tx.state.analyses, analysisPkey)
		}
	}
	delete(tx.state.wafers, waferPkey)
}

// CreateDie stores a new die on an existing wafer.
func (tx *transaction) CreateDie(d Die) (Die, error) {
	if _, ok := tx.state.wafers[d.WaferPkey]; !ok {
		return Die{}, domain.NotFoundPkey(domain.EntityWafer, d.WaferPkey)
	}
	if err := tx.validateDie(d, 0); err != nil {
		return Die{}, err
	}
	d.Pkey = tx.store.nextPkey(&tx.state, domain.EntityDie)
	d.Timestamp = tx.now
	d.Attributes = d.Attributes.Clone()
	tx.state.dies[d.Pkey] = cloneDie(d)
	tx.recordChange(Change{Entity: domain.EntityDie, Action: domain.ActionCreate, After: cloneDie(d)})
	return cloneDie(d), nil
}

// UpdateDie mutates an existing die.
func (tx *transaction) UpdateDie(pkey int64, mutator func(*Die) error) (Die, error) {
	current, ok := tx.state.dies[pkey]
	if !ok {
		return Die{}, domain.NotFoundPkey(domain.EntityDie, pkey)
	}
	before := cloneDie(current)
	if err := mutator(&current); err != nil {
		return Die{}, err
	}
	current.Pkey = pkey
	current.Timestamp = before.Timestamp
	current.WaferPkey = before.WaferPkey
	current.Attributes = current.Attributes.Clone()
	if err := tx.validateDie(current, pkey); err != nil {
		return Die{}, err
	}
	tx.state.dies[pkey] = cloneDie(current)
	tx.recordChange(Change{Entity: domain.EntityDie, Action: domain.ActionUpdate, Before: before, After: cloneDie(current)})
	return cloneDie(current), nil
}

func (tx *transaction) validateDie(d Die, excludePkey int64) error {
	for _, existing := range tx.state.dies {
		if existing.Pkey != excludePkey && existing.WaferPkey == d.WaferPkey && existing.X == d.X && existing.Y == d.Y {
			return domain.ConstraintError{
				Constraint: "unique_die_coordinates_per_wafer",
				Detail:     fmt.Sprintf("die (%d, %d) already exists on wafer #%d", d.X, d.Y, d.WaferPkey),
			}
		}
	}
	return nil
}

// DeleteDie removes a die, its linked device data, and its analyses.
func (tx *transaction) DeleteDie(pkey int64) error {
	current, ok := tx.state.dies[pkey]
	if !ok {
		return domain.NotFoundPkey(domain.EntityDie, pkey)
	}
	tx.cascadeDie(pkey)
	tx.recordChange(Change{Entity: domain.EntityDie, Action: domain.ActionDelete, Before: cloneDie(current)})
	return nil
}

func (tx *transaction) cascadeDie(diePkey int64) {
	for dataPkey, data := range tx.state.deviceData {
		if data.DiePkey != nil && *data.DiePkey == diePkey {
			tx.cascadeDeviceData(dataPkey)
		}
	}
	for analysisPkey, analysis := range tx.state.analyses {
		if analysis.DiePkey != nil && *analysis.DiePkey == diePkey {
			delete(tx.state.analyses, analysisPkey)
		}
	}
	delete(tx.state.dies, diePkey)
}

// CreateDeviceData attaches a measurement or simulation result to an
// existing device and, optionally, a die. Rows are always inserted valid;
// invalidation is a soft update.
func (tx *transaction) CreateDeviceData(d DeviceData) (DeviceData, error) {
	if _, ok := tx.state.devices[d.DevicePkey]; !ok {
		return DeviceData{}, domain.NotFoundPkey(domain.EntityDevice, d.DevicePkey)
	}
	if err := tx.validateDeviceData(d); err != nil {
		return DeviceData{}, err
	}
	d.Pkey = tx.store.nextPkey(&tx.state, domain.EntityDeviceData)
	d.Timestamp = tx.now
	d.Valid = true
	d.Attributes = d.Attributes.Clone()
	d.PlottingKwargs = d.PlottingKwargs.Clone()
	tx.state.deviceData[d.Pkey] = cloneDeviceData(d)
	tx.recordChange(Change{Entity: domain.EntityDeviceData, Action: domain.ActionCreate, After: cloneDeviceData(d)})
	return cloneDeviceData(d), nil
}

// UpdateDeviceData mutates an existing device data row (attributes,
// validity, thumbnail); ownership references are preserved.
func (tx *transaction) UpdateDeviceData(pkey int64, mutator func(*DeviceData) error) (DeviceData, error) {
	current, ok := tx.state.deviceData[pkey]
	if !ok {
		return DeviceData{}, domain.NotFoundPkey(domain.EntityDeviceData, pkey)
	}
	before := cloneDeviceData(current)
	if err := mutator(&current); err != nil {
		return DeviceData{}, err
	}
	current.Pkey = pkey
	current.Timestamp = before.Timestamp
	current.DevicePkey = before.DevicePkey
	current.DiePkey = clonePtr(before.DiePkey)
	current.Attributes = current.Attributes.Clone()
	current.PlottingKwargs = current.PlottingKwargs.Clone()
	if err := tx.validateDeviceData(current); err != nil {
		return DeviceData{}, err
	}
	tx.state.deviceData[pkey] = cloneDeviceData(current)
	tx.recordChange(Change{Entity: domain.EntityDeviceData, Action: domain.ActionUpdate, Before: before, After: cloneDeviceData(current)})
	return cloneDeviceData(current), nil
}

func (tx *transaction) validateDeviceData(d DeviceData) error {
	if !d.DataType.Valid() {
		return domain.ConstraintError{
			Constraint: "data_type",
			Detail:     fmt.Sprintf("unknown data type %q", d.DataType),
		}
	}
	if d.Path == "" {
		return domain.ConstraintError{Constraint: "path_required"}
	}
	if d.DiePkey != nil {
		if _, ok := tx.state.dies[*d.DiePkey]; !ok {
			return domain.NotFoundPkey(domain.EntityDie, *d.DiePkey)
		}
	}
	return nil
}

// DeleteDeviceData removes a device data row and its analyses.
func (tx *transaction) DeleteDeviceData(pkey int64) error {
	current, ok := tx.state.deviceData[pkey]
	if !ok {
		return domain.NotFoundPkey(domain.EntityDeviceData, pkey)
	}
	tx.cascadeDeviceData(pkey)
	tx.recordChange(Change{Entity: domain.EntityDeviceData, Action: domain.ActionDelete, Before: cloneDeviceData(current)})
	return nil
}

func (tx *transaction) cascadeDeviceData(dataPkey int64) {
	for analysisPkey, analysis := range tx.state.analyses {
		if analysis.DeviceDataPkey != nil && *analysis.DeviceDataPkey == dataPkey {
			delete(tx.state.analyses, analysisPkey)
		}
	}
	delete(tx.state.deviceData, dataPkey)
}

// RegisterAnalysisFunction records one version of an analysis computation.
// Re-registration of an existing (id, version) pair is rejected: with the
// same hash as a duplicate, with a different hash as a version conflict.
func (tx *transaction) RegisterAnalysisFunction(fn AnalysisFunction) (AnalysisFunction, error) {
	if fn.AnalysisFunctionID == "" {
		return AnalysisFunction{}, domain.ConstraintError{Constraint: "analysis_function_id_required"}
	}
	if fn.Hash == "" {
		return AnalysisFunction{}, domain.ConstraintError{Constraint: "analysis_function_hash_required"}
	}
	if !fn.TargetModel.Valid() {
		return AnalysisFunction{}, domain.ConstraintError{
			Constraint: "target_model",
			Detail:     fmt.Sprintf("unknown target model %q", fn.TargetModel),
		}
	}
	for _, existing := range tx.state.functions {
		if existing.AnalysisFunctionID == fn.AnalysisFunctionID && existing.Version == fn.Version {
			if existing.Hash != fn.Hash {
				return AnalysisFunction{}, domain.VersionConflictError{
					FunctionID: fn.AnalysisFunctionID,
					Version:    fn.Version,
					StoredHash: existing.Hash,
					GivenHash:  fn.Hash,
				}
			}
			return AnalysisFunction{}, domain.ConstraintError{
				Constraint: "unique_analysis_function_id_version",
				Detail:     fmt.Sprintf("analysis function %q v%d already registered", fn.AnalysisFunctionID, fn.Version),
			}
		}
	}
	fn.Pkey = tx.store.nextPkey(&tx.state, domain.EntityAnalysisFunction)
	fn.Timestamp = tx.now
	tx.state.functions[fn.Pkey] = fn
	tx.recordChange(Change{Entity: domain.EntityAnalysisFunction, Action: domain.ActionCreate, After: fn})
	return fn, nil
}

// DeleteAnalysisFunction removes a function version and every analysis it
// produced.
func (tx *transaction) DeleteAnalysisFunction(pkey int64) error {
	current, ok := tx.state.functions[pkey]
	if !ok {
		return domain.NotFoundPkey(domain.EntityAnalysisFunction, pkey)
	}
	for analysisPkey, analysis := range tx.state.analyses {
		if analysis.AnalysisFunctionPkey == pkey {
			delete(tx.state.analyses, analysisPkey)
		}
	}
	delete(tx.state.functions, pkey)
	tx.recordChange(Change{Entity: domain.EntityAnalysisFunction, Action: domain.ActionDelete, Before: current})
	return nil
}

// RecordAnalysis runs the memoization protocol. The target reference is
// validated against the function's declared target model, the input hash is
// computed from the parameters and the target's state, and a prior latest
// result with an equal hash is returned unchanged. Otherwise the new row is
// inserted as latest and the prior latest demoted in the same transaction,
// so at most one latest row per (function, target) pair is ever observable.
func (tx *transaction) RecordAnalysis(functionPkey int64, target domain.TargetRef, parameters, output domain.Attributes, summaryPlot string) (Analysis, bool, error) {
	fn, ok := tx.state.functions[functionPkey]
	if !ok {
		return Analysis{}, false, domain.NotFoundPkey(domain.EntityAnalysisFunction, functionPkey)
	}
	model, targetPkey, err := target.Resolve()
	if err != nil {
		return Analysis{}, false, err
	}
	if model != fn.TargetModel {
		return Analysis{}, false, domain.ConstraintError{
			Constraint: "analysis_target_model",
			Detail: fmt.Sprintf("function %q v%d consumes %s, got %s",
				fn.AnalysisFunctionID, fn.Version, fn.TargetModel, model),
		}
	}
	targetState, err := tx.targetState(model, targetPkey)
	if err != nil {
		return Analysis{}, false, err
	}
	hash, err := domain.ComputeInputHash(parameters, targetState)
	if err != nil {
		return Analysis{}, false, err
	}

	var latest *Analysis
	for pkey := range tx.state.analyses {
		existing := tx.state.analyses[pkey]
		if existing.AnalysisFunctionPkey == functionPkey && existing.IsLatest && existing.Target().Equal(target) {
			candidate := existing
			latest = &candidate
			break
		}
	}
	if latest != nil && latest.InputHash == hash {
		return cloneAnalysis(*latest), false, nil
	}

	created := Analysis{
		Parameters:           parameters.Clone(),
		Output:               output.Clone(),
		SummaryPlot:          summaryPlot,
		Attributes:           domain.NewAttributes(),
		IsLatest:             true,
		InputHash:            hash,
		AnalysisFunctionPkey: functionPkey,
	}
	switch model {
	case domain.TargetDeviceData:
		created.DeviceDataPkey = &targetPkey
	case domain.TargetDie:
		created.DiePkey = &targetPkey
	case domain.TargetWafer:
		created.WaferPkey = &targetPkey
	}
	created.Pkey = tx.store.nextPkey(&tx.state, domain.EntityAnalysis)
	created.Timestamp = tx.now

	if latest != nil {
		demoted := *latest
		demoted.IsLatest = false
		tx.state.analyses[demoted.Pkey] = cloneAnalysis(demoted)
		tx.recordChange(Change{Entity: domain.EntityAnalysis, Action: domain.ActionUpdate, Before: cloneAnalysis(*latest), After: cloneAnalysis(demoted)})
	}
	tx.state.analyses[created.Pkey] = cloneAnalysis(created)
	tx.recordChange(Change{Entity: domain.EntityAnalysis, Action: domain.ActionCreate, After: cloneAnalysis(created)})
	return cloneAnalysis(created), true, nil
}

func (tx *transaction) targetState(model domain.TargetModel, pkey int64) (domain.TargetState, error) {
	switch model {
	case domain.TargetDeviceData:
		data, ok := tx.state.deviceData[pkey]
		if !ok {
			return domain.TargetState{}, domain.NotFoundPkey(domain.EntityDeviceData, pkey)
		}
		return domain.TargetState{Model: model, Pkey: pkey, Timestamp: data.Timestamp, Attributes: data.Attributes.Clone()}, nil
	case domain.TargetDie:
		die, ok := tx.state.dies[pkey]
		if !ok {
			return domain.TargetState{}, domain.NotFoundPkey(domain.EntityDie, pkey)
		}
		return domain.TargetState{Model: model, Pkey: pkey, Timestamp: die.Timestamp, Attributes: die.Attributes.Clone()}, nil
	case domain.TargetWafer:
		wafer, ok := tx.state.wafers[pkey]
		if !ok {
			return domain.TargetState{}, domain.NotFoundPkey(domain.EntityWafer, pkey)
		}
		return domain.TargetState{Model: model, Pkey: pkey, Timestamp: wafer.Timestamp, Attributes: wafer.Attributes.Clone()}, nil
	}
	return domain.TargetState{}, domain.ConstraintError{Constraint: "target_model", Detail: fmt.Sprintf("unknown target model %q", model)}
}
