package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gdsfactory/gdatasea/pkg/domain"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }
func bptr(v bool) *bool      { return &v }
func sptr(v string) *string  { return &v }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s.SetNowFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	return s
}

func mustCreateProject(t *testing.T, s *Store, projectID string) Project {
	t.Helper()
	var created Project
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateProject(Project{ProjectID: projectID, Suffix: "A1"})
		return err
	})
	if err != nil {
		t.Fatalf("create project %s: %v", projectID, err)
	}
	return created
}

func mustCreateCell(t *testing.T, s *Store, projectPkey int64, cellID string) Cell {
	t.Helper()
	var created Cell
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateCell(Cell{CellID: cellID, ProjectPkey: projectPkey})
		return err
	})
	if err != nil {
		t.Fatalf("create cell %s: %v", cellID, err)
	}
	return created
}

func mustCreateDevice(t *testing.T, s *Store, d Device) Device {
	t.Helper()
	var created Device
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateDevice(d)
		return err
	})
	if err != nil {
		t.Fatalf("create device %s: %v", d.DeviceID, err)
	}
	return created
}

func mustCreateWafer(t *testing.T, s *Store, projectPkey int64, waferID string) Wafer {
	t.Helper()
	var created Wafer
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateWafer(Wafer{WaferID: waferID, ProjectPkey: projectPkey})
		return err
	})
	if err != nil {
		t.Fatalf("create wafer %s: %v", waferID, err)
	}
	return created
}

func mustCreateDie(t *testing.T, s *Store, waferPkey int64, x, y int) Die {
	t.Helper()
	var created Die
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateDie(Die{WaferPkey: waferPkey, X: x, Y: y})
		return err
	})
	if err != nil {
		t.Fatalf("create die (%d,%d): %v", x, y, err)
	}
	return created
}

func mustCreateDeviceData(t *testing.T, s *Store, d DeviceData) DeviceData {
	t.Helper()
	var created DeviceData
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateDeviceData(d)
		return err
	})
	if err != nil {
		t.Fatalf("create device data: %v", err)
	}
	return created
}

func mustRegisterFunction(t *testing.T, s *Store, fn AnalysisFunction) AnalysisFunction {
	t.Helper()
	var created AnalysisFunction
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.RegisterAnalysisFunction(fn)
		return err
	})
	if err != nil {
		t.Fatalf("register function %s: %v", fn.AnalysisFunctionID, err)
	}
	return created
}

func recordAnalysis(t *testing.T, s *Store, fnPkey int64, target domain.TargetRef, params domain.Attributes) (Analysis, bool) {
	t.Helper()
	var result Analysis
	var inserted bool
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		result, inserted, err = tx.RecordAnalysis(fnPkey, target, params, domain.Attributes{"ok": true}, "plots/summary.png")
		return err
	})
	if err != nil {
		t.Fatalf("record analysis: %v", err)
	}
	return result, inserted
}

func TestCreateAssignsPkeyAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	p1 := mustCreateProject(t, s, "P1")
	p2 := mustCreateProject(t, s, "P2")
	if p1.Pkey != 1 || p2.Pkey != 2 {
		t.Fatalf("expected sequential pkeys, got %d and %d", p1.Pkey, p2.Pkey)
	}
	if p1.Timestamp.IsZero() || !p1.Timestamp.Before(p2.Timestamp) {
		t.Fatalf("expected monotonic insertion timestamps")
	}
	cell := mustCreateCell(t, s, p1.Pkey, "mzi")
	if cell.Pkey != 1 {
		t.Fatalf("per-kind sequences must be independent, got cell pkey %d", cell.Pkey)
	}
}

func TestProjectIDUnique(t *testing.T) {
	s := newTestStore(t)
	mustCreateProject(t, s, "P1")
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateProject(Project{ProjectID: "P1"})
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestCellIDUniquePerProjectOnly(t *testing.T) {
	s := newTestStore(t)
	p1 := mustCreateProject(t, s, "P1")
	p2 := mustCreateProject(t, s, "P2")
	mustCreateCell(t, s, p1.Pkey, "mzi")
	// Same cell id in a different project is fine.
	mustCreateCell(t, s, p2.Pkey, "mzi")
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateCell(Cell{CellID: "mzi", ProjectPkey: p1.Pkey})
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestCreateCellUnknownProject(t *testing.T) {
	s := newTestStore(t)
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateCell(Cell{CellID: "mzi", ProjectPkey: 42})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDevicePlacementPairedNullability(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	top := mustCreateCell(t, s, p.Pkey, "top")
	leaf := mustCreateCell(t, s, p.Pkey, "leaf")

	partial := Device{DeviceID: "d0", CellPkey: leaf.Pkey, ParentCellPkey: i64(top.Pkey), X: f64(1)}
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateDevice(partial)
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected paired-nullability violation, got %v", err)
	}

	full := Device{
		DeviceID: "d0", CellPkey: leaf.Pkey,
		ParentCellPkey: i64(top.Pkey), X: f64(1), Y: f64(2), Angle: f64(90), Mirror: bptr(false),
	}
	mustCreateDevice(t, s, full)
}

func TestDeviceParentCellNotSelf(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	cell := mustCreateCell(t, s, p.Pkey, "loop")
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateDevice(Device{
			DeviceID: "d0", CellPkey: cell.Pkey,
			ParentCellPkey: i64(cell.Pkey), X: f64(0), Y: f64(0), Angle: f64(0), Mirror: bptr(false),
		})
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected self-placement violation, got %v", err)
	}
}

func TestDeviceUniquePlacement(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	top := mustCreateCell(t, s, p.Pkey, "top")
	leaf := mustCreateCell(t, s, p.Pkey, "leaf")
	place := Device{
		DeviceID: "inst0", CellPkey: leaf.Pkey,
		ParentCellPkey: i64(top.Pkey), X: f64(1), Y: f64(2), Angle: f64(0), Mirror: bptr(false),
	}
	mustCreateDevice(t, s, place)

	duplicate := place
	duplicate.DeviceID = "inst1"
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateDevice(duplicate)
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected unique-placement violation, got %v", err)
	}

	shifted := duplicate
	shifted.X = f64(3)
	mustCreateDevice(t, s, shifted)
}

func TestUpdatePreservesPkeyAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	var updated Project
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		updated, err = tx.UpdateProject(p.Pkey, func(proj *Project) error {
			proj.Description = sptr("silicon photonics shuttle")
			proj.Pkey = 999
			proj.Timestamp = time.Now()
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Pkey != p.Pkey {
		t.Fatalf("pkey must be immutable, got %d", updated.Pkey)
	}
	if !updated.Timestamp.Equal(p.Timestamp) {
		t.Fatalf("timestamp must be immutable, got %v", updated.Timestamp)
	}
	if updated.Description == nil || *updated.Description != "silicon photonics shuttle" {
		t.Fatalf("mutation not applied: %+v", updated)
	}
}

func TestTransactionRollbackOnError(t *testing.T) {
	s := newTestStore(t)
	mustCreateProject(t, s, "P1")
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		if _, err := tx.CreateProject(Project{ProjectID: "P2"}); err != nil {
			return err
		}
		// Second create collides; the whole transaction must roll back.
		_, err := tx.CreateProject(Project{ProjectID: "P1"})
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if got := len(s.ListProjects()); got != 1 {
		t.Fatalf("partial state leaked: %d projects", got)
	}
}

func TestDieCoordinatesUniquePerWafer(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	w1 := mustCreateWafer(t, s, p.Pkey, "W1")
	w2 := mustCreateWafer(t, s, p.Pkey, "W2")
	mustCreateDie(t, s, w1.Pkey, 0, 0)
	mustCreateDie(t, s, w2.Pkey, 0, 0)
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateDie(Die{WaferPkey: w1.Pkey, X: 0, Y: 0})
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestDeviceDataInsertedValid(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	cell := mustCreateCell(t, s, p.Pkey, "mzi")
	dev := mustCreateDevice(t, s, Device{DeviceID: "d0", CellPkey: cell.Pkey})

	data := mustCreateDeviceData(t, s, DeviceData{
		DataType: domain.DataTypeMeasurement, Path: "raw/d0.parquet", DevicePkey: dev.Pkey, Valid: false,
	})
	if !data.Valid {
		t.Fatalf("rows must be inserted valid")
	}

	var invalidated DeviceData
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		invalidated, err = tx.UpdateDeviceData(data.Pkey, func(d *DeviceData) error {
			d.Valid = false
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if invalidated.Valid {
		t.Fatalf("soft invalidation failed")
	}
}

func TestDeviceDataRejectsUnknownDataType(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	cell := mustCreateCell(t, s, p.Pkey, "mzi")
	dev := mustCreateDevice(t, s, Device{DeviceID: "d0", CellPkey: cell.Pkey})
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateDeviceData(DeviceData{DataType: "guess", Path: "x", DevicePkey: dev.Pkey})
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestDeleteCellRejectedWhileReferencedAsParent(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	top := mustCreateCell(t, s, p.Pkey, "top")
	leaf := mustCreateCell(t, s, p.Pkey, "leaf")
	mustCreateDevice(t, s, Device{
		DeviceID: "inst0", CellPkey: leaf.Pkey,
		ParentCellPkey: i64(top.Pkey), X: f64(0), Y: f64(0), Angle: f64(0), Mirror: bptr(false),
	})

	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteCell(top.Pkey)
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected parent-reference rejection, got %v", err)
	}

	// Deleting the referencing cell first unblocks the parent.
	if err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteCell(leaf.Pkey)
	}); err != nil {
		t.Fatalf("delete leaf: %v", err)
	}
	if err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteCell(top.Pkey)
	}); err != nil {
		t.Fatalf("delete top: %v", err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	cell := mustCreateCell(t, s, p.Pkey, "mzi")
	dev := mustCreateDevice(t, s, Device{DeviceID: "d0", CellPkey: cell.Pkey})
	wafer := mustCreateWafer(t, s, p.Pkey, "W1")
	die := mustCreateDie(t, s, wafer.Pkey, 1, 1)
	data := mustCreateDeviceData(t, s, DeviceData{
		DataType: domain.DataTypeMeasurement, Path: "raw/d0.parquet",
		DevicePkey: dev.Pkey, DiePkey: i64(die.Pkey),
	})
	fn := mustRegisterFunction(t, s, AnalysisFunction{
		AnalysisFunctionID: "iv_curve", Version: 1, Hash: "abc",
		FunctionPath: "analysis/iv.py", TargetModel: domain.TargetDeviceData, TestTargetPkey: data.Pkey,
	})
	analysis, _ := recordAnalysis(t, s, fn.Pkey, domain.DeviceDataTarget(data.Pkey), domain.Attributes{"n": 1})

	if err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteProject(p.Pkey)
	}); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	if _, ok := s.GetCell(cell.Pkey); ok {
		t.Fatalf("cell survived cascade")
	}
	if _, ok := s.GetDevice(dev.Pkey); ok {
		t.Fatalf("device survived cascade")
	}
	if _, ok := s.GetWafer(wafer.Pkey); ok {
		t.Fatalf("wafer survived cascade")
	}
	if _, ok := s.GetDie(die.Pkey); ok {
		t.Fatalf("die survived cascade")
	}
	if _, ok := s.GetDeviceData(data.Pkey); ok {
		t.Fatalf("device data survived cascade")
	}
	if _, ok := s.GetAnalysis(analysis.Pkey); ok {
		t.Fatalf("analysis survived cascade")
	}
	if _, ok := s.GetAnalysisFunction(fn.Pkey); !ok {
		t.Fatalf("analysis function must survive entity cascades")
	}
}

func TestDeleteProjectRejectedWithExternalParentReference(t *testing.T) {
	s := newTestStore(t)
	p1 := mustCreateProject(t, s, "P1")
	p2 := mustCreateProject(t, s, "P2")
	shared := mustCreateCell(t, s, p1.Pkey, "pdk_cell")
	other := mustCreateCell(t, s, p2.Pkey, "user_cell")
	mustCreateDevice(t, s, Device{
		DeviceID: "inst0", CellPkey: other.Pkey,
		ParentCellPkey: i64(shared.Pkey), X: f64(0), Y: f64(0), Angle: f64(0), Mirror: bptr(false),
	})

	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteProject(p1.Pkey)
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected rejection while referenced across projects, got %v", err)
	}
}

func TestDeleteDieCascadesDataAndAnalyses(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	cell := mustCreateCell(t, s, p.Pkey, "mzi")
	dev := mustCreateDevice(t, s, Device{DeviceID: "d0", CellPkey: cell.Pkey})
	wafer := mustCreateWafer(t, s, p.Pkey, "W1")
	die := mustCreateDie(t, s, wafer.Pkey, 0, 0)
	data := mustCreateDeviceData(t, s, DeviceData{
		DataType: domain.DataTypeMeasurement, Path: "raw/x.parquet",
		DevicePkey: dev.Pkey, DiePkey: i64(die.Pkey),
	})
	fn := mustRegisterFunction(t, s, AnalysisFunction{
		AnalysisFunctionID: "die_yield", Version: 1, Hash: "h1",
		FunctionPath: "analysis/yield.py", TargetModel: domain.TargetDie, TestTargetPkey: die.Pkey,
	})
	analysis, _ := recordAnalysis(t, s, fn.Pkey, domain.DieTarget(die.Pkey), domain.Attributes{})

	if err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteDie(die.Pkey)
	}); err != nil {
		t.Fatalf("delete die: %v", err)
	}
	if _, ok := s.GetDeviceData(data.Pkey); ok {
		t.Fatalf("die-linked device data survived")
	}
	if _, ok := s.GetAnalysis(analysis.Pkey); ok {
		t.Fatalf("die analysis survived")
	}
	if _, ok := s.GetDevice(dev.Pkey); !ok {
		t.Fatalf("device must survive die deletion")
	}
}

func TestRegisterAnalysisFunctionConflicts(t *testing.T) {
	s := newTestStore(t)
	fn := AnalysisFunction{
		AnalysisFunctionID: "iv_curve", Version: 1, Hash: "abc",
		FunctionPath: "analysis/iv.py", TargetModel: domain.TargetDeviceData,
	}
	mustRegisterFunction(t, s, fn)

	// Identical re-registration is a duplicate, not a conflict.
	err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.RegisterAnalysisFunction(fn)
		return err
	})
	if !domain.IsConstraintViolation(err) || domain.IsVersionConflict(err) {
		t.Fatalf("expected duplicate constraint violation, got %v", err)
	}

	changed := fn
	changed.Hash = "def"
	err = s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.RegisterAnalysisFunction(changed)
		return err
	})
	if !domain.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	// A bumped version with the new hash is accepted.
	changed.Version = 2
	mustRegisterFunction(t, s, changed)
}

func TestRecordAnalysisMemoization(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	wafer := mustCreateWafer(t, s, p.Pkey, "W1")
	die := mustCreateDie(t, s, wafer.Pkey, 2, 3)
	fn := mustRegisterFunction(t, s, AnalysisFunction{
		AnalysisFunctionID: "iv_curve", Version: 1, Hash: "abc",
		FunctionPath: "analysis/iv.py", TargetModel: domain.TargetDie, TestTargetPkey: die.Pkey,
	})
	target := domain.DieTarget(die.Pkey)

	first, inserted := recordAnalysis(t, s, fn.Pkey, target, domain.Attributes{"smoothing": 0.5})
	if !inserted {
		t.Fatalf("first run must insert")
	}
	if !first.IsLatest {
		t.Fatalf("first run must be latest")
	}

	// Unchanged inputs return the memoized row.
	memo, inserted := recordAnalysis(t, s, fn.Pkey, target, domain.Attributes{"smoothing": 0.5})
	if inserted {
		t.Fatalf("identical inputs must not insert")
	}
	if memo.Pkey != first.Pkey {
		t.Fatalf("expected memoized row %d, got %d", first.Pkey, memo.Pkey)
	}

	// Changed parameters supersede the previous result.
	second, inserted := recordAnalysis(t, s, fn.Pkey, target, domain.Attributes{"smoothing": 0.9})
	if !inserted {
		t.Fatalf("changed parameters must insert")
	}
	if !second.IsLatest {
		t.Fatalf("new row must be latest")
	}
	demoted, ok := s.GetAnalysis(first.Pkey)
	if !ok || demoted.IsLatest {
		t.Fatalf("previous latest not demoted: %+v", demoted)
	}

	// Target attribute changes also invalidate the memo.
	if err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.UpdateDie(die.Pkey, func(d *Die) error {
			d.Attributes = domain.Attributes{"bin": "good"}
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("update die: %v", err)
	}
	third, inserted := recordAnalysis(t, s, fn.Pkey, target, domain.Attributes{"smoothing": 0.9})
	if !inserted {
		t.Fatalf("target attribute change must insert")
	}
	if third.Pkey == second.Pkey {
		t.Fatalf("expected a fresh row")
	}

	history := listAnalyses(t, s, fn.Pkey, target)
	latestCount := 0
	for _, a := range history {
		if a.IsLatest {
			latestCount++
		}
	}
	if latestCount != 1 {
		t.Fatalf("expected exactly one latest row, got %d of %d", latestCount, len(history))
	}
	if len(history) != 3 {
		t.Fatalf("expected full history retained, got %d rows", len(history))
	}
}

func listAnalyses(t *testing.T, s *Store, fnPkey int64, target domain.TargetRef) []Analysis {
	t.Helper()
	var out []Analysis
	if err := s.View(context.Background(), func(view TransactionView) error {
		out = view.ListAnalyses(fnPkey, target)
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	return out
}

func TestRecordAnalysisValidation(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	wafer := mustCreateWafer(t, s, p.Pkey, "W1")
	die := mustCreateDie(t, s, wafer.Pkey, 0, 0)
	fn := mustRegisterFunction(t, s, AnalysisFunction{
		AnalysisFunctionID: "die_yield", Version: 1, Hash: "h",
		FunctionPath: "analysis/yield.py", TargetModel: domain.TargetDie, TestTargetPkey: die.Pkey,
	})

	run := func(target domain.TargetRef) error {
		return s.RunInTransaction(context.Background(), func(tx Transaction) error {
			_, _, err := tx.RecordAnalysis(fn.Pkey, target, nil, nil, "")
			return err
		})
	}

	if err := run(domain.TargetRef{DiePkey: i64(die.Pkey), WaferPkey: i64(wafer.Pkey)}); !domain.IsConstraintViolation(err) {
		t.Fatalf("expected xor violation, got %v", err)
	}
	if err := run(domain.WaferTarget(wafer.Pkey)); !domain.IsConstraintViolation(err) {
		t.Fatalf("expected target-model mismatch, got %v", err)
	}
	if err := run(domain.DieTarget(999)); !domain.IsNotFound(err) {
		t.Fatalf("expected missing target, got %v", err)
	}
	if err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, _, err := tx.RecordAnalysis(999, domain.DieTarget(die.Pkey), nil, nil, "")
		return err
	}); !domain.IsNotFound(err) {
		t.Fatalf("expected missing function, got %v", err)
	}
	if got := listAnalyses(t, s, fn.Pkey, domain.DieTarget(die.Pkey)); len(got) != 0 {
		t.Fatalf("failed validations must not write: %d rows", len(got))
	}
}

func TestRecordAnalysisConcurrentSingleLatest(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	wafer := mustCreateWafer(t, s, p.Pkey, "W1")
	fn := mustRegisterFunction(t, s, AnalysisFunction{
		AnalysisFunctionID: "wafer_map", Version: 1, Hash: "h",
		FunctionPath: "analysis/map.py", TargetModel: domain.TargetWafer, TestTargetPkey: wafer.Pkey,
	})
	target := domain.WaferTarget(wafer.Pkey)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.RunInTransaction(context.Background(), func(tx Transaction) error {
				_, _, err := tx.RecordAnalysis(fn.Pkey, target, domain.Attributes{"n": n % 4}, nil, "")
				return err
			})
		}(i)
	}
	wg.Wait()

	latestCount := 0
	for _, a := range listAnalyses(t, s, fn.Pkey, target) {
		if a.IsLatest {
			latestCount++
		}
	}
	if latestCount != 1 {
		t.Fatalf("expected exactly one latest row after concurrent runs, got %d", latestCount)
	}
}

func TestResolveDeviceTransforms(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	top := mustCreateCell(t, s, p.Pkey, "top")
	mid := mustCreateCell(t, s, p.Pkey, "mid")
	leaf := mustCreateCell(t, s, p.Pkey, "leaf")

	// Standalone device: identity.
	standalone := mustCreateDevice(t, s, Device{DeviceID: "alone", CellPkey: top.Pkey})

	// leaf's device placed into mid; mid instantiated twice in top.
	dev := mustCreateDevice(t, s, Device{
		DeviceID: "d0", CellPkey: leaf.Pkey,
		ParentCellPkey: i64(mid.Pkey), X: f64(1), Y: f64(0), Angle: f64(0), Mirror: bptr(false),
	})
	mustCreateDevice(t, s, Device{
		DeviceID: "mid_a", CellPkey: mid.Pkey,
		ParentCellPkey: i64(top.Pkey), X: f64(10), Y: f64(0), Angle: f64(90), Mirror: bptr(false),
	})
	mustCreateDevice(t, s, Device{
		DeviceID: "mid_b", CellPkey: mid.Pkey,
		ParentCellPkey: i64(top.Pkey), X: f64(-5), Y: f64(0), Angle: f64(0), Mirror: bptr(false),
	})

	check := func(devicePkey int64, want []domain.Transform) {
		t.Helper()
		var got []domain.Transform
		if err := s.View(context.Background(), func(view TransactionView) error {
			var err error
			got, err = domain.ResolveDeviceTransforms(view, devicePkey)
			return err
		}); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("got %d transforms, want %d: %+v", len(got), len(want), got)
		}
		for _, w := range want {
			found := false
			for _, g := range got {
				if absClose(g, w) {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("missing transform %+v in %+v", w, got)
			}
		}
	}

	check(standalone.Pkey, []domain.Transform{{}})
	check(dev.Pkey, []domain.Transform{
		{X: 10, Y: 1, Angle: 90}, // through mid_a: rotate (1,0) by 90
		{X: -4, Y: 0, Angle: 0},  // through mid_b
	})
}

func absClose(a, b domain.Transform) bool {
	const eps = 1e-9
	dx := a.X - b.X
	dy := a.Y - b.Y
	da := a.Angle - b.Angle
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	if da < 0 {
		da = -da
	}
	return dx < eps && dy < eps && da < eps && a.Mirror == b.Mirror
}

func TestResolveDeviceTransformsCycleTerminates(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	a := mustCreateCell(t, s, p.Pkey, "a")
	b := mustCreateCell(t, s, p.Pkey, "b")
	devA := mustCreateDevice(t, s, Device{
		DeviceID: "a0", CellPkey: a.Pkey,
		ParentCellPkey: i64(b.Pkey), X: f64(1), Y: f64(0), Angle: f64(0), Mirror: bptr(false),
	})
	mustCreateDevice(t, s, Device{
		DeviceID: "b0", CellPkey: b.Pkey,
		ParentCellPkey: i64(a.Pkey), X: f64(1), Y: f64(0), Angle: f64(0), Mirror: bptr(false),
	})

	err := s.View(context.Background(), func(view TransactionView) error {
		_, resolveErr := domain.ResolveDeviceTransforms(view, devA.Pkey)
		return resolveErr
	})
	if err != nil {
		t.Fatalf("cycle resolution must terminate cleanly: %v", err)
	}
}

func TestViewFinders(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	cell := mustCreateCell(t, s, p.Pkey, "mzi")
	dev := mustCreateDevice(t, s, Device{DeviceID: "d0", CellPkey: cell.Pkey})
	wafer := mustCreateWafer(t, s, p.Pkey, "W1")
	die := mustCreateDie(t, s, wafer.Pkey, 4, 5)
	mustRegisterFunction(t, s, AnalysisFunction{
		AnalysisFunctionID: "iv_curve", Version: 1, Hash: "a", FunctionPath: "f.py", TargetModel: domain.TargetDie,
	})
	latest := mustRegisterFunction(t, s, AnalysisFunction{
		AnalysisFunctionID: "iv_curve", Version: 3, Hash: "c", FunctionPath: "f.py", TargetModel: domain.TargetDie,
	})

	err := s.View(context.Background(), func(view TransactionView) error {
		if _, ok := view.FindProjectByID("P1"); !ok {
			t.Fatalf("project by id not found")
		}
		if _, ok := view.FindCellByID(p.Pkey, "mzi"); !ok {
			t.Fatalf("cell by id not found")
		}
		if _, ok := view.FindDeviceByID(cell.Pkey, "d0"); !ok {
			t.Fatalf("device by id not found")
		}
		if _, ok := view.FindWaferByID(p.Pkey, "W1"); !ok {
			t.Fatalf("wafer by id not found")
		}
		found, ok := view.FindDieByCoords(wafer.Pkey, 4, 5)
		if !ok || found.Pkey != die.Pkey {
			t.Fatalf("die by coords not found")
		}
		fn, ok := view.LatestAnalysisFunction("iv_curve")
		if !ok || fn.Version != latest.Version {
			t.Fatalf("latest function version wrong: %+v", fn)
		}
		if v1, ok := view.FindAnalysisFunctionByVersion("iv_curve", 1); !ok || v1.Hash != "a" {
			t.Fatalf("function by version wrong: %+v ok=%v", v1, ok)
		}
		if got := len(view.ListDevices(cell.Pkey)); got != 1 {
			t.Fatalf("list devices: %d", got)
		}
		if got := len(view.ListDeviceData(dev.Pkey)); got != 0 {
			t.Fatalf("list device data: %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSnapshotRoundTripPreservesSequences(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	mustCreateProject(t, s, "P2")
	if err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteProject(p.Pkey)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	restored := NewStore(nil)
	restored.ImportState(s.ExportState())

	recreated := mustCreateProject(t, restored, "P3")
	if recreated.Pkey != 3 {
		t.Fatalf("sequence must not reissue pkeys after reload, got %d", recreated.Pkey)
	}
}

func TestMigrateSnapshotDropsOrphans(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "P1")
	cell := mustCreateCell(t, s, p.Pkey, "mzi")
	mustCreateDevice(t, s, Device{DeviceID: "d0", CellPkey: cell.Pkey})

	snapshot := s.ExportState()
	// Corrupt the snapshot: drop the cell, leaving the device orphaned.
	delete(snapshot.Cells, cell.Pkey)

	restored := NewStore(nil)
	restored.ImportState(snapshot)
	if got := len(restored.ExportState().Devices); got != 0 {
		t.Fatalf("orphaned device must be dropped on import, got %d", got)
	}
	if _, ok := restored.GetProject(p.Pkey); !ok {
		t.Fatalf("project must survive import")
	}
}

func TestChangeObserverReceivesCommittedChanges(t *testing.T) {
	var observed []Change
	s := NewStore(func(changes []Change) { observed = append(observed, changes...) })

	if err := s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateProject(Project{ProjectID: "P1"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(observed) != 1 || observed[0].Action != domain.ActionCreate || observed[0].Entity != domain.EntityProject {
		t.Fatalf("unexpected change set: %+v", observed)
	}

	// Failed transactions must not notify.
	before := len(observed)
	_ = s.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateProject(Project{ProjectID: "P1"})
		return err
	})
	if len(observed) != before {
		t.Fatalf("rolled-back changes leaked to observer")
	}
}
