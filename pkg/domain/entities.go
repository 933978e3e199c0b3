// Package domain defines the core persistent entities, value types, and
// error kinds used by gdatasea.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the kind of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityProject identifies a design project record.
	EntityProject EntityType = "project"
	// EntityCell identifies a layout cell record.
	EntityCell EntityType = "cell"
	// EntityDevice identifies a device record.
	EntityDevice EntityType = "device"
	// EntityWafer identifies a manufactured wafer record.
	EntityWafer EntityType = "wafer"
	// EntityDie identifies a die record.
	EntityDie EntityType = "die"
	// EntityDeviceData identifies a measurement or simulation data record.
	EntityDeviceData EntityType = "device_data"
	// EntityAnalysisFunction identifies a registered analysis function version.
	EntityAnalysisFunction EntityType = "analysis_function"
	// EntityAnalysis identifies a memoized analysis result.
	EntityAnalysis EntityType = "analysis"
)

// DataType distinguishes simulated from measured device data.
type DataType string

// Canonical device data types.
const (
	DataTypeSimulation  DataType = "simulation"
	DataTypeMeasurement DataType = "measurement"
)

// Valid reports whether the data type is one of the canonical values.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeSimulation, DataTypeMeasurement:
		return true
	}
	return false
}

// TargetModel declares which entity kind an analysis function consumes.
type TargetModel string

// Canonical analysis target models.
const (
	TargetDeviceData TargetModel = "device_data"
	TargetDie        TargetModel = "die"
	TargetWafer      TargetModel = "wafer"
)

// Valid reports whether the target model is one of the canonical values.
func (m TargetModel) Valid() bool {
	switch m {
	case TargetDeviceData, TargetDie, TargetWafer:
		return true
	}
	return false
}

// Base contains common fields for all domain records. Pkey is a surrogate
// identifier allocated by the store; Timestamp is set at insertion and never
// mutated afterwards.
type Base struct {
	Pkey      int64     `json:"pkey"`
	Timestamp time.Time `json:"timestamp"`
}

// Project is the root of both the design and the manufacturing hierarchy.
type Project struct {
	Base
	ProjectID   string  `json:"project_id"`
	Suffix      string  `json:"suffix"`
	Description *string `json:"description,omitempty"`
}

// Cell is a layout cell owned by a project. CellID is unique within the
// project, not globally.
type Cell struct {
	Base
	CellID      string     `json:"cell_id"`
	ProjectPkey int64      `json:"project_pkey"`
	Attributes  Attributes `json:"attributes"`
}

// Device is a component owned by a cell. When placed as an instance into a
// different cell, ParentCellPkey and the four placement fields are all set;
// otherwise all five are nil.
type Device struct {
	Base
	DeviceID       string     `json:"device_id"`
	CellPkey       int64      `json:"cell_pkey"`
	Attributes     Attributes `json:"attributes"`
	ParentCellPkey *int64     `json:"parent_cell_pkey,omitempty"`
	X              *float64   `json:"x,omitempty"`
	Y              *float64   `json:"y,omitempty"`
	Angle          *float64   `json:"angle,omitempty"`
	Mirror         *bool      `json:"mirror,omitempty"`
}

// Placed reports whether the device carries a placement reference.
func (d Device) Placed() bool { return d.ParentCellPkey != nil }

// PlacementTransform returns the device's own placement transform. The
// second return is false for unplaced (top) instances.
func (d Device) PlacementTransform() (Transform, bool) {
	if !d.Placed() {
		return Transform{}, false
	}
	return Transform{X: *d.X, Y: *d.Y, Angle: *d.Angle, Mirror: *d.Mirror}, true
}

// Wafer is a manufactured wafer uploaded for a project. WaferID is unique
// within the project.
type Wafer struct {
	Base
	WaferID     string     `json:"wafer_id"`
	ProjectPkey int64      `json:"project_pkey"`
	Description *string    `json:"description,omitempty"`
	LotID       *string    `json:"lot_id,omitempty"`
	Attributes  Attributes `json:"attributes"`
}

// Die is a die on a wafer, addressed by integer coordinates unique within
// the wafer.
type Die struct {
	Base
	X          int        `json:"x"`
	Y          int        `json:"y"`
	DieID      *string    `json:"die_id,omitempty"`
	WaferPkey  int64      `json:"wafer_pkey"`
	Attributes Attributes `json:"attributes"`
}

// DeviceData is a measurement or simulation result attached to a device and,
// for wafer-sourced measurements, optionally to a die. Path and
// ThumbnailPath are opaque references into external payload storage.
type DeviceData struct {
	Base
	DataType          DataType   `json:"data_type"`
	Path              string     `json:"path"`
	ThumbnailPath     *string    `json:"thumbnail_path,omitempty"`
	DevicePkey        int64      `json:"device_pkey"`
	DiePkey           *int64     `json:"die_pkey,omitempty"`
	Attributes        Attributes `json:"attributes"`
	PlottingKwargs    Attributes `json:"plotting_kwargs"`
	Valid             bool       `json:"valid"`
	TimestampAcquired *time.Time `json:"timestamp_acquired,omitempty"`
}

// AnalysisFunction identifies one version of an analysis computation.
// (AnalysisFunctionID, Version) is unique; Hash fingerprints the
// implementation so re-registration with different code is detectable.
type AnalysisFunction struct {
	Base
	AnalysisFunctionID string      `json:"analysis_function_id"`
	Version            int         `json:"version"`
	Hash               string      `json:"hash"`
	FunctionPath       string      `json:"function_path"`
	TargetModel        TargetModel `json:"target_model"`
	TestTargetPkey     int64       `json:"test_target_pkey"`
}

// Analysis is the memoized result of running one analysis function against
// exactly one target entity. Exactly one of DeviceDataPkey, DiePkey, and
// WaferPkey is non-nil.
type Analysis struct {
	Base
	Parameters           Attributes `json:"parameters"`
	Output               Attributes `json:"output"`
	SummaryPlot          string     `json:"summary_plot"`
	Attributes           Attributes `json:"attributes"`
	IsLatest             bool       `json:"is_latest"`
	InputHash            string     `json:"input_hash"`
	DeviceDataPkey       *int64     `json:"device_data_pkey,omitempty"`
	DiePkey              *int64     `json:"die_pkey,omitempty"`
	WaferPkey            *int64     `json:"wafer_pkey,omitempty"`
	AnalysisFunctionPkey int64      `json:"analysis_function_pkey"`
}

// Target returns the analysis row's target reference.
func (a Analysis) Target() TargetRef {
	return TargetRef{DeviceDataPkey: a.DeviceDataPkey, DiePkey: a.DiePkey, WaferPkey: a.WaferPkey}
}

// AnalysisLabel derives the human-readable identity of an analysis from its
// function and target reference. It is a pure projection and is never
// persisted.
func AnalysisLabel(a Analysis, fn AnalysisFunction) string {
	switch {
	case a.DeviceDataPkey != nil:
		return fmt.Sprintf("%s on Device Data #%d", fn.AnalysisFunctionID, *a.DeviceDataPkey)
	case a.DiePkey != nil:
		return fmt.Sprintf("%s on Die #%d", fn.AnalysisFunctionID, *a.DiePkey)
	case a.WaferPkey != nil:
		return fmt.Sprintf("%s on Wafer #%d", fn.AnalysisFunctionID, *a.WaferPkey)
	}
	return fn.AnalysisFunctionID
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured in the audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)
