package domain

import "context"

// Transaction exposes the domain mutations a persistence implementation must
// support within one atomic scope. Constraint checks run before any write;
// cascade deletes and analysis supersession are indivisible from the
// enclosing transaction.
type Transaction interface {
	Snapshot() TransactionView

	CreateProject(Project) (Project, error)
	UpdateProject(pkey int64, mutator func(*Project) error) (Project, error)
	DeleteProject(pkey int64) error

	CreateCell(Cell) (Cell, error)
	UpdateCell(pkey int64, mutator func(*Cell) error) (Cell, error)
	DeleteCell(pkey int64) error

	CreateDevice(Device) (Device, error)
	UpdateDevice(pkey int64, mutator func(*Device) error) (Device, error)
	DeleteDevice(pkey int64) error

	CreateWafer(Wafer) (Wafer, error)
	UpdateWafer(pkey int64, mutator func(*Wafer) error) (Wafer, error)
	DeleteWafer(pkey int64) error

	CreateDie(Die) (Die, error)
	UpdateDie(pkey int64, mutator func(*Die) error) (Die, error)
	DeleteDie(pkey int64) error

	CreateDeviceData(DeviceData) (DeviceData, error)
	UpdateDeviceData(pkey int64, mutator func(*DeviceData) error) (DeviceData, error)
	DeleteDeviceData(pkey int64) error

	RegisterAnalysisFunction(AnalysisFunction) (AnalysisFunction, error)
	DeleteAnalysisFunction(pkey int64) error

	// RecordAnalysis runs the memoization protocol for one (function,
	// target) pair. The returned bool is true when a new row was inserted
	// and false when an existing latest row with an equal input hash was
	// returned unchanged.
	RecordAnalysis(functionPkey int64, target TargetRef, parameters, output Attributes, summaryPlot string) (Analysis, bool, error)
}

// TransactionView provides read-only access to snapshot state.
type TransactionView interface {
	FindProject(pkey int64) (Project, bool)
	FindProjectByID(projectID string) (Project, bool)
	ListProjects() []Project

	FindCell(pkey int64) (Cell, bool)
	FindCellByID(projectPkey int64, cellID string) (Cell, bool)
	ListCells(projectPkey int64) []Cell

	FindDevice(pkey int64) (Device, bool)
	FindDeviceByID(cellPkey int64, deviceID string) (Device, bool)
	ListDevices(cellPkey int64) []Device

	FindWafer(pkey int64) (Wafer, bool)
	FindWaferByID(projectPkey int64, waferID string) (Wafer, bool)
	ListWafers(projectPkey int64) []Wafer

	FindDie(pkey int64) (Die, bool)
	FindDieByCoords(waferPkey int64, x, y int) (Die, bool)
	ListDies(waferPkey int64) []Die

	FindDeviceData(pkey int64) (DeviceData, bool)
	ListDeviceData(devicePkey int64) []DeviceData

	FindAnalysisFunction(pkey int64) (AnalysisFunction, bool)
	FindAnalysisFunctionByVersion(functionID string, version int) (AnalysisFunction, bool)
	LatestAnalysisFunction(functionID string) (AnalysisFunction, bool)
	ListAnalysisFunctions() []AnalysisFunction

	FindAnalysis(pkey int64) (Analysis, bool)
	LatestAnalysis(functionPkey int64, target TargetRef) (Analysis, bool)
	ListAnalyses(functionPkey int64, target TargetRef) []Analysis
}

// PersistentStore is the durable-store abstraction consumed by higher
// layers. RunInTransaction executes fn against a transactional copy of the
// state and commits atomically when fn returns nil; concurrent readers never
// observe partial application.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error

	GetProject(pkey int64) (Project, bool)
	GetCell(pkey int64) (Cell, bool)
	GetDevice(pkey int64) (Device, bool)
	GetWafer(pkey int64) (Wafer, bool)
	GetDie(pkey int64) (Die, bool)
	GetDeviceData(pkey int64) (DeviceData, bool)
	GetAnalysisFunction(pkey int64) (AnalysisFunction, bool)
	GetAnalysis(pkey int64) (Analysis, bool)
	ListProjects() []Project
}
