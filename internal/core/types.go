// Package core exposes the transactional service facade over the domain
// model: entity CRUD, analysis function registration, analysis memoization,
// placement resolution, and raw data ingest.
package core

import (
	"github.com/gdsfactory/gdatasea/pkg/domain"
)

type (
	// Project aliases domain.Project for service-level operations.
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
	// Attributes aliases domain.Attributes.
	Attributes = domain.Attributes
	// TargetRef aliases domain.TargetRef identifying an analysis subject.
	TargetRef = domain.TargetRef
	// Transform aliases domain.Transform.
	Transform = domain.Transform
	// Change aliases domain.Change emitted on commit.
	Change = domain.Change
	// Transaction aliases domain.Transaction.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore.
	PersistentStore = domain.PersistentStore
)
