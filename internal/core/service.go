package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gdsfactory/gdatasea/internal/blob"
	"github.com/gdsfactory/gdatasea/internal/infra/persistence/memory"
	"github.com/gdsfactory/gdatasea/pkg/domain"
)

// Service exposes higher-level transactional operations over the entity
// graph, the analysis function registry, and the analysis cache.
type Service struct {
	store   PersistentStore
	log     *slog.Logger
	metrics MetricsRecorder
	blobs   blob.Store
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to NewLogger(nil).
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetricsRecorder sets the operation metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(s *Service) { s.metrics = rec }
}

// WithBlobStore sets the object store used for raw data ingest.
func WithBlobStore(store blob.Store) Option {
	return func(s *Service) { s.blobs = store }
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{store: store, log: NewLogger(nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service with a fresh in-memory store whose
// committed change sets are logged through the service logger.
func NewInMemoryService(opts ...Option) *Service {
	var s *Service
	store := memory.NewStore(func(changes []Change) { s.logChanges(changes) })
	s = NewService(store, opts...)
	return s
}

// OpenServiceFromEnv selects the persistent store from the environment
// (see OpenPersistentStore) and wires committed change sets to the logger.
func OpenServiceFromEnv(opts ...Option) (*Service, error) {
	var s *Service
	store, err := OpenPersistentStore(func(changes []Change) { s.logChanges(changes) })
	if err != nil {
		return nil, err
	}
	s = NewService(store, opts...)
	return s, nil
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Blobs returns the configured object store, nil when ingest is disabled.
func (s *Service) Blobs() blob.Store { return s.blobs }

func (s *Service) logChanges(changes []Change) {
	for _, change := range changes {
		s.log.Debug("entity changed", "entity", string(change.Entity), "action", string(change.Action))
	}
}

func (s *Service) observe(ctx context.Context, operation string, start time.Time, err error) {
	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.Observe(ctx, operation, err == nil, duration)
	}
	if err != nil {
		s.log.Error("operation failed", "operation", operation, "duration", duration, "error", err)
		return
	}
	s.log.Debug("operation completed", "operation", operation, "duration", duration)
}

// CreateProject persists a new project.
func (s *Service) CreateProject(ctx context.Context, project Project) (created Project, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_project", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateProject(project)
		return txErr
	})
	return created, err
}

// UpdateProject applies mutator to the project identified by pkey.
func (s *Service) UpdateProject(ctx context.Context, pkey int64, mutator func(*Project) error) (updated Project, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_project", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateProject(pkey, mutator)
		return txErr
	})
	return updated, err
}

// DeleteProject removes a project and its full subtree.
func (s *Service) DeleteProject(ctx context.Context, pkey int64) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_project", start, err) }(time.Now())
	return s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteProject(pkey)
	})
}

// GetProject returns a project by pkey.
func (s *Service) GetProject(ctx context.Context, pkey int64) (Project, error) {
	if p, ok := s.store.GetProject(pkey); ok {
		return p, nil
	}
	return Project{}, domain.NotFoundPkey(domain.EntityProject, pkey)
}

// GetProjectByID returns a project by its human-readable identifier.
func (s *Service) GetProjectByID(ctx context.Context, projectID string) (Project, error) {
	var found Project
	err := s.store.View(ctx, func(view TransactionView) error {
		p, ok := view.FindProjectByID(projectID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityProject, Ref: projectID}
		}
		found = p
		return nil
	})
	return found, err
}

// ListProjects returns all projects ordered by pkey.
func (s *Service) ListProjects(ctx context.Context) []Project {
	return s.store.ListProjects()
}

// CreateCell persists a new cell.
func (s *Service) CreateCell(ctx context.Context, cell Cell) (created Cell, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_cell", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateCell(cell)
		return txErr
	})
	return created, err
}

// UpdateCell applies mutator to the cell identified by pkey.
func (s *Service) UpdateCell(ctx context.Context, pkey int64, mutator func(*Cell) error) (updated Cell, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_cell", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateCell(pkey, mutator)
		return txErr
	})
	return updated, err
}

// DeleteCell removes a cell and the devices it owns; rejected while another
// cell's device still references it as parent.
func (s *Service) DeleteCell(ctx context.Context, pkey int64) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_cell", start, err) }(time.Now())
	return s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteCell(pkey)
	})
}

// GetCell returns a cell by pkey.
func (s *Service) GetCell(ctx context.Context, pkey int64) (Cell, error) {
	if c, ok := s.store.GetCell(pkey); ok {
		return c, nil
	}
	return Cell{}, domain.NotFoundPkey(domain.EntityCell, pkey)
}

// CreateDevice persists a new device.
func (s *Service) CreateDevice(ctx context.Context, device Device) (created Device, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_device", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateDevice(device)
		return txErr
	})
	return created, err
}

// UpdateDevice applies mutator to the device identified by pkey.
func (s *Service) UpdateDevice(ctx context.Context, pkey int64, mutator func(*Device) error) (updated Device, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_device", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateDevice(pkey, mutator)
		return txErr
	})
	return updated, err
}

// DeleteDevice removes a device and its device data.
func (s *Service) DeleteDevice(ctx context.Context, pkey int64) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_device", start, err) }(time.Now())
	return s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteDevice(pkey)
	})
}

// GetDevice returns a device by pkey.
func (s *Service) GetDevice(ctx context.Context, pkey int64) (Device, error) {
	if d, ok := s.store.GetDevice(pkey); ok {
		return d, nil
	}
	return Device{}, domain.NotFoundPkey(domain.EntityDevice, pkey)
}

// ResolveDeviceTransforms returns every absolute transform the device takes
// through the recursive placement hierarchy of its owning cell.
func (s *Service) ResolveDeviceTransforms(ctx context.Context, devicePkey int64) (transforms []Transform, err error) {
	defer func(start time.Time) { s.observe(ctx, "resolve_device_transforms", start, err) }(time.Now())
	err = s.store.View(ctx, func(view TransactionView) error {
		var viewErr error
		transforms, viewErr = domain.ResolveDeviceTransforms(view, devicePkey)
		return viewErr
	})
	return transforms, err
}

// CreateWafer persists a new wafer.
func (s *Service) CreateWafer(ctx context.Context, wafer Wafer) (created Wafer, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_wafer", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateWafer(wafer)
		return txErr
	})
	return created, err
}

// UpdateWafer applies mutator to the wafer identified by pkey.
func (s *Service) UpdateWafer(ctx context.Context, pkey int64, mutator func(*Wafer) error) (updated Wafer, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_wafer", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateWafer(pkey, mutator)
		return txErr
	})
	return updated, err
}

// DeleteWafer removes a wafer and its dies, die-linked data, and analyses.
func (s *Service) DeleteWafer(ctx context.Context, pkey int64) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_wafer", start, err) }(time.Now())
	return s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteWafer(pkey)
	})
}

// GetWafer returns a wafer by pkey.
func (s *Service) GetWafer(ctx context.Context, pkey int64) (Wafer, error) {
	if w, ok := s.store.GetWafer(pkey); ok {
		return w, nil
	}
	return Wafer{}, domain.NotFoundPkey(domain.EntityWafer, pkey)
}

// CreateDie persists a new die.
func (s *Service) CreateDie(ctx context.Context, die Die) (created Die, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_die", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateDie(die)
		return txErr
	})
	return created, err
}

// UpdateDie applies mutator to the die identified by pkey.
func (s *Service) UpdateDie(ctx context.Context, pkey int64, mutator func(*Die) error) (updated Die, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_die", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateDie(pkey, mutator)
		return txErr
	})
	return updated, err
}

// DeleteDie removes a die, its linked device data, and its analyses.
func (s *Service) DeleteDie(ctx context.Context, pkey int64) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_die", start, err) }(time.Now())
	return s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteDie(pkey)
	})
}

// GetDie returns a die by pkey.
func (s *Service) GetDie(ctx context.Context, pkey int64) (Die, error) {
	if d, ok := s.store.GetDie(pkey); ok {
		return d, nil
	}
	return Die{}, domain.NotFoundPkey(domain.EntityDie, pkey)
}

// CreateDeviceData attaches a measurement or simulation record to a device.
func (s *Service) CreateDeviceData(ctx context.Context, data DeviceData) (created DeviceData, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_device_data", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateDeviceData(data)
		return txErr
	})
	return created, err
}

// IngestDeviceData stores the raw payload in the blob store under a key
// derived from the owning device, then records the device data row pointing
// at it. The blob is removed again when the row cannot be created.
func (s *Service) IngestDeviceData(ctx context.Context, data DeviceData, filename string, payload io.Reader, contentType string) (created DeviceData, err error) {
	defer func(start time.Time) { s.observe(ctx, "ingest_device_data", start, err) }(time.Now())
	if s.blobs == nil {
		return DeviceData{}, fmt.Errorf("blob store not configured")
	}
	if filename == "" {
		return DeviceData{}, fmt.Errorf("filename required")
	}
	key := fmt.Sprintf("device_data/%d/%d/%s", data.DevicePkey, time.Now().UTC().UnixNano(), filename)
	info, err := s.blobs.Put(ctx, key, payload, blob.PutOptions{ContentType: contentType})
	if err != nil {
		return DeviceData{}, fmt.Errorf("store payload: %w", err)
	}
	data.Path = info.Key
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateDeviceData(data)
		return txErr
	})
	if err != nil {
		if _, delErr := s.blobs.Delete(ctx, info.Key); delErr != nil {
			s.log.Warn("orphaned payload cleanup failed", "key", info.Key, "error", delErr)
		}
		return DeviceData{}, err
	}
	return created, nil
}

// OpenDeviceDataPayload opens the raw payload of a device data row.
func (s *Service) OpenDeviceDataPayload(ctx context.Context, pkey int64) (blob.Info, io.ReadCloser, error) {
	if s.blobs == nil {
		return blob.Info{}, nil, fmt.Errorf("blob store not configured")
	}
	data, ok := s.store.GetDeviceData(pkey)
	if !ok {
		return blob.Info{}, nil, domain.NotFoundPkey(domain.EntityDeviceData, pkey)
	}
	return s.blobs.Get(ctx, data.Path)
}

// UpdateDeviceData applies mutator to the device data row identified by pkey.
func (s *Service) UpdateDeviceData(ctx context.Context, pkey int64, mutator func(*DeviceData) error) (updated DeviceData, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_device_data", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateDeviceData(pkey, mutator)
		return txErr
	})
	return updated, err
}

// InvalidateDeviceData soft-invalidates a device data row.
func (s *Service) InvalidateDeviceData(ctx context.Context, pkey int64) (DeviceData, error) {
	return s.UpdateDeviceData(ctx, pkey, func(d *DeviceData) error {
		d.Valid = false
		return nil
	})
}

// DeleteDeviceData removes a device data row and its analyses.
func (s *Service) DeleteDeviceData(ctx context.Context, pkey int64) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_device_data", start, err) }(time.Now())
	return s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteDeviceData(pkey)
	})
}

// GetDeviceData returns a device data row by pkey.
func (s *Service) GetDeviceData(ctx context.Context, pkey int64) (DeviceData, error) {
	if d, ok := s.store.GetDeviceData(pkey); ok {
		return d, nil
	}
	return DeviceData{}, domain.NotFoundPkey(domain.EntityDeviceData, pkey)
}

// RegisterAnalysisFunction records one version of an analysis computation.
func (s *Service) RegisterAnalysisFunction(ctx context.Context, fn AnalysisFunction) (created AnalysisFunction, err error) {
	defer func(start time.Time) { s.observe(ctx, "register_analysis_function", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.RegisterAnalysisFunction(fn)
		return txErr
	})
	return created, err
}

// DeleteAnalysisFunction removes a function version and its analyses.
func (s *Service) DeleteAnalysisFunction(ctx context.Context, pkey int64) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_analysis_function", start, err) }(time.Now())
	return s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteAnalysisFunction(pkey)
	})
}

// GetAnalysisFunction returns a registered function version by pkey.
func (s *Service) GetAnalysisFunction(ctx context.Context, pkey int64) (AnalysisFunction, error) {
	if fn, ok := s.store.GetAnalysisFunction(pkey); ok {
		return fn, nil
	}
	return AnalysisFunction{}, domain.NotFoundPkey(domain.EntityAnalysisFunction, pkey)
}

// LatestAnalysisFunction returns the highest registered version of the
// function identifier.
func (s *Service) LatestAnalysisFunction(ctx context.Context, functionID string) (AnalysisFunction, error) {
	var found AnalysisFunction
	err := s.store.View(ctx, func(view TransactionView) error {
		fn, ok := view.LatestAnalysisFunction(functionID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityAnalysisFunction, Ref: functionID}
		}
		found = fn
		return nil
	})
	return found, err
}

// RecordAnalysis runs the memoization protocol for (function, target) and
// reports whether a new result row was inserted. An unchanged input hash
// returns the current latest row without touching the store.
func (s *Service) RecordAnalysis(ctx context.Context, functionPkey int64, target TargetRef, parameters, output Attributes, summaryPlot string) (result Analysis, inserted bool, err error) {
	defer func(start time.Time) { s.observe(ctx, "record_analysis", start, err) }(time.Now())
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		result, inserted, txErr = tx.RecordAnalysis(functionPkey, target, parameters, output, summaryPlot)
		return txErr
	})
	return result, inserted, err
}

// GetAnalysis returns an analysis row by pkey.
func (s *Service) GetAnalysis(ctx context.Context, pkey int64) (Analysis, error) {
	if a, ok := s.store.GetAnalysis(pkey); ok {
		return a, nil
	}
	return Analysis{}, domain.NotFoundPkey(domain.EntityAnalysis, pkey)
}

// LatestAnalysis returns the current latest analysis for (function, target).
func (s *Service) LatestAnalysis(ctx context.Context, functionPkey int64, target TargetRef) (Analysis, bool, error) {
	var found Analysis
	var ok bool
	err := s.store.View(ctx, func(view TransactionView) error {
		found, ok = view.LatestAnalysis(functionPkey, target)
		return nil
	})
	return found, ok, err
}

// ListAnalyses returns the full history for (function, target) ordered by
// pkey.
func (s *Service) ListAnalyses(ctx context.Context, functionPkey int64, target TargetRef) ([]Analysis, error) {
	var out []Analysis
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.ListAnalyses(functionPkey, target)
		return nil
	})
	return out, err
}

// AnalysisLabel returns the display label of an analysis row, e.g.
// "iv_curve on Die #7".
func (s *Service) AnalysisLabel(ctx context.Context, analysisPkey int64) (string, error) {
	a, ok := s.store.GetAnalysis(analysisPkey)
	if !ok {
		return "", domain.NotFoundPkey(domain.EntityAnalysis, analysisPkey)
	}
	fn, ok := s.store.GetAnalysisFunction(a.AnalysisFunctionPkey)
	if !ok {
		return "", domain.NotFoundPkey(domain.EntityAnalysisFunction, a.AnalysisFunctionPkey)
	}
	return domain.AnalysisLabel(a, fn), nil
}
