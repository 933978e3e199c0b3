package domain

import (
	"testing"
	"time"
)

func TestTargetRefResolveXOR(t *testing.T) {
	if _, _, err := (TargetRef{}).Resolve(); !IsConstraintViolation(err) {
		t.Fatalf("empty ref should violate xor, got %v", err)
	}
	die := int64(3)
	wafer := int64(4)
	double := TargetRef{DiePkey: &die, WaferPkey: &wafer}
	if _, _, err := double.Resolve(); !IsConstraintViolation(err) {
		t.Fatalf("double ref should violate xor, got %v", err)
	}

	model, pkey, err := DieTarget(7).Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if model != TargetDie || pkey != 7 {
		t.Fatalf("got (%s, %d)", model, pkey)
	}
}

func TestTargetRefEqual(t *testing.T) {
	if !DieTarget(1).Equal(DieTarget(1)) {
		t.Fatalf("same target should compare equal")
	}
	if DieTarget(1).Equal(DieTarget(2)) {
		t.Fatalf("different pkeys should differ")
	}
	if DieTarget(1).Equal(WaferTarget(1)) {
		t.Fatalf("different models should differ")
	}
	if DieTarget(1).Equal(TargetRef{}) {
		t.Fatalf("invalid ref never equals a valid one")
	}
}

func TestComputeInputHashStable(t *testing.T) {
	state := TargetState{
		Model:      TargetDeviceData,
		Pkey:       12,
		Timestamp:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Attributes: Attributes{"temp_c": 25},
	}
	first, err := ComputeInputHash(Attributes{"smoothing": 0.5}, state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := ComputeInputHash(Attributes{"smoothing": 0.5}, state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatalf("hash not deterministic: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected sha-256 hex, got %q", first)
	}
}

func TestComputeInputHashSensitivity(t *testing.T) {
	state := TargetState{
		Model:      TargetDie,
		Pkey:       3,
		Timestamp:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Attributes: Attributes{"bin": "good"},
	}
	base, err := ComputeInputHash(Attributes{"n": 1}, state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	changedParams, err := ComputeInputHash(Attributes{"n": 2}, state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if changedParams == base {
		t.Fatalf("parameter change must change the hash")
	}

	changedAttrs := state
	changedAttrs.Attributes = Attributes{"bin": "bad"}
	hash, err := ComputeInputHash(Attributes{"n": 1}, changedAttrs)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == base {
		t.Fatalf("target attribute change must change the hash")
	}

	changedModel := state
	changedModel.Model = TargetWafer
	hash, err = ComputeInputHash(Attributes{"n": 1}, changedModel)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == base {
		t.Fatalf("target model change must change the hash")
	}
}

func TestComputeInputHashNumericNormalization(t *testing.T) {
	state := TargetState{Model: TargetWafer, Pkey: 1, Timestamp: time.Unix(0, 0).UTC()}
	asInt, err := ComputeInputHash(Attributes{"count": 5}, state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	asFloat, err := ComputeInputHash(Attributes{"count": 5.0}, state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if asInt != asFloat {
		t.Fatalf("numeric representation must not affect the hash")
	}
}

func TestAnalysisLabel(t *testing.T) {
	fn := AnalysisFunction{AnalysisFunctionID: "iv_curve"}
	die := int64(7)
	label := AnalysisLabel(Analysis{DiePkey: &die}, fn)
	if label != "iv_curve on Die #7" {
		t.Fatalf("got %q", label)
	}
	data := int64(2)
	label = AnalysisLabel(Analysis{DeviceDataPkey: &data}, fn)
	if label != "iv_curve on Device Data #2" {
		t.Fatalf("got %q", label)
	}
	wafer := int64(9)
	label = AnalysisLabel(Analysis{WaferPkey: &wafer}, fn)
	if label != "iv_curve on Wafer #9" {
		t.Fatalf("got %q", label)
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsNotFound(NotFoundPkey(EntityDevice, 4)) {
		t.Fatalf("expected not-found predicate to match")
	}
	if !IsConstraintViolation(ConstraintError{Constraint: "unique_project_id"}) {
		t.Fatalf("expected constraint predicate to match")
	}
	if !IsVersionConflict(VersionConflictError{FunctionID: "iv_curve", Version: 1}) {
		t.Fatalf("expected version-conflict predicate to match")
	}
	wrapped := TransactionError{Op: "persist", Err: ConstraintError{Constraint: "x"}}
	if !IsConstraintViolation(wrapped) {
		t.Fatalf("expected unwrapping through TransactionError")
	}
}
