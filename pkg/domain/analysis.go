package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// TargetRef names the one entity an analysis runs against. Exactly one field
// must be set; Resolve enforces the XOR rule.
type TargetRef struct {
	DeviceDataPkey *int64 `json:"device_data_pkey,omitempty"`
	DiePkey        *int64 `json:"die_pkey,omitempty"`
	WaferPkey      *int64 `json:"wafer_pkey,omitempty"`
}

// DeviceDataTarget references a device data row.
func DeviceDataTarget(pkey int64) TargetRef { return TargetRef{DeviceDataPkey: &pkey} }

// DieTarget references a die.
func DieTarget(pkey int64) TargetRef { return TargetRef{DiePkey: &pkey} }

// WaferTarget references a wafer.
func WaferTarget(pkey int64) TargetRef { return TargetRef{WaferPkey: &pkey} }

// Resolve returns the referenced model kind and pkey, or a ConstraintError
// unless exactly one reference is set.
func (r TargetRef) Resolve() (TargetModel, int64, error) {
	set := 0
	var model TargetModel
	var pkey int64
	if r.DeviceDataPkey != nil {
		set++
		model, pkey = TargetDeviceData, *r.DeviceDataPkey
	}
	if r.DiePkey != nil {
		set++
		model, pkey = TargetDie, *r.DiePkey
	}
	if r.WaferPkey != nil {
		set++
		model, pkey = TargetWafer, *r.WaferPkey
	}
	if set != 1 {
		return "", 0, ConstraintError{
			Constraint: "analysis_target_xor",
			Detail:     "exactly one of device_data, die, wafer must be referenced",
		}
	}
	return model, pkey, nil
}

// Equal reports whether two refs name the same target.
func (r TargetRef) Equal(other TargetRef) bool {
	m1, p1, err1 := r.Resolve()
	m2, p2, err2 := other.Resolve()
	if err1 != nil || err2 != nil {
		return false
	}
	return m1 == m2 && p1 == p2
}

// TargetState captures the slice of a target entity's state that
// participates in analysis memoization: its identity, insertion timestamp,
// and attributes.
type TargetState struct {
	Model      TargetModel `json:"model"`
	Pkey       int64       `json:"pkey"`
	Timestamp  time.Time   `json:"timestamp"`
	Attributes Attributes  `json:"attributes"`
}

// ComputeInputHash fingerprints an analysis invocation: the parameters plus
// the target state, canonically JSON-encoded and hashed with SHA-256. Equal
// hashes mean a prior result is still valid and is returned unchanged.
func ComputeInputHash(parameters Attributes, target TargetState) (string, error) {
	canonParams, err := parameters.Canonical()
	if err != nil {
		return "", err
	}
	canonAttrs, err := target.Attributes.Canonical()
	if err != nil {
		return "", err
	}
	payload := struct {
		Parameters Attributes  `json:"parameters"`
		Model      TargetModel `json:"model"`
		Pkey       int64       `json:"pkey"`
		Timestamp  string      `json:"timestamp"`
		Attributes Attributes  `json:"attributes"`
	}{
		Parameters: canonParams,
		Model:      target.Model,
		Pkey:       target.Pkey,
		Timestamp:  target.Timestamp.UTC().Format(time.RFC3339Nano),
		Attributes: canonAttrs,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
