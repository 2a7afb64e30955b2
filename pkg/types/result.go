package types

import (
	"fmt"
	"time"
)

// Classification is a coarse blood pressure category.
type Classification string

const (
	ClassificationUnknown  Classification = ""
	ClassificationNormal   Classification = "Normal"
	ClassificationElevated Classification = "Elevated"
	ClassificationStage1   Classification = "HypertensionStage1"
	ClassificationStage2   Classification = "HypertensionStage2"
)

// ThresholdEstimate is the systolic/diastolic pair found at one amplitude
// threshold fraction.
type ThresholdEstimate struct {
	Fraction  float64  `json:"fraction"`
	Systolic  *float64 `json:"systolic"`
	Diastolic *float64 `json:"diastolic"`
}

// MeasurementResult is the terminal outcome of one cuff cycle. Systolic and
// Diastolic are nil when they could not be detected.
type MeasurementResult struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patientId,omitempty"`
	DoctorID  string    `json:"doctorId,omitempty"`
	Systolic  *float64  `json:"systolic"`
	Diastolic *float64  `json:"diastolic"`
	Timestamp time.Time `json:"timestamp"`
	// Phase is the terminal phase the cycle ended in (Complete or Aborted).
	Phase string `json:"phase"`
	// Reason describes why the cycle ended early or degraded. Empty on a
	// clean run.
	Reason     string              `json:"reason,omitempty"`
	Samples    int                 `json:"samples"`
	Thresholds []ThresholdEstimate `json:"thresholds,omitempty"`
}

// Complete reports whether both pressures were detected.
func (r *MeasurementResult) Complete() bool {
	return r.Systolic != nil && r.Diastolic != nil
}

// Partial reports whether at least one pressure was detected.
func (r *MeasurementResult) Partial() bool {
	return r.Systolic != nil || r.Diastolic != nil
}

// MeanArterialPressure returns D + (S-D)/3 when both values are known.
func (r *MeasurementResult) MeanArterialPressure() (float64, bool) {
	if !r.Complete() {
		return 0, false
	}
	return *r.Diastolic + (*r.Systolic-*r.Diastolic)/3, true
}

// Classify maps the result to a blood pressure category. Partial results are
// not classified.
func (r *MeasurementResult) Classify() Classification {
	if !r.Complete() {
		return ClassificationUnknown
	}
	s, d := *r.Systolic, *r.Diastolic
	switch {
	case s < 120 && d < 80:
		return ClassificationNormal
	case s < 130 && d < 80:
		return ClassificationElevated
	case s < 140 && d < 90:
		return ClassificationStage1
	default:
		return ClassificationStage2
	}
}

// BloodPressure formats the result as "S/D", using "--" for an undetected side.
func (r *MeasurementResult) BloodPressure() string {
	return fmt.Sprintf("%s/%s", formatMmHg(r.Systolic), formatMmHg(r.Diastolic))
}

// Payload is the flat mapping published to the outbound bus.
func (r *MeasurementResult) Payload() map[string]any {
	return map[string]any{
		"patient_id":     r.PatientID,
		"doctor_id":      r.DoctorID,
		"systolic":       r.Systolic,
		"diastolic":      r.Diastolic,
		"blood_pressure": r.BloodPressure(),
		"timestamp":      r.Timestamp.Unix(),
	}
}

func formatMmHg(v *float64) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf("%.0f", *v)
}
