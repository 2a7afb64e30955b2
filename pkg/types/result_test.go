package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func f(v float64) *float64 { return &v }

func TestMeasurementResult_BloodPressure(t *testing.T) {
	tests := []struct {
		name string
		r    MeasurementResult
		want string
	}{
		{name: "both", r: MeasurementResult{Systolic: f(121.6), Diastolic: f(79.2)}, want: "122/79"},
		{name: "systolic only", r: MeasurementResult{Systolic: f(130)}, want: "130/--"},
		{name: "diastolic only", r: MeasurementResult{Diastolic: f(85)}, want: "--/85"},
		{name: "none", r: MeasurementResult{}, want: "--/--"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.BloodPressure())
		})
	}
}

func TestMeasurementResult_Classify(t *testing.T) {
	tests := []struct {
		s, d float64
		want Classification
	}{
		{115, 75, ClassificationNormal},
		{125, 75, ClassificationElevated},
		{135, 85, ClassificationStage1},
		{150, 95, ClassificationStage2},
		{118, 92, ClassificationStage2},
	}
	for _, tt := range tests {
		r := MeasurementResult{Systolic: f(tt.s), Diastolic: f(tt.d)}
		assert.Equal(t, tt.want, r.Classify(), "%v/%v", tt.s, tt.d)
	}

	partial := MeasurementResult{Systolic: f(120)}
	assert.Equal(t, ClassificationUnknown, partial.Classify())
	assert.True(t, partial.Partial())
	assert.False(t, partial.Complete())
}

func TestMeasurementResult_Payload(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	r := MeasurementResult{PatientID: "PAC001", DoctorID: "DOC7", Systolic: f(120), Timestamp: ts}

	p := r.Payload()
	assert.Equal(t, "PAC001", p["patient_id"])
	assert.Equal(t, "DOC7", p["doctor_id"])
	assert.Equal(t, "120/--", p["blood_pressure"])
	assert.Equal(t, int64(1700000000), p["timestamp"])
	assert.Nil(t, p["diastolic"].(*float64))

	mapValue, ok := (&MeasurementResult{Systolic: f(120), Diastolic: f(90)}).MeanArterialPressure()
	assert.True(t, ok)
	assert.InDelta(t, 100.0, mapValue, 1e-9)
}
