package events

import "encoding/json"

// Topics. The Spanish names are what the bedside dashboard subscribes to.
const (
	BloodPressure = "presion"
	CyclePhase    = "cycle.phase"
	Temperature   = "temperatura"
	ECG           = "ecg"
	WorkerStatus  = "estado"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// CyclePhaseEvent is the typed payload for cycle.phase.
type CyclePhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// TemperatureEvent is the typed payload for temperatura.
type TemperatureEvent struct {
	PatientID   string  `json:"patient_id"`
	DoctorID    string  `json:"doctor_id"`
	Temperature float64 `json:"temperature"`
	Timestamp   int64   `json:"timestamp"`
}

// ECGSample is one sample of an ECG batch.
type ECGSample struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// ECGEvent is the typed payload for ecg.
type ECGEvent struct {
	PatientID string      `json:"patient_id"`
	DoctorID  string      `json:"doctor_id"`
	Samples   []ECGSample `json:"samples"`
	Timestamp int64       `json:"timestamp"`
}

// WorkerStatusEvent is the typed payload for estado.
type WorkerStatusEvent struct {
	Worker  string `json:"worker"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// BloodPressureEvent is the typed view of a presion payload.
type BloodPressureEvent struct {
	PatientID     string   `json:"patient_id"`
	DoctorID      string   `json:"doctor_id"`
	Systolic      *float64 `json:"systolic"`
	Diastolic     *float64 `json:"diastolic"`
	BloodPressure string   `json:"blood_pressure"`
	Timestamp     int64    `json:"timestamp"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CyclePhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
