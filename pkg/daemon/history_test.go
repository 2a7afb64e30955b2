package daemon

import (
	"sync"
	"testing"
	"time"

	"github.com/charlie0129/vitals/pkg/types"
)

func result(at time.Time, sys, dia *float64) *types.MeasurementResult {
	return &types.MeasurementResult{Timestamp: at, Systolic: sys, Diastolic: dia}
}

func TestResultRecorder_GetRecordsSince(t *testing.T) {
	now := time.Now()
	type fields struct {
		MaxRecordCount int
		records        []*types.MeasurementResult
	}
	tests := []struct {
		name   string
		fields fields
		since  time.Time
		want   int
	}{
		{
			name: "all records recent",
			fields: fields{
				MaxRecordCount: 10,
				records: []*types.MeasurementResult{
					result(now.Add(-20*time.Minute), nil, nil),
					result(now.Add(-10*time.Minute), nil, nil),
				},
			},
			since: now.Add(-30 * time.Minute),
			want:  2,
		},
		{
			name: "stops at first old record",
			fields: fields{
				MaxRecordCount: 10,
				records: []*types.MeasurementResult{
					result(now.Add(-90*time.Minute), nil, nil),
					result(now.Add(-60*time.Minute), nil, nil),
					result(now.Add(-30*time.Minute), nil, nil),
					result(now, nil, nil),
				},
			},
			since: now.Add(-45 * time.Minute),
			want:  2,
		},
		{
			name:   "empty",
			fields: fields{MaxRecordCount: 10},
			since:  now.Add(-time.Hour),
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ResultRecorder{
				MaxRecordCount: tt.fields.MaxRecordCount,
				records:        tt.fields.records,
				mu:             &sync.Mutex{},
			}
			if got := len(r.GetRecordsSince(tt.since)); got != tt.want {
				t.Errorf("GetRecordsSince() returned %v records, want %v", got, tt.want)
			}
		})
	}
}

func TestResultRecorder_DropsOldest(t *testing.T) {
	r := NewResultRecorder(3)
	start := time.Now()
	for i := 0; i < 5; i++ {
		r.AddRecord(result(start.Add(time.Duration(i)*time.Minute), nil, nil))
	}
	r.AddRecord(nil)

	records := r.GetRecords()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if !records[0].Timestamp.Equal(start.Add(2 * time.Minute)) {
		t.Errorf("oldest record = %v, want %v", records[0].Timestamp, start.Add(2*time.Minute))
	}
	if last := r.GetLastRecord(); !last.Timestamp.Equal(start.Add(4 * time.Minute)) {
		t.Errorf("last record = %v", last.Timestamp)
	}
}
