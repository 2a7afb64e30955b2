package daemon

import (
	"sync"
	"time"

	"github.com/charlie0129/vitals/pkg/types"
)

const defaultHistorySize = 48

// ResultRecorder keeps the last N measurement results.
type ResultRecorder struct {
	MaxRecordCount int
	records        []*types.MeasurementResult
	mu             *sync.Mutex
}

// NewResultRecorder returns a new ResultRecorder.
func NewResultRecorder(maxRecordCount int) *ResultRecorder {
	return &ResultRecorder{
		MaxRecordCount: maxRecordCount,
		records:        make([]*types.MeasurementResult, 0),
		mu:             &sync.Mutex{},
	}
}

// AddRecord adds a result, dropping the oldest one when full.
func (r *ResultRecorder) AddRecord(res *types.MeasurementResult) {
	if res == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) >= r.MaxRecordCount {
		r.records = r.records[1:]
	}
	r.records = append(r.records, res)
}

// GetRecords returns a copy of the records, oldest first.
func (r *ResultRecorder) GetRecords() []*types.MeasurementResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*types.MeasurementResult(nil), r.records...)
}

// GetRecordsSince returns the records taken at or after since, newest first.
func (r *ResultRecorder) GetRecordsSince(since time.Time) []*types.MeasurementResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ret []*types.MeasurementResult
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Timestamp.Before(since) {
			break
		}
		ret = append(ret, r.records[i])
	}
	return ret
}

// GetLastRecord returns the last record, or nil.
func (r *ResultRecorder) GetLastRecord() *types.MeasurementResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return nil
	}
	return r.records[len(r.records)-1]
}
