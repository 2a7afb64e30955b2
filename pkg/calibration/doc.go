// Package calibration holds the transducer calibration constants and the
// procedures that derive them. It contains:
//
//   - Params: the offset and scale turning raw counts into mmHg
//   - File: the persisted key=value record shared by the daemon and field tools
//   - CalibrateOffset / CalibrateScale: operator-gated procedures
//
// The record is plain text so it can be inspected and fixed by hand during
// field recalibration.
package calibration
