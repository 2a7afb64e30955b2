package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/vitals/pkg/calibration"
	"github.com/charlie0129/vitals/pkg/cycle"
	"github.com/charlie0129/vitals/pkg/events"
	"github.com/charlie0129/vitals/pkg/session"
	"github.com/charlie0129/vitals/pkg/supervisor"
	"github.com/charlie0129/vitals/pkg/types"
)

// Status mirrors the daemon status response.
type Status struct {
	cycle.Status
	LastResult  *types.MeasurementResult `json:"lastResult,omitempty"`
	Session     session.Session          `json:"session"`
	Calibration calibration.Params       `json:"calibration"`
}

// Schedule mirrors the daemon schedule response.
type Schedule struct {
	Schedule string      `json:"schedule"`
	Running  bool        `json:"running"`
	NextRuns []time.Time `json:"nextRuns"`
}

func getJSON[T any](c *Client, path, what string) (T, error) {
	var v T
	ret, err := c.Get(path)
	if err != nil {
		return v, pkgerrors.Wrapf(err, "failed to get %s", what)
	}
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return v, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return v, nil
}

func sendJSON[T any](ctx context.Context, c *Client, method, path string, body any, what string) (T, error) {
	var v T
	data := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return v, err
		}
		data = string(b)
	}
	ret, err := c.SendContext(ctx, method, path, data)
	if err != nil {
		return v, pkgerrors.Wrapf(err, "failed to %s", what)
	}
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return v, pkgerrors.Wrapf(err, "failed to unmarshal response to %s", what)
	}
	return v, nil
}

// StartCycle runs one measurement and waits for its result. Canceling ctx
// aborts the cycle on the daemon.
func (c *Client) StartCycle(ctx context.Context, patientID, doctorID string) (*types.MeasurementResult, error) {
	body := map[string]string{"patientId": patientID, "doctorId": doctorID}
	return sendJSON[*types.MeasurementResult](ctx, c, http.MethodPost, "/cycle", body, "run measurement")
}

func (c *Client) CancelCycle() (string, error) {
	return c.Post("/cycle/cancel", "")
}

func (c *Client) GetStatus() (*Status, error) {
	return getJSON[*Status](c, "/status", "status")
}

// GetHistory returns recent results. A zero since returns all of them.
func (c *Client) GetHistory(since time.Duration) ([]*types.MeasurementResult, error) {
	path := "/history"
	if since > 0 {
		path += "?since=" + url.QueryEscape(since.String())
	}
	return getJSON[[]*types.MeasurementResult](c, path, "history")
}

func (c *Client) GetCalibration() (calibration.Params, error) {
	return getJSON[calibration.Params](c, "/calibration", "calibration")
}

// SetCalibration overrides the given constants. Nil keeps the current value.
func (c *Client) SetCalibration(offset, scale *float64) (calibration.Params, error) {
	body := map[string]*float64{"offset": offset, "scale": scale}
	return sendJSON[calibration.Params](context.Background(), c, http.MethodPut, "/calibration", body, "set calibration")
}

func (c *Client) CalibrateOffset(ctx context.Context, samples int) (calibration.Params, error) {
	body := map[string]int{"samples": samples}
	return sendJSON[calibration.Params](ctx, c, http.MethodPost, "/calibration/offset", body, "calibrate offset")
}

func (c *Client) CalibrateScale(ctx context.Context, knownPressure float64, samples int) (calibration.Params, error) {
	body := map[string]any{"knownPressure": knownPressure, "samples": samples}
	return sendJSON[calibration.Params](ctx, c, http.MethodPost, "/calibration/scale", body, "calibrate scale")
}

func (c *Client) GetSession() (session.Session, error) {
	return getJSON[session.Session](c, "/session", "session")
}

// StartSession starts monitoring a patient. measureNow takes a measurement
// right away instead of waiting for the schedule.
func (c *Client) StartSession(patientID, doctorID string, measureNow bool) (session.Session, error) {
	body := map[string]any{
		"action":     "start",
		"patientId":  patientID,
		"doctorId":   doctorID,
		"measureNow": measureNow,
	}
	return sendJSON[session.Session](context.Background(), c, http.MethodPut, "/session", body, "start session")
}

func (c *Client) StopSession() (session.Session, error) {
	body := map[string]string{"action": "stop"}
	return sendJSON[session.Session](context.Background(), c, http.MethodPut, "/session", body, "stop session")
}

func (c *Client) GetSchedule() (*Schedule, error) {
	return getJSON[*Schedule](c, "/schedule", "schedule")
}

// SetSchedule sets the measurement cron expression and returns the next
// runs. An empty expression disables scheduled measurements.
func (c *Client) SetSchedule(cronExpr string) ([]time.Time, error) {
	return sendJSON[[]time.Time](context.Background(), c, http.MethodPut, "/schedule", cronExpr, "set schedule")
}

func (c *Client) PostponeSchedule(d time.Duration) (string, error) {
	payload, err := json.Marshal(d.String())
	if err != nil {
		return "", err
	}
	return c.Post("/schedule/postpone", string(payload))
}

func (c *Client) SkipSchedule() (string, error) {
	return c.Post("/schedule/skip", "")
}

func (c *Client) GetWorkers() (map[string]supervisor.UnitStatus, error) {
	return getJSON[map[string]supervisor.UnitStatus](c, "/workers", "worker status")
}

func (c *Client) GetVersion() (string, error) {
	return getJSON[string](c, "/version", "version")
}

// SubscribeEvents streams daemon events until ctx is done or the daemon
// closes the stream. The channel is closed afterwards.
func (c *Client) SubscribeEvents(ctx context.Context) <-chan events.Event {
	ch := make(chan events.Event, 16)

	go func() {
		defer close(ch)

		req, err := c.newRequest(ctx, http.MethodGet, "/events", "")
		if err != nil {
			logrus.WithError(err).Error("failed to subscribe to events")
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				logrus.WithError(err).Error("failed to subscribe to events")
			}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			logrus.WithField("code", resp.StatusCode).Error("failed to subscribe to events")
			return
		}

		if err := readEvents(ctx, resp.Body, ch); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("event stream ended")
		}
	}()

	return ch
}

// readEvents parses a text/event-stream. Only the event and data fields are
// used.
func readEvents(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		name string
		data strings.Builder
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == "" && data.Len() == 0 {
				continue
			}
			ev := events.Event{Name: name, Data: json.RawMessage(data.String())}
			name = ""
			data.Reset()
			select {
			case ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}
