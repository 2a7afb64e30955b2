package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/vitals/pkg/calibration"
	"github.com/charlie0129/vitals/pkg/cycle"
	"github.com/charlie0129/vitals/pkg/session"
	"github.com/charlie0129/vitals/pkg/types"
	"github.com/charlie0129/vitals/pkg/version"
)

type cycleRequest struct {
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
}

type calibrationRequest struct {
	Offset *float64 `json:"offset"`
	Scale  *float64 `json:"scale"`
}

type calibrateRequest struct {
	KnownPressure float64 `json:"knownPressure"`
	Samples       int     `json:"samples"`
}

type sessionRequest struct {
	Action    string `json:"action"`
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
	// MeasureNow starts a measurement right after the session starts.
	MeasureNow bool `json:"measureNow"`
}

type scheduleResponse struct {
	Schedule string      `json:"schedule"`
	Running  bool        `json:"running"`
	NextRuns []time.Time `json:"nextRuns"`
}

// abort writes err as the JSON body and records it for requestLogger.
func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cycle.ErrCycleInProgress), errors.Is(err, ErrNoCycle):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoPatient), errors.Is(err, calibration.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTransducerTimeout), errors.Is(err, types.ErrInsufficientData),
		errors.Is(err, ErrMonitorClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		abort(c, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *server) startCycle(c *gin.Context) {
	var req cycleRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	// A client that hangs up cancels its cycle.
	res, err := s.monitor.StartCycle(c.Request.Context(), req.PatientID, req.DoctorID)
	if errors.Is(err, context.Canceled) && res != nil {
		logrus.Info("cuff cycle canceled")
		c.IndentedJSON(http.StatusOK, res)
		return
	}
	if err != nil {
		logrus.WithError(err).Error("cuff cycle failed")
		abort(c, statusFor(err), err)
		return
	}

	c.IndentedJSON(http.StatusOK, res)
}

func (s *server) cancelCycle(c *gin.Context) {
	if err := s.monitor.CancelCycle(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (s *server) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.monitor.Status())
}

func (s *server) getHistory(c *gin.Context) {
	if q := c.Query("since"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil {
			abort(c, http.StatusBadRequest, pkgerrors.Wrap(err, "invalid since duration"))
			return
		}
		c.IndentedJSON(http.StatusOK, s.monitor.history.GetRecordsSince(time.Now().Add(-d)))
		return
	}
	c.IndentedJSON(http.StatusOK, s.monitor.History())
}

func (s *server) getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.monitor.Calibration())
}

func (s *server) setCalibration(c *gin.Context) {
	var req calibrationRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if req.Offset == nil && req.Scale == nil {
		abort(c, http.StatusBadRequest, pkgerrors.New("offset or scale is required"))
		return
	}

	p, err := s.monitor.SetCalibration(req.Offset, req.Scale)
	if err != nil {
		logrus.WithError(err).Error("failed to set calibration")
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, p)
}

func (s *server) calibrateOffset(c *gin.Context) {
	var req calibrateRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	p, err := s.monitor.CalibrateOffset(c.Request.Context(), req.Samples)
	if err != nil {
		logrus.WithError(err).Error("offset calibration failed")
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, p)
}

func (s *server) calibrateScale(c *gin.Context) {
	var req calibrateRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if req.KnownPressure <= 0 {
		abort(c, http.StatusBadRequest, pkgerrors.Errorf("known pressure must be positive, got %v", req.KnownPressure))
		return
	}

	p, err := s.monitor.CalibrateScale(c.Request.Context(), req.KnownPressure, req.Samples)
	if err != nil {
		logrus.WithError(err).Error("scale calibration failed")
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, p)
}

func (s *server) getSession(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.sessions.Get())
}

func (s *server) setSession(c *gin.Context) {
	var req sessionRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	switch req.Action {
	case "start":
		sess, err := s.sessions.Start(req.PatientID, req.DoctorID)
		if err != nil {
			abort(c, statusFor(err), err)
			return
		}
		if req.MeasureNow {
			go s.runScheduledMeasurement()
		}
		c.IndentedJSON(http.StatusCreated, sess)
	case "stop":
		c.IndentedJSON(http.StatusCreated, s.sessions.Stop())
	default:
		abort(c, http.StatusBadRequest, pkgerrors.Errorf("unknown session action %q, expected start or stop", req.Action))
	}
}

func (s *server) getSchedule(c *gin.Context) {
	next, running := s.scheduler.Status()
	resp := scheduleResponse{
		Schedule: s.conf.Schedule(),
		Running:  running,
	}
	if !next.IsZero() {
		resp.NextRuns = s.scheduler.NextRuns(3)
	}
	c.IndentedJSON(http.StatusOK, resp)
}

func (s *server) setSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	nextRuns, err := s.schedule(expr)
	if err != nil {
		if errors.Is(err, errInvalidSchedule) {
			abort(c, http.StatusBadRequest, err)
			return
		}
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, nextRuns)
}

func (s *server) postponeSchedule(c *gin.Context) {
	var d string
	if err := c.BindJSON(&d); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	duration, err := time.ParseDuration(d)
	if err != nil {
		abort(c, http.StatusBadRequest, pkgerrors.Wrap(err, "invalid duration"))
		return
	}

	if err := s.postpone(duration); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (s *server) skipSchedule(c *gin.Context) {
	if err := s.skipNextSchedule(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (s *server) getWorkers(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.supervisor.Statuses())
}

func (s *server) streamEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)
	logrus.WithField("subscribers", s.hub.Subscribers()).Debug("event stream opened")

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
