// Package daemon wires the cuff pipeline, the sensor workers and the
// measurement schedule behind an HTTP API on a unix socket.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/vitals/pkg/calibration"
	"github.com/charlie0129/vitals/pkg/config"
	"github.com/charlie0129/vitals/pkg/events"
	"github.com/charlie0129/vitals/pkg/session"
	"github.com/charlie0129/vitals/pkg/supervisor"
)

type server struct {
	conf       config.Config
	monitor    *Monitor
	sessions   *session.Manager
	hub        *events.EventHub
	scheduler  *Scheduler
	supervisor *supervisor.Supervisor
}

func setupRoutes(s *server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logrus.StandardLogger()))

	router.POST("/cycle", s.startCycle)
	router.POST("/cycle/cancel", s.cancelCycle)
	router.GET("/status", s.getStatus)
	router.GET("/history", s.getHistory)

	router.GET("/calibration", s.getCalibration)
	router.PUT("/calibration", s.setCalibration)
	router.POST("/calibration/offset", s.calibrateOffset)
	router.POST("/calibration/scale", s.calibrateScale)

	router.GET("/session", s.getSession)
	router.PUT("/session", s.setSession)

	router.GET("/schedule", s.getSchedule)
	router.PUT("/schedule", s.setSchedule)
	router.POST("/schedule/postpone", s.postponeSchedule)
	router.POST("/schedule/skip", s.skipSchedule)

	router.GET("/workers", s.getWorkers)
	router.GET(eventsPath, s.streamEvents)
	router.GET("/version", getVersion)

	return router
}

// reload re-reads the config file and applies what can change at runtime.
func (s *server) reload() error {
	if err := s.conf.Load(); err != nil {
		return err
	}
	if err := s.monitor.UpdateSettings(s.conf.CycleSettings()); err != nil {
		logrus.WithError(err).Warn("cycle settings not reloaded")
	}
	return s.applySchedule(s.conf.Schedule())
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	transducer, act, err := openHardware(conf.Pins())
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open cuff hardware")
	}

	hub := events.NewEventHub()
	sessions := session.NewManager()
	monitor, err := NewMonitor(
		transducer,
		act,
		calibration.NewFile(conf.CalibrationPath()),
		sessions,
		hub,
		conf.CycleSettings(),
		clock.New(),
	)
	if err != nil {
		if stopErr := act.Stop(); stopErr != nil {
			logrus.WithError(stopErr).Error("failed to release the cuff")
		}
		return err
	}

	s := &server{
		conf:       conf,
		monitor:    monitor,
		sessions:   sessions,
		hub:        hub,
		supervisor: supervisor.New(supervisor.Options{Publisher: hub}),
	}
	s.scheduler = s.newMeasurementScheduler()
	if err := s.applySchedule(conf.Schedule()); err != nil {
		logrus.WithError(err).Error("measurement schedule disabled")
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			if err := s.reload(); err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler:           setupRoutes(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// A socket left by a crashed daemon would make Listen fail.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		logrus.Fatal(err)
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	ctx, cancelWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		logrus.Debugln("sensor workers start")
		if err := s.supervisor.Run(ctx, workerUnits(conf, sessions, hub, clock.New())...); err != nil {
			logrus.WithError(err).Error("sensor workers exited")
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	s.scheduler.Stop()

	logrus.Info("releasing the cuff")
	if err := monitor.Shutdown(); err != nil {
		logrus.Errorf("failed to release the cuff before exiting: %v", err)
	}

	logrus.Info("stopping sensor workers")
	cancelWorkers()
	<-workersDone

	logrus.Info("shutting down http server")
	// Ends the event streams, which would otherwise hold the server open.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("exiting")
	return nil
}
