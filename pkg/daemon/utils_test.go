package daemon

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	router := gin.New()
	router.Use(requestLogger(logger))
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.POST("/busy", func(c *gin.Context) { abort(c, http.StatusConflict, errors.New("cuff busy")) })
	router.GET("/broken", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	router.GET(eventsPath, func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		method, path string
		level        logrus.Level
		msg          string
	}{
		{http.MethodGet, "/ok", logrus.DebugLevel, "GET /ok 200"},
		{http.MethodPost, "/busy", logrus.WarnLevel, "POST /busy 409"},
		{http.MethodGet, "/broken", logrus.ErrorLevel, "GET /broken 500"},
		{http.MethodGet, eventsPath, logrus.DebugLevel, "event stream closed"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			hook.Reset()
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, tc.level, entry.Level)
			assert.Contains(t, entry.Message, tc.msg)
			assert.Equal(t, tc.path, entry.Data["path"])
		})
	}

	hook.Reset()
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/busy", nil))
	assert.EqualError(t, hook.LastEntry().Data[logrus.ErrorKey].(error), "cuff busy")
}
