package sensors

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// DefaultECGBaudRate matches the acquisition microcontroller firmware.
const DefaultECGBaudRate = 115200

// ECGSample is one ECG value with its arrival time.
type ECGSample struct {
	Value     float64
	Timestamp time.Time
}

var _ ECGSource = &ECGStream{}

// ECGStream parses one decimal value per line.
type ECGStream struct {
	r   io.ReadCloser
	now func() time.Time
}

// OpenECG opens a serial port.
func OpenECG(port string, baudRate int) (*ECGStream, error) {
	if baudRate <= 0 {
		baudRate = DefaultECGBaudRate
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open serial port %s", port)
	}
	// Drop whatever the firmware sent before we were listening.
	if err := p.ResetInputBuffer(); err != nil {
		logrus.WithError(err).WithField("port", port).Warn("failed to reset serial input buffer")
	}
	return NewECGStream(p), nil
}

// NewECGStream reads from r.
func NewECGStream(r io.ReadCloser) *ECGStream {
	return &ECGStream{r: r, now: time.Now}
}

// Stream calls fn for every valid line until ctx is done or the reader
// fails. Unparsable lines are skipped. The reader is closed when ctx is done
// to unblock a pending read.
func (s *ECGStream) Stream(ctx context.Context, fn func(ECGSample)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.r.Close()
	})
	defer stop()

	sc := bufio.NewScanner(s.r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			logrus.WithField("line", line).Trace("skipping unparsable ECG line")
			continue
		}
		fn(ECGSample{Value: v, Timestamp: s.now()})
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sc.Err(); err != nil {
		return pkgerrors.Wrap(err, "failed to read ECG stream")
	}
	return io.ErrUnexpectedEOF
}

func (s *ECGStream) Close() error {
	return s.r.Close()
}
