package calibration

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/vitals/pkg/types"
)

const (
	keyOffset = "offset"
	keyScale  = "scale"
)

// Store loads and persists calibration constants.
type Store interface {
	// Load returns the persisted constants. When nothing usable is persisted
	// it returns DefaultParams together with an error wrapping
	// types.ErrCalibrationMissing.
	Load() (Params, error)
	// Save replaces the persisted constants.
	Save(Params) error
}

var _ Store = &File{}

// File stores the constants as a two-line key=value text record.
type File struct {
	mu       *sync.RWMutex
	filepath string
}

// NewFile returns a File backed by path. The file does not need to exist.
func NewFile(path string) *File {
	return &File{
		mu:       &sync.RWMutex{},
		filepath: filepath.Clean(path),
	}
}

// Path returns the location of the record.
func (f *File) Path() string {
	return f.filepath
}

func (f *File) Load() (Params, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	b, err := os.ReadFile(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultParams(), pkgerrors.Wrapf(types.ErrCalibrationMissing, "no calibration record at %s", f.filepath)
		}
		return DefaultParams(), pkgerrors.Wrapf(types.ErrCalibrationMissing, "failed to read %s: %v", f.filepath, err)
	}

	p, parsed := parse(b)
	if parsed == 0 {
		return DefaultParams(), pkgerrors.Wrapf(types.ErrCalibrationMissing, "no valid keys in %s", f.filepath)
	}
	if err := p.Validate(); err != nil {
		return DefaultParams(), pkgerrors.Wrapf(types.ErrCalibrationMissing, "invalid record in %s: %v", f.filepath, err)
	}

	return p, nil
}

// Save writes the record to a temporary file next to the target and renames
// it over the target, so readers see either the old or the new record.
func (f *File) Save(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir, base := filepath.Split(f.filepath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create temp file for %s", f.filepath)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(format(p)); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrapf(err, "failed to write %s", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrapf(err, "failed to sync %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to close %s", tmpPath)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to chmod %s", tmpPath)
	}
	if err := os.Rename(tmpPath, f.filepath); err != nil {
		return pkgerrors.Wrapf(err, "failed to replace %s", f.filepath)
	}

	logrus.WithFields(logrus.Fields{
		"offset": p.Offset,
		"scale":  p.Scale,
		"path":   f.filepath,
	}).Debug("calibration saved")

	return nil
}

// parse reads offset/scale lines. Keys that are absent or unparsable keep
// their defaults. It returns how many keys were parsed.
func parse(b []byte) (Params, int) {
	p := DefaultParams()
	parsed := 0

	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			logrus.WithField("line", sc.Text()).Warn("ignoring unparsable calibration line")
			continue
		}
		switch strings.TrimSpace(key) {
		case keyOffset:
			p.Offset = v
			parsed++
		case keyScale:
			p.Scale = v
			parsed++
		}
	}

	return p, parsed
}

func format(p Params) []byte {
	return []byte(fmt.Sprintf("%s=%s\n%s=%s\n",
		keyOffset, strconv.FormatFloat(p.Offset, 'f', -1, 64),
		keyScale, strconv.FormatFloat(p.Scale, 'f', -1, 64),
	))
}
