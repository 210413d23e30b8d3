package thermostat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

// StatePath is where a thermostat's state lives inside dir.
func StatePath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// looseFloat reads numbers that may have been stored as strings.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if err := CheckTemp(v); err != nil {
		return err
	}
	*f = looseFloat(v)
	return nil
}

type persistedState struct {
	TargetTemp *looseFloat `json:"target_temp"`
	HighTemp   *looseFloat `json:"high_temp"`
	LowTemp    *looseFloat `json:"low_temp"`
	Mode       *string     `json:"mode"`
}

// LoadState reads a state file written by SaveState (YAML is accepted too).
// Missing keys get defaults. A missing file yields the defaults and an error
// satisfying os.IsNotExist; a corrupt file, an unknown mode included, yields the
// defaults and the parse error.
func LoadState(path string) (State, error) {
	state := DefaultState()

	dat, err := os.ReadFile(path)
	if err != nil {
		return state, err
	}

	var p persistedState
	if err := yaml.Unmarshal(dat, &p); err != nil {
		return state, fmt.Errorf("parsing %s: %w", path, err)
	}

	if p.TargetTemp != nil {
		state.TargetTemp = float64(*p.TargetTemp)
	}
	if p.HighTemp != nil {
		state.HighTemp = float64(*p.HighTemp)
	}
	if p.LowTemp != nil {
		state.LowTemp = float64(*p.LowTemp)
	}
	if p.Mode != nil {
		mode, err := ParseMode(*p.Mode)
		if err != nil {
			return DefaultState(), fmt.Errorf("parsing %s: %w", path, err)
		}
		state.Mode = mode
	}
	return state, nil
}

// SaveState writes state atomically.
func SaveState(path string, state State) error {
	dat, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(dat); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o660); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadStateOrDefault logs instead of failing: a thermostat must come up even
// without its previous state.
func LoadStateOrDefault(path string, logger *zap.Logger) State {
	state, err := LoadState(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		logger.Info("state file not found, using defaults", zap.String("path", path))
	default:
		logger.Error("loading state file failed, using defaults", zap.String("path", path), zap.Error(err))
	}
	return state
}

// PersistEvery saves the thermostat state every interval and once more when
// ctx is done.
func (t *Thermostat) PersistEvery(ctx context.Context, path string, interval time.Duration) {
	save := func() {
		if err := SaveState(path, t.State()); err != nil {
			t.logger.Error("storing state file failed", zap.String("path", path), zap.Error(err))
			return
		}
		t.logger.Info("state written", zap.String("path", path))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			save()
		case <-ctx.Done():
			save()
			return
		}
	}
}
