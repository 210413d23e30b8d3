package thermostat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alittlebrighter/virtual-thermostat/util"
)

// Config is one thermostat as written in the configuration file.
type Config struct {
	Name         string        `json:"name"`
	FriendlyName string        `json:"friendly_name,omitempty"`
	HeatSwitch   EntityList    `json:"heat_switch"`
	TempSensor   EntityList    `json:"temp_sensor"`
	MaxInterval  float64       `json:"max_interval,omitempty"`
	MinTemp      float64       `json:"min_temp,omitempty"`
	MaxTemp      float64       `json:"max_temp,omitempty"`
	MaxAge       util.Duration `json:"max_age,omitempty"`
	MaxErrors    uint8         `json:"max_errors,omitempty"`
	Debug        bool          `json:"debug,omitempty"`
}

// ApplyDefaults fills unset (zero) values.
func (c *Config) ApplyDefaults() {
	if c.FriendlyName == "" {
		c.FriendlyName = c.Name
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MinTemp == 0 {
		c.MinTemp = DefaultMinTemp
	}
	if c.MaxTemp == 0 {
		c.MaxTemp = DefaultMaxTemp
	}
}

// Validate reports the first problem found in a thermostat definition.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("missing attribute 'name'")
	case len(c.HeatSwitch) == 0:
		return fmt.Errorf("%s: missing attribute 'heat_switch'", c.Name)
	case len(c.TempSensor) == 0:
		return fmt.Errorf("%s: missing attribute 'temp_sensor'", c.Name)
	case c.MaxInterval < 0:
		return fmt.Errorf("%s: max_interval must not be negative", c.Name)
	case c.MaxAge < 0:
		return fmt.Errorf("%s: max_age must not be negative", c.Name)
	}

	minTemp, maxTemp := c.MinTemp, c.MaxTemp
	if minTemp == 0 {
		minTemp = DefaultMinTemp
	}
	if maxTemp == 0 {
		maxTemp = DefaultMaxTemp
	}
	if minTemp >= maxTemp {
		return fmt.Errorf("%s: min_temp %.1f must be below max_temp %.1f", c.Name, minTemp, maxTemp)
	}
	return nil
}

// EntityList accepts a single entity id, a list of ids, or a list of maps
// whose keys are entity ids:
//
//	heat_switch: switch.radiator
//	heat_switch: [switch.a, switch.b]
//	heat_switch:
//	  - switch.a:
//	  - switch.b: {}
//
// Config files pass through ghodss/yaml, which sorts mapping keys, so ids
// sharing one map item come out in alphabetical order. Separate list items
// keep their order; use them when the first switch matters.
type EntityList []string

func (l *EntityList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = EntityList{single}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("entity list: %w", err)
	}

	var out EntityList
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			out = append(out, name)
			continue
		}

		keys, err := objectKeys(item)
		if err != nil {
			return fmt.Errorf("unknown entity configuration: %s", item)
		}
		out = append(out, keys...)
	}
	*l = out
	return nil
}

// objectKeys returns the keys of a JSON object in the order they appear in
// data. JSON converted from YAML already has them sorted.
func objectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("not an object")
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, tok.(string))

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
