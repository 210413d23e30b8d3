package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ghodss/yaml"

	thermostat "github.com/alittlebrighter/virtual-thermostat"
	"github.com/alittlebrighter/virtual-thermostat/util"
)

const (
	defaultConfigPath = "/etc/virtual-thermostat.yaml"
	defaultStateDir   = "/var/lib/virtual-thermostat"

	// mqtt_statestream publishes every entity below this prefix
	statestreamPrefix = "homeassistant"
)

// entity source and sink kinds
const (
	kindMQTT    = "mqtt"
	kindNATS    = "nats"
	kindMCP9808 = "mcp9808"
	kindHTTP    = "http"
	kindRelay   = "relay"
)

type appConfig struct {
	MQTT struct {
		Broker   string `json:"broker"`
		ClientID string `json:"client_id,omitempty"`
		Username string `json:"username,omitempty"`
		Password string `json:"password,omitempty"`
	} `json:"mqtt"`

	NATS struct {
		URL     string `json:"url"`
		Subject string `json:"subject,omitempty"`
	} `json:"nats"`

	HTTP struct {
		ServeAt string `json:"serve_at"`
	} `json:"http"`

	Kafka struct {
		Brokers []string `json:"brokers"`
		Topic   string   `json:"topic,omitempty"`
	} `json:"kafka"`

	StateDir    string                  `json:"state_dir"`
	Entities    map[string]entityConfig `json:"entities"`
	Thermostats []thermostat.Config     `json:"thermostats"`
}

// entityConfig says how to reach an entity that does not follow the MQTT
// statestream convention.
type entityConfig struct {
	Type         string        `json:"type"`
	StateTopic   string        `json:"state_topic,omitempty"`
	CommandTopic string        `json:"command_topic,omitempty"`
	Location     string        `json:"location,omitempty"`
	Endpoint     string        `json:"endpoint,omitempty"`
	Interval     util.Duration `json:"interval,omitempty"`
	Units        string        `json:"units,omitempty"`
	Pin          int           `json:"pin,omitempty"`
}

func loadConfig(path string) (*appConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := new(appConfig)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir
	}
	return cfg, nil
}

// splitEntity breaks "sensor.hall" into its domain and object id.
func splitEntity(id string) (domain, object string, err error) {
	domain, object, ok := strings.Cut(id, ".")
	if !ok || domain == "" || object == "" || strings.ContainsAny(id, " /#+") {
		return "", "", fmt.Errorf("invalid entity id %q", id)
	}
	return domain, object, nil
}

// resolve fills in the defaults for id. Entities missing from the entities
// section are MQTT entities on the statestream topics.
func (c *appConfig) resolve(id string) (entityConfig, error) {
	domain, object, err := splitEntity(id)
	if err != nil {
		return entityConfig{}, err
	}

	e := c.Entities[id]
	if e.Type == "" {
		e.Type = kindMQTT
	}

	switch e.Type {
	case kindMQTT:
		if e.StateTopic == "" {
			e.StateTopic = fmt.Sprintf("%s/%s/%s/state", statestreamPrefix, domain, object)
		}
		if e.CommandTopic == "" {
			e.CommandTopic = fmt.Sprintf("%s/%s/%s/set", statestreamPrefix, domain, object)
		}
	case kindNATS:
		if e.Location == "" {
			e.Location = object
		}
	case kindMCP9808:
	case kindHTTP:
		if e.Endpoint == "" {
			return entityConfig{}, fmt.Errorf("%s: http entity needs an endpoint", id)
		}
	case kindRelay:
		if e.Pin <= 0 {
			return entityConfig{}, fmt.Errorf("%s: relay entity needs a pin", id)
		}
	default:
		return entityConfig{}, fmt.Errorf("%s: unknown entity type %q", id, e.Type)
	}

	if e.Interval <= 0 {
		e.Interval = util.Duration(thermostat.DefaultPollInterval)
	}
	return e, nil
}

func (e entityConfig) units() util.TemperatureUnits {
	return util.ParseUnits(e.Units)
}

// isSensor reports whether the entity kind can provide temperatures.
func (e entityConfig) isSensor() bool {
	switch e.Type {
	case kindMQTT, kindNATS, kindMCP9808, kindHTTP:
		return true
	}
	return false
}

// isSwitch reports whether the entity kind can drive a heater.
func (e entityConfig) isSwitch() bool {
	switch e.Type {
	case kindMQTT, kindHTTP, kindRelay:
		return true
	}
	return false
}

// check validates every thermostat and the entities it refers to.
func (c *appConfig) check() []error {
	var errs []error
	seen := make(map[string]bool)

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("missing attribute 'mqtt.broker'"))
	}

	for _, tc := range c.Thermostats {
		if err := tc.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[tc.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate thermostat name", tc.Name))
		}
		seen[tc.Name] = true

		for _, id := range tc.HeatSwitch {
			e, err := c.resolve(id)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("%s: %w", tc.Name, err))
			case !e.isSwitch():
				errs = append(errs, fmt.Errorf("%s: %s entities cannot be used as heat_switch (%s)", tc.Name, e.Type, id))
			}
		}
		for _, id := range tc.TempSensor {
			e, err := c.resolve(id)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("%s: %w", tc.Name, err))
			case !e.isSensor():
				errs = append(errs, fmt.Errorf("%s: %s entities cannot be used as temp_sensor (%s)", tc.Name, e.Type, id))
			}
		}
	}
	return errs
}
