package models

import "github.com/alittlebrighter/virtual-thermostat/util"

// SensorUpdate is the message published on the NATS sensor subject.
type SensorUpdate struct {
	Location string      `json:"location"`
	Type     string      `json:"type"`
	Value    Temperature `json:"value"`
}

type Temperature struct {
	Degrees float64               `json:"degrees"`
	Unit    util.TemperatureUnits `json:"unit"`
}

// ThermostatState is the payload published on the thermostat's state topic.
type ThermostatState struct {
	CurrentTemperature float64 `json:"current_temperature"`
	TargetTemp         float64 `json:"target_temp"`
	Action             string  `json:"action"`
	Mode               string  `json:"mode"`
}

// DiscoveryDevice groups entities under one device in Home Assistant.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// ClimateDiscovery is the MQTT discovery config of a climate entity.
// Topics starting with "~" are expanded by Home Assistant using Base.
type ClimateDiscovery struct {
	Base     string          `json:"~"`
	Device   DiscoveryDevice `json:"device"`
	Name     string          `json:"name"`
	UniqueID string          `json:"unique_id"`

	ActionTopic                string   `json:"action_topic"`
	ActionTemplate             string   `json:"action_template"`
	CurrentTemperatureTopic    string   `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string   `json:"current_temperature_template"`
	MaxTemp                    float64  `json:"max_temp"`
	MinTemp                    float64  `json:"min_temp"`
	ModeCommandTopic           string   `json:"mode_command_topic"`
	ModeStateTopic             string   `json:"mode_state_topic"`
	ModeStateTemplate          string   `json:"mode_state_template"`
	Modes                      []string `json:"modes"`
	PowerCommandTopic          string   `json:"power_command_topic"`
	SwingModes                 []string `json:"swing_modes"`
	TemperatureCommandTopic    string   `json:"temperature_command_topic"`
	TemperatureStateTopic      string   `json:"temperature_state_topic"`
	TemperatureStateTemplate   string   `json:"temperature_state_template"`
	TemperatureUnit            string   `json:"temperature_unit"`
	TempStep                   string   `json:"temp_step"`
}

// SwitchCommand is the body understood by the hvac-controller relay endpoints.
type SwitchCommand struct {
	ElementOn bool
	Errors    []string `json:",omitempty"`
}
