package thermometer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alittlebrighter/virtual-thermostat/util"
)

type JSONWebService struct {
	client   *http.Client
	endpoint string
}

// NewJSONWebService checks the endpoint answers before handing back a thermometer.
func NewJSONWebService(endpoint string) (*JSONWebService, error) {
	thermometer := &JSONWebService{client: &http.Client{Timeout: 10 * time.Second}, endpoint: endpoint}

	resp, err := thermometer.get()
	if err != nil {
		return nil, fmt.Errorf("could not connect to thermometer web service: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("could not connect to thermometer web service: %s", resp.Status)
	}

	return thermometer, nil
}

func (meter *JSONWebService) get() (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, meter.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	return meter.client.Do(req)
}

func (meter *JSONWebService) ReadTemperature() (float64, util.TemperatureUnits, error) {
	resp, err := meter.get()
	if err != nil {
		return 0, util.Celsius, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, util.Celsius, fmt.Errorf("thermometer web service returned %s", resp.Status)
	}

	tempReading := new(TemperatureReading)
	if err := json.NewDecoder(resp.Body).Decode(tempReading); err != nil {
		return 0, util.Celsius, err
	}

	return tempReading.Explode()
}

func (meter *JSONWebService) Shutdown() {}

type TemperatureReading struct {
	Temperature float64
	Units       util.TemperatureUnits
	Error       string `json:",omitempty"`
}

func (r *TemperatureReading) Explode() (float64, util.TemperatureUnits, error) {
	units := r.Units
	if units == "" {
		units = util.Celsius
	}
	if r.Error != "" {
		return r.Temperature, units, errors.New(r.Error)
	}
	return r.Temperature, units, nil
}
