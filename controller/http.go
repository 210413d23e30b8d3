package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alittlebrighter/virtual-thermostat/models"
)

// HTTPSwitch drives a relay exposed by a remote hvac-controller.
type HTTPSwitch struct {
	name     string
	endpoint string
	client   *http.Client

	mu    sync.RWMutex
	state bool
}

func NewHTTPSwitch(name, endpoint string, timeout time.Duration) *HTTPSwitch {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSwitch{name: name, endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSwitch) Name() string {
	return s.name
}

func (s *HTTPSwitch) Set(ctx context.Context, on bool) error {
	body, err := json.Marshal(&models.SwitchCommand{ElementOn: on})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay controller returned %s", resp.Status)
	}

	reply := new(models.SwitchCommand)
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("decoding relay reply: %w", err)
	}
	if len(reply.Errors) > 0 {
		return fmt.Errorf("relay controller: %s", strings.Join(reply.Errors, "; "))
	}

	s.mu.Lock()
	s.state = reply.ElementOn
	s.mu.Unlock()
	return nil
}

func (s *HTTPSwitch) IsOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
