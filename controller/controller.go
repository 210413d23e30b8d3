package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Switch is a single heating element that can be turned on or off.
type Switch interface {
	Name() string
	Set(ctx context.Context, on bool) error
	IsOn() bool
}

// Group drives a set of switches in unison.
type Group struct {
	switches []Switch
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewGroup returns a group for the given switches. A nil logger disables logging.
func NewGroup(logger *zap.Logger, switches ...Switch) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{switches: switches, logger: logger}
}

// Len is the number of switches in the group.
func (g *Group) Len() int {
	return len(g.switches)
}

// Names lists the switch names in configuration order.
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.switches))
	for _, s := range g.switches {
		names = append(names, s.Name())
	}
	return names
}

// SetAll sets every switch to the same state. A failing switch does not stop
// the remaining ones from being driven; all failures are returned joined.
func (g *Group) SetAll(ctx context.Context, on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for _, s := range g.switches {
		g.logger.Debug("setting switch", zap.String("switch", s.Name()), zap.String("state", StateString(on)))
		if err := s.Set(ctx, on); err != nil {
			errs = append(errs, fmt.Errorf("switch %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FirstOn reports the state of the first switch, which stands in for the
// whole group.
func (g *Group) FirstOn() bool {
	if len(g.switches) == 0 {
		return false
	}
	return g.switches[0].IsOn()
}

// StateString renders a switch state the way Home Assistant does.
func StateString(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
