package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

// DefaultDebounceWindow coalesces bursts of authorization-change events
// (e.g. a bulk group membership sync) into a single reconciliation.
const DefaultDebounceWindow = 10 * time.Second

// ConfigurationResolver maps a project to its policy configuration id.
type ConfigurationResolver interface {
	ConfigurationForProject(ctx context.Context, projectID string) (string, error)
}

// EventRefresh subscribes to authorization-change events keyed by project id
// and schedules a debounced reconciliation. Delivery is at-least-once;
// duplicates are harmless because reconciliation is idempotent.
type EventRefresh struct {
	resolver ConfigurationResolver
	trigger  ports.ReconcileTrigger
	window   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewEventRefresh(resolver ConfigurationResolver, trigger ports.ReconcileTrigger, window time.Duration) *EventRefresh {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &EventRefresh{
		resolver: resolver,
		trigger:  trigger,
		window:   window,
		timers:   map[string]*time.Timer{},
	}
}

// OnAuthorizationChange records one event. The reconciliation fires after the
// debounce window; events arriving inside the window reset it.
func (e *EventRefresh) OnAuthorizationChange(ctx context.Context, projectID string) {
	if projectID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.timers[projectID]; ok {
		t.Reset(e.window)
		return
	}
	e.timers[projectID] = time.AfterFunc(e.window, func() {
		e.fire(projectID)
	})
}

func (e *EventRefresh) fire(projectID string) {
	e.mu.Lock()
	delete(e.timers, projectID)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	configurationID, err := e.resolver.ConfigurationForProject(ctx, projectID)
	if errors.Is(err, types.ErrNotFound) {
		// Project lost its configuration since the event: no-op.
		return
	}
	if err != nil {
		log.Printf("event refresh failure: project_id=%s message=resolve configuration: %v", projectID, err)
		return
	}
	e.trigger.Enqueue(projectID, configurationID)
}

// Flush fires every pending debounce immediately. Shutdown path.
func (e *EventRefresh) Flush() {
	e.mu.Lock()
	var pending []string
	for projectID, t := range e.timers {
		if t.Stop() {
			pending = append(pending, projectID)
		}
	}
	e.mu.Unlock()

	for _, projectID := range pending {
		e.fire(projectID)
	}
}
