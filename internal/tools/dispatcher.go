// Package tools routes abstract action requests to concrete integration
// handlers. Unknown integration types fall through to the generic
// handler, which forwards the request to the downstream integration
// executor unchanged.
package tools

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Request is an abstract action to be performed on an integration.
type Request struct {
	IntegrationType string
	ActionType      string
	Parameters      map[string]interface{}
	OrganizationID  uint
}

// UnsupportedActionError reports an action the target handler does not
// implement.
type UnsupportedActionError struct {
	Integration string
	Action      string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("integration %q does not support action %q", e.Integration, e.Action)
}

// Handler executes one integration's actions. Handlers are
// side-effect-isolated: a failure only ever surfaces as an error value.
type Handler interface {
	IntegrationType() string
	SupportedActions() []string
	Execute(ctx context.Context, req Request) (map[string]interface{}, error)
}

// Dispatcher resolves requests to handlers by integration type.
type Dispatcher struct {
	handlers map[string]Handler
	generic  Handler
	logger   *zap.Logger
}

// NewDispatcher builds a dispatcher with the fixed handler set plus the
// generic fallback.
func NewDispatcher(records RecordStore, provider QueryProvider, client IntegrationClient, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		generic:  &genericHandler{client: client},
		logger:   logger,
	}
	d.Register(&messagingHandler{client: client})
	d.Register(&issueHandler{client: client})
	d.Register(&emailHandler{client: client})
	d.Register(&entityHandler{records: records})
	d.Register(&llmQueryHandler{provider: provider})
	return d
}

// Register adds or replaces the handler for its integration type.
func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.IntegrationType()] = h
}

// Dispatch routes the request. Action support is validated before the
// handler runs; unknown integrations go to the generic handler, which
// accepts any action.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (map[string]interface{}, error) {
	handler, ok := d.handlers[req.IntegrationType]
	if !ok {
		d.logger.Debug("no dedicated handler, using generic",
			zap.String("integration", req.IntegrationType),
			zap.String("action", req.ActionType))
		return d.generic.Execute(ctx, req)
	}

	if !actionSupported(handler, req.ActionType) {
		return nil, &UnsupportedActionError{Integration: req.IntegrationType, Action: req.ActionType}
	}

	out, err := handler.Execute(ctx, req)
	if err != nil {
		d.logger.Warn("tool action failed",
			zap.String("integration", req.IntegrationType),
			zap.String("action", req.ActionType),
			zap.Error(err))
		return nil, err
	}
	return out, nil
}

func actionSupported(h Handler, action string) bool {
	for _, a := range h.SupportedActions() {
		if a == action {
			return true
		}
	}
	return false
}
