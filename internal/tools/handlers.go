package tools

import (
	"context"
	"fmt"
	"time"

	"opspilot/internal/models"
)

// Integration types with dedicated handlers.
const (
	IntegrationMessaging = "messaging"
	IntegrationIssues    = "issues"
	IntegrationEmail     = "email"
	IntegrationEntity    = "entity"
	IntegrationLLM       = "llm"
)

// Actions supported by the dedicated handlers.
const (
	ActionPostMessage  = "post_message"
	ActionCreateIssue  = "create_issue"
	ActionSendEmail    = "send_email"
	ActionCreateRecord = "create_record"
	ActionUpdateRecord = "update_record"
	ActionQuery        = "query"
)

// RecordStore is the slice of the entity store the entity handler needs.
type RecordStore interface {
	CreateRecord(record *models.Record) error
	UpdateRecordFields(orgID, recordID uint, fields models.JSONMap) error
}

// QueryProvider is the slice of the LLM provider the llm handler needs.
type QueryProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// IntegrationClient forwards an action to a downstream integration
// execution service. The call is a network hop and may fail.
type IntegrationClient interface {
	Invoke(ctx context.Context, integration, action string, params map[string]interface{}) (map[string]interface{}, error)
}

// --- messaging ---

type messagingHandler struct {
	client IntegrationClient
}

func (h *messagingHandler) IntegrationType() string    { return IntegrationMessaging }
func (h *messagingHandler) SupportedActions() []string { return []string{ActionPostMessage} }

func (h *messagingHandler) Execute(ctx context.Context, req Request) (map[string]interface{}, error) {
	channel, _ := req.Parameters["channel"].(string)
	message, _ := req.Parameters["message"].(string)
	if message == "" {
		return nil, fmt.Errorf("messaging: message parameter is required")
	}
	resp, err := h.client.Invoke(ctx, IntegrationMessaging, req.ActionType, req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("messaging post failed: %w", err)
	}
	out := map[string]interface{}{
		"posted":  true,
		"channel": channel,
	}
	for k, v := range resp {
		out[k] = v
	}
	return out, nil
}

// --- issue tracking ---

type issueHandler struct {
	client IntegrationClient
}

func (h *issueHandler) IntegrationType() string    { return IntegrationIssues }
func (h *issueHandler) SupportedActions() []string { return []string{ActionCreateIssue} }

func (h *issueHandler) Execute(ctx context.Context, req Request) (map[string]interface{}, error) {
	title, _ := req.Parameters["title"].(string)
	if title == "" {
		return nil, fmt.Errorf("issues: title parameter is required")
	}
	resp, err := h.client.Invoke(ctx, IntegrationIssues, req.ActionType, req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("issue creation failed: %w", err)
	}
	out := map[string]interface{}{
		"created": true,
		"title":   title,
	}
	for k, v := range resp {
		out[k] = v
	}
	return out, nil
}

// --- email ---

type emailHandler struct {
	client IntegrationClient
}

func (h *emailHandler) IntegrationType() string    { return IntegrationEmail }
func (h *emailHandler) SupportedActions() []string { return []string{ActionSendEmail} }

func (h *emailHandler) Execute(ctx context.Context, req Request) (map[string]interface{}, error) {
	to, _ := req.Parameters["to"].(string)
	if to == "" {
		return nil, fmt.Errorf("email: to parameter is required")
	}
	resp, err := h.client.Invoke(ctx, IntegrationEmail, req.ActionType, req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("email send failed: %w", err)
	}
	out := map[string]interface{}{
		"sent": true,
		"to":   to,
	}
	for k, v := range resp {
		out[k] = v
	}
	return out, nil
}

// --- entity records ---

type entityHandler struct {
	records RecordStore
}

func (h *entityHandler) IntegrationType() string { return IntegrationEntity }
func (h *entityHandler) SupportedActions() []string {
	return []string{ActionCreateRecord, ActionUpdateRecord}
}

func (h *entityHandler) Execute(ctx context.Context, req Request) (map[string]interface{}, error) {
	switch req.ActionType {
	case ActionCreateRecord:
		entity, _ := req.Parameters["entity"].(string)
		if entity == "" {
			return nil, fmt.Errorf("entity: entity parameter is required")
		}
		fields, _ := req.Parameters["fields"].(map[string]interface{})
		record := &models.Record{
			OrganizationID: req.OrganizationID,
			Entity:         entity,
			Fields:         models.JSONMap(fields),
		}
		if err := h.records.CreateRecord(record); err != nil {
			return nil, fmt.Errorf("record creation failed: %w", err)
		}
		return map[string]interface{}{
			"record_id": record.ID,
			"entity":    entity,
		}, nil

	case ActionUpdateRecord:
		id, ok := numericParam(req.Parameters["record_id"])
		if !ok {
			return nil, fmt.Errorf("entity: record_id parameter is required")
		}
		fields, _ := req.Parameters["fields"].(map[string]interface{})
		if err := h.records.UpdateRecordFields(req.OrganizationID, uint(id), models.JSONMap(fields)); err != nil {
			return nil, fmt.Errorf("record update failed: %w", err)
		}
		return map[string]interface{}{
			"record_id": uint(id),
			"updated":   true,
		}, nil

	default:
		return nil, &UnsupportedActionError{Integration: IntegrationEntity, Action: req.ActionType}
	}
}

// --- llm sub-query ---

type llmQueryHandler struct {
	provider QueryProvider
}

func (h *llmQueryHandler) IntegrationType() string    { return IntegrationLLM }
func (h *llmQueryHandler) SupportedActions() []string { return []string{ActionQuery} }

func (h *llmQueryHandler) Execute(ctx context.Context, req Request) (map[string]interface{}, error) {
	prompt, _ := req.Parameters["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("llm: prompt parameter is required")
	}
	answer, err := h.provider.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("llm query failed: %w", err)
	}
	return map[string]interface{}{
		"answer":       answer,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// --- generic fallback ---

type genericHandler struct {
	client IntegrationClient
}

func (h *genericHandler) IntegrationType() string    { return "generic" }
func (h *genericHandler) SupportedActions() []string { return nil }

func (h *genericHandler) Execute(ctx context.Context, req Request) (map[string]interface{}, error) {
	resp, err := h.client.Invoke(ctx, req.IntegrationType, req.ActionType, req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("integration %s action %s failed: %w", req.IntegrationType, req.ActionType, err)
	}
	return resp, nil
}

func numericParam(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
