package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ApiClient handles API requests to the opspilot API
type ApiClient struct {
	httpClient *http.Client
	BaseURL    string
	Token      string
	UseMock    bool
}

// NewApiClient creates a new API client
func NewApiClient() *ApiClient {
	baseURL := os.Getenv("OPSPILOT_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := &ApiClient{
		httpClient: &http.Client{
			Timeout: time.Second * 120,
		},
		BaseURL: baseURL,
		Token:   os.Getenv("OPSPILOT_API_TOKEN"),
		UseMock: false, // Default to trying the real server first
	}

	// Verify connectivity - if server is not available, use mock data
	if !client.ping() {
		fmt.Printf("Warning: API server at %s is not available. Using mock data.\n", baseURL)
		client.UseMock = true
	}

	return client
}

// ping checks if the API server is available
func (c *ApiClient) ping() bool {
	resp, err := http.Get(c.BaseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CheckHealth checks if the API is up and running
func (c *ApiClient) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.BaseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("API health check failed with status code: %d", resp.StatusCode)
	}

	return true, nil
}

// PlanStep is one step of an execution plan
type PlanStep struct {
	Number      int     `json:"step_number"`
	Description string  `json:"description"`
	ActionType  string  `json:"action_type"`
	Tool        string  `json:"tool"`
	Confidence  float64 `json:"confidence"`
}

// StepResult is the recorded outcome of one step
type StepResult struct {
	StepNumber int    `json:"step_number"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// ExecutionResponse is the result of running an agent task
type ExecutionResponse struct {
	ExecutionID  uint         `json:"execution_id"`
	TraceID      string       `json:"trace_id"`
	Status       string       `json:"status"`
	Plan         []PlanStep   `json:"plan"`
	Results      []StepResult `json:"results"`
	Confidence   float64      `json:"confidence"`
	ChainLength  int          `json:"chain_length"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// SweepResult is one monitor's outcome in a sweep
type SweepResult struct {
	MonitorID   uint   `json:"monitor_id"`
	Name        string `json:"name"`
	TriggerType string `json:"trigger_type"`
	Triggered   bool   `json:"triggered"`
	Skipped     string `json:"skipped,omitempty"`
	Detail      string `json:"detail,omitempty"`
	ExecutionID uint   `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SweepResponse is the result of a monitor sweep
type SweepResponse struct {
	MonitorsChecked   int           `json:"monitors_checked"`
	TriggersActivated int           `json:"triggers_activated"`
	Results           []SweepResult `json:"results"`
}

// LearningResponse is the result of a learning analysis
type LearningResponse struct {
	Success  bool            `json:"success"`
	Learning json.RawMessage `json:"learning"`
	Message  string          `json:"message"`
}

func (c *ApiClient) post(path string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", c.BaseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// ExecuteTask runs an agent against a task
func (c *ApiClient) ExecuteTask(agentID uint, task string) (*ExecutionResponse, error) {
	if c.UseMock {
		return c.mockExecution(task), nil
	}

	var result ExecutionResponse
	path := fmt.Sprintf("/api/v1/agents/%d/execute", agentID)
	if err := c.post(path, map[string]interface{}{"task": task}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunSweep triggers a proactive monitor sweep
func (c *ApiClient) RunSweep() (*SweepResponse, error) {
	if c.UseMock {
		return c.mockSweep(), nil
	}

	var result SweepResponse
	if err := c.post("/api/v1/monitors/run", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunLearning starts a learning analysis for an agent
func (c *ApiClient) RunLearning(agentID uint, analysisType string) (*LearningResponse, error) {
	if c.UseMock {
		return &LearningResponse{Success: true, Message: "Learning analysis completed (mock)"}, nil
	}

	var result LearningResponse
	path := fmt.Sprintf("/api/v1/agents/%d/learn", agentID)
	if err := c.post(path, map[string]interface{}{"analysis_type": analysisType}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitFeedback rates a finished execution
func (c *ApiClient) SubmitFeedback(executionID uint, rating int, comment string) error {
	if c.UseMock {
		return nil
	}

	path := fmt.Sprintf("/api/v1/executions/%d/feedback", executionID)
	return c.post(path, map[string]interface{}{
		"rating":  rating,
		"helpful": rating >= 4,
		"comment": comment,
	}, nil)
}

// Mock data generators

// mockExecution simulates a completed execution
func (c *ApiClient) mockExecution(task string) *ExecutionResponse {
	return &ExecutionResponse{
		ExecutionID: uint(time.Now().Unix() % 1000),
		TraceID:     "mock-trace",
		Status:      "completed",
		Plan: []PlanStep{
			{Number: 1, Description: "Gather the relevant records", ActionType: "tool_call", Tool: "entity", Confidence: 90},
			{Number: 2, Description: "Summarize and send the result", ActionType: "tool_call", Tool: "email", Confidence: 85},
		},
		Results: []StepResult{
			{StepNumber: 1, Status: "completed"},
			{StepNumber: 2, Status: "completed"},
		},
		Confidence:  88,
		ChainLength: 2,
	}
}

// mockSweep simulates a monitor sweep
func (c *ApiClient) mockSweep() *SweepResponse {
	return &SweepResponse{
		MonitorsChecked:   3,
		TriggersActivated: 1,
		Results: []SweepResult{
			{MonitorID: 1, Name: "deal-amount-anomaly", TriggerType: "data_anomaly", Triggered: true, Detail: "z-score 3.2 (spike)", ExecutionID: 101},
			{MonitorID: 2, Name: "ticket-backlog", TriggerType: "entity_pattern", Skipped: "cooldown"},
			{MonitorID: 3, Name: "weekly-digest", TriggerType: "schedule", Skipped: "cooldown"},
		},
	}
}
