// Package learning mines an agent's execution history into patterns,
// improvement metrics, and persona suggestions. Reports are persisted
// on the agent but never applied automatically; an operator decides
// what to adopt.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"opspilot/internal/llm"
	"opspilot/internal/models"
)

// Analysis types accepted by Analyze.
const (
	AnalysisFull        = "full"
	AnalysisPatterns    = "patterns"
	AnalysisImprovement = "improvement"
)

// Improvement metrics need at least this many terminal executions.
const minExecutionsForMetrics = 10

// History window pulled per analysis run.
const historyLimit = 200

// Feedback comments sampled into the tone prompt.
const commentSampleSize = 10

const maxToolRecommendations = 5

// Store is the slice of the entity store the analyzer needs.
type Store interface {
	GetAgent(orgID, agentID uint) (*models.Agent, error)
	ListExecutions(orgID, agentID uint, limit int) ([]models.Execution, error)
	ListActiveTools(orgID uint) ([]models.Tool, error)
	UpdateAgentLearning(agentID uint, data models.JSONMap) error
}

// TaskPattern summarizes one task category mined from history.
type TaskPattern struct {
	Category           string   `json:"category"`
	Count              int      `json:"count"`
	SuccessCount       int      `json:"success_count"`
	AvgDurationSeconds float64  `json:"avg_duration_seconds"`
	CommonTools        []string `json:"common_tools,omitempty"`
	RecurringSteps     []string `json:"recurring_steps,omitempty"`
}

// PersonaSuggestions holds proposed persona adjustments.
type PersonaSuggestions struct {
	ToneAdjustment    string   `json:"tone_adjustment,omitempty"`
	NewExpertiseAreas []string `json:"new_expertise_areas,omitempty"`
	InstructionNotes  string   `json:"instruction_notes,omitempty"`
}

// ImprovementMetrics compares the older half of history with the
// recent half.
type ImprovementMetrics struct {
	InsufficientData bool    `json:"insufficient_data"`
	ExecutionCount   int     `json:"execution_count"`
	SuccessRateDelta float64 `json:"success_rate_delta"`
	RatingDelta      float64 `json:"rating_delta"`
	DurationDelta    float64 `json:"duration_delta"`
	Trend            string  `json:"trend,omitempty"`
}

// Report is the full output of one analysis run.
type Report struct {
	AgentID                   uint                `json:"agent_id"`
	AnalysisType              string              `json:"analysis_type"`
	AnalyzedAt                time.Time           `json:"analyzed_at"`
	ExecutionCount            int                 `json:"execution_count"`
	SuccessCount              int                 `json:"success_count"`
	FailureCount              int                 `json:"failure_count"`
	Patterns                  []TaskPattern       `json:"patterns,omitempty"`
	Persona                   *PersonaSuggestions `json:"persona,omitempty"`
	CapabilityRecommendations []string            `json:"capability_recommendations,omitempty"`
	ToolRecommendations       []string            `json:"tool_recommendations,omitempty"`
	Improvement               *ImprovementMetrics `json:"improvement,omitempty"`
}

// Analyzer runs learning analyses.
type Analyzer struct {
	store    Store
	provider llm.Provider
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an analyzer.
func New(store Store, provider llm.Provider, logger *zap.Logger) *Analyzer {
	return &Analyzer{store: store, provider: provider, logger: logger, now: time.Now}
}

// Keyword classification of task text. First category whose keyword
// appears wins; order matters.
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"data", []string{"report", "analyz", "metric", "data", "record", "dashboard"}},
	{"communication", []string{"email", "message", "notify", "send", "reply", "follow up"}},
	{"automation", []string{"automat", "schedule", "workflow", "sync", "pipeline"}},
	{"search", []string{"search", "find", "look up", "lookup", "query"}},
	{"create", []string{"create", "add", "generate", "draft", "new"}},
}

// Fixed mapping from tool integration type to the capability tag it
// implies.
var toolCapabilities = map[string]string{
	"messaging": "communication",
	"email":     "communication",
	"issues":    "task_tracking",
	"entity":    "data_management",
	"llm":       "analysis",
}

// Analyze mines the agent's history and persists the resulting report
// on the agent. analysisType selects which report sections are built;
// unknown values fall back to a full analysis.
func (a *Analyzer) Analyze(ctx context.Context, orgID, agentID uint, analysisType string) (*Report, error) {
	agent, err := a.store.GetAgent(orgID, agentID)
	if err != nil {
		return nil, err
	}

	history, err := a.store.ListExecutions(orgID, agentID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution history: %w", err)
	}
	// History arrives newest-first; chronological order makes the
	// recency split straightforward.
	sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt.Before(history[j].CreatedAt) })

	terminal := terminalExecutions(history)
	successes, failures := partition(terminal)

	if analysisType == "" {
		analysisType = AnalysisFull
	}
	report := &Report{
		AgentID:        agentID,
		AnalysisType:   analysisType,
		AnalyzedAt:     a.now().UTC(),
		ExecutionCount: len(terminal),
		SuccessCount:   len(successes),
		FailureCount:   len(failures),
	}

	if analysisType == AnalysisFull || analysisType == AnalysisPatterns {
		report.Patterns = minePatterns(terminal)
		report.Persona = a.suggestPersona(ctx, agent, report.Patterns, terminal)
		report.CapabilityRecommendations = recommendCapabilities(agent, successes)
		tools, err := a.store.ListActiveTools(orgID)
		if err != nil {
			return nil, fmt.Errorf("failed to load tools: %w", err)
		}
		report.ToolRecommendations = recommendTools(tools, successes, report.Patterns)
	}
	if analysisType == AnalysisFull || analysisType == AnalysisImprovement {
		report.Improvement = improvementMetrics(terminal)
	}

	if err := a.persist(agentID, report); err != nil {
		return nil, err
	}
	a.logger.Info("learning analysis finished",
		zap.Uint("agent_id", agentID),
		zap.String("analysis_type", analysisType),
		zap.Int("executions", report.ExecutionCount))
	return report, nil
}

func (a *Analyzer) persist(agentID uint, report *Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode learning report: %w", err)
	}
	var data models.JSONMap
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to encode learning report: %w", err)
	}
	if err := a.store.UpdateAgentLearning(agentID, data); err != nil {
		return fmt.Errorf("failed to persist learning report: %w", err)
	}
	return nil
}

func terminalExecutions(history []models.Execution) []models.Execution {
	out := make([]models.Execution, 0, len(history))
	for _, e := range history {
		if e.Status == models.ExecutionCompleted || e.Status == models.ExecutionFailed {
			out = append(out, e)
		}
	}
	return out
}

// partition splits terminal executions into successes and failures.
// A completed execution without feedback counts as a success; a rating
// of 3 leaves the execution in neither bucket.
func partition(executions []models.Execution) (successes, failures []models.Execution) {
	for _, e := range executions {
		switch {
		case e.Status == models.ExecutionFailed:
			failures = append(failures, e)
		case e.Feedback != nil && e.Feedback.Rating <= 2:
			failures = append(failures, e)
		case e.Feedback == nil || e.Feedback.Rating >= 4:
			successes = append(successes, e)
		}
	}
	return successes, failures
}

func categorize(task string) string {
	lower := strings.ToLower(task)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return "general"
}

func isSuccess(e *models.Execution) bool {
	if e.Status != models.ExecutionCompleted {
		return false
	}
	return e.Feedback == nil || e.Feedback.Rating >= 4
}

func minePatterns(executions []models.Execution) []TaskPattern {
	groups := make(map[string][]models.Execution)
	for _, e := range executions {
		category := categorize(e.Task)
		groups[category] = append(groups[category], e)
	}

	patterns := make([]TaskPattern, 0, len(groups))
	for category, group := range groups {
		if len(group) < 2 {
			continue
		}
		p := TaskPattern{Category: category, Count: len(group)}
		var durationTotal float64
		toolCounts := make(map[string]int)
		stepCounts := make(map[string]int)
		for i := range group {
			e := &group[i]
			if isSuccess(e) {
				p.SuccessCount++
			}
			durationTotal += e.DurationSeconds
			seenTools := make(map[string]bool)
			seenSteps := make(map[string]bool)
			for _, step := range e.Plan {
				if step.Tool != "" && !seenTools[step.Tool] {
					seenTools[step.Tool] = true
					toolCounts[step.Tool]++
				}
				key := strings.ToLower(strings.TrimSpace(step.Description))
				if key != "" && !seenSteps[key] {
					seenSteps[key] = true
					stepCounts[key]++
				}
			}
		}
		p.AvgDurationSeconds = durationTotal / float64(len(group))
		majority := (len(group) + 1) / 2
		p.CommonTools = keysAtLeast(toolCounts, majority)
		p.RecurringSteps = keysAtLeast(stepCounts, majority)
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Count > patterns[j].Count })
	return patterns
}

func keysAtLeast(counts map[string]int, threshold int) []string {
	var out []string
	for k, n := range counts {
		if n >= threshold {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// suggestPersona builds persona suggestions. The tone adjustment comes
// from a model call over sampled feedback comments; expertise and
// instruction suggestions are derived from the mined patterns.
func (a *Analyzer) suggestPersona(ctx context.Context, agent *models.Agent, patterns []TaskPattern, executions []models.Execution) *PersonaSuggestions {
	suggestions := &PersonaSuggestions{}

	declared := make(map[string]bool)
	for _, area := range agent.Persona.ExpertiseAreas {
		declared[strings.ToLower(area)] = true
	}
	var failing []string
	for _, p := range patterns {
		rate := float64(p.SuccessCount) / float64(p.Count)
		if rate >= 0.8 && !declared[p.Category] {
			suggestions.NewExpertiseAreas = append(suggestions.NewExpertiseAreas, p.Category)
		}
		if rate < 0.5 {
			failing = append(failing, p.Category)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		suggestions.InstructionNotes = fmt.Sprintf(
			"Take extra care with %s tasks; recent runs in these categories failed more often than they succeeded.",
			strings.Join(failing, ", "))
	}

	comments := sampleComments(executions, commentSampleSize)
	if len(comments) > 0 && a.provider != nil {
		tone, err := a.proposeTone(ctx, agent, comments)
		if err != nil {
			a.logger.Warn("tone suggestion failed", zap.Uint("agent_id", agent.ID), zap.Error(err))
		} else {
			suggestions.ToneAdjustment = tone
		}
	}

	if suggestions.ToneAdjustment == "" && len(suggestions.NewExpertiseAreas) == 0 && suggestions.InstructionNotes == "" {
		return nil
	}
	return suggestions
}

type toneResponse struct {
	ToneAdjustment string `json:"tone_adjustment"`
}

func (a *Analyzer) proposeTone(ctx context.Context, agent *models.Agent, comments []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "An assistant agent currently uses a %q tone.\n", agent.Persona.Tone)
	b.WriteString("Recent user feedback comments:\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\nIf the feedback suggests the tone should change, respond with JSON ")
	b.WriteString(`{"tone_adjustment": "<one-sentence suggestion>"}. `)
	b.WriteString(`If the current tone is working, respond with {"tone_adjustment": ""}.`)

	var resp toneResponse
	if err := a.provider.CompleteJSON(ctx, b.String(), &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.ToneAdjustment), nil
}

func sampleComments(executions []models.Execution, limit int) []string {
	var comments []string
	// Newest first so the sample reflects current behavior.
	for i := len(executions) - 1; i >= 0 && len(comments) < limit; i-- {
		fb := executions[i].Feedback
		if fb != nil && strings.TrimSpace(fb.Comment) != "" {
			comments = append(comments, strings.TrimSpace(fb.Comment))
		}
	}
	return comments
}

// recommendCapabilities suggests capability tags implied by tools the
// agent used successfully but has not declared.
func recommendCapabilities(agent *models.Agent, successes []models.Execution) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range successes {
		for _, step := range successes[i].Plan {
			capability, ok := toolCapabilities[step.Tool]
			if !ok || seen[capability] {
				continue
			}
			seen[capability] = true
			if !agent.Capabilities.Contains(capability) {
				out = append(out, capability)
			}
		}
	}
	sort.Strings(out)
	return out
}

// recommendTools suggests active tools the agent never used whose
// category overlaps a successful task category.
func recommendTools(tools []models.Tool, successes []models.Execution, patterns []TaskPattern) []string {
	used := make(map[string]bool)
	for i := range successes {
		for _, step := range successes[i].Plan {
			used[step.Tool] = true
		}
	}

	successfulCategories := make(map[string]bool)
	for _, p := range patterns {
		if p.SuccessCount*2 >= p.Count {
			successfulCategories[p.Category] = true
		}
	}

	var out []string
	for _, tool := range tools {
		if used[tool.Name] || len(out) >= maxToolRecommendations {
			continue
		}
		category := strings.ToLower(tool.Category)
		for successful := range successfulCategories {
			if strings.Contains(category, successful) || strings.Contains(successful, category) {
				out = append(out, tool.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// improvementMetrics compares the older half of history against the
// more recent half. Fewer than ten terminal executions yields an
// insufficient-data result; that is expected, not an error.
func improvementMetrics(executions []models.Execution) *ImprovementMetrics {
	metrics := &ImprovementMetrics{ExecutionCount: len(executions)}
	if len(executions) < minExecutionsForMetrics {
		metrics.InsufficientData = true
		return metrics
	}

	mid := len(executions) / 2
	older, recent := executions[:mid], executions[mid:]

	metrics.SuccessRateDelta = round2((successRate(recent) - successRate(older)) * 100)
	metrics.RatingDelta = round2(avgRating(recent) - avgRating(older))

	olderDur, recentDur := avgDuration(older), avgDuration(recent)
	if olderDur > 0 {
		// Positive means the agent got faster.
		metrics.DurationDelta = round2((olderDur - recentDur) / olderDur * 100)
	}

	if metrics.SuccessRateDelta >= 0 {
		metrics.Trend = "improving"
	} else {
		metrics.Trend = "declining"
	}
	return metrics
}

func successRate(executions []models.Execution) float64 {
	if len(executions) == 0 {
		return 0
	}
	var succeeded int
	for i := range executions {
		if isSuccess(&executions[i]) {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(executions))
}

func avgRating(executions []models.Execution) float64 {
	var total, count float64
	for i := range executions {
		if fb := executions[i].Feedback; fb != nil {
			total += float64(fb.Rating)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / count
}

func avgDuration(executions []models.Execution) float64 {
	if len(executions) == 0 {
		return 0
	}
	var total float64
	for i := range executions {
		total += executions[i].DurationSeconds
	}
	return total / float64(len(executions))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
