package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/audit"
	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

const toolActor = "mcp-client"

// ListGuidelinesParams defines parameters for list_guidelines tool
type ListGuidelinesParams struct {
	Category string `json:"category,omitempty"`
}

// ListGuidelinesResult defines the result structure for list_guidelines tool
type ListGuidelinesResult struct {
	Documents []*domain.GuidelineDocument `json:"documents,omitempty"`
	LoadedAt  string                      `json:"loaded_at"`
}

// FindIntervalParams defines parameters for find_reference_interval tool
type FindIntervalParams struct {
	Category  string `json:"category"`
	Guideline string `json:"guideline"`
	Age       int    `json:"age"`
}

// FindIntervalResult defines the result structure for find_reference_interval tool
type FindIntervalResult struct {
	Found    bool                      `json:"found"`
	Interval *domain.ReferenceInterval `json:"interval,omitempty"`
}

// ResultInput is one dated lab value supplied to evaluate_results. Age is
// derived from BirthDate when the caller supplies one.
type ResultInput struct {
	ID       string  `json:"id,omitempty"`
	Value    float64 `json:"value"`
	TestDate string  `json:"test_date"`
	Age      int     `json:"age,omitempty"`
}

// EvaluateResultsParams defines parameters for evaluate_results tool
type EvaluateResultsParams struct {
	Category  string            `json:"category"`
	Guideline string            `json:"guideline,omitempty"`
	Inline    *domain.Guideline `json:"inline_guideline,omitempty"`
	BirthDate string            `json:"birth_date,omitempty"`
	Results   []ResultInput     `json:"results"`
}

// EvaluateResultsResult defines the result structure for evaluate_results tool
type EvaluateResultsResult struct {
	Guideline      string                   `json:"guideline,omitempty"`
	GuidelineFound bool                     `json:"guideline_found"`
	Entries        []refrange.SeriesEntry   `json:"entries,omitempty"`
	Latest         *domain.EvaluationResult `json:"latest,omitempty"`
}

// ValidateGuidelineParams defines parameters for validate_guideline tool
type ValidateGuidelineParams struct {
	Guideline domain.Guideline `json:"guideline"`
}

// ValidateGuidelineResult defines the result structure for validate_guideline tool
type ValidateGuidelineResult struct {
	Valid  bool             `json:"valid"`
	Issues []refrange.Issue `json:"issues,omitempty"`
}

// ExportAuditParams defines parameters for export_audit_log tool
type ExportAuditParams struct{}

// ExportAuditResult defines the result structure for export_audit_log tool
type ExportAuditResult struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

// handleListGuidelines handles the list_guidelines tool invocation
func (s *Server) handleListGuidelines(ctx context.Context, req *mcp.CallToolRequest, params ListGuidelinesParams) (*mcp.CallToolResult, ListGuidelinesResult, error) {
	s.logger.WithField("tool", "list_guidelines").Info("Tool invoked")

	out := ListGuidelinesResult{LoadedAt: s.catalog.LoadedAt().Format(time.RFC3339)}
	if params.Category == "" {
		out.Documents = s.catalog.Documents()
	} else {
		if !domain.TestType(params.Category).IsValid() {
			return errorResult("Invalid category", domain.ErrInvalidTestType), ListGuidelinesResult{}, nil
		}
		doc, err := s.catalog.GetDocument(ctx, params.Category)
		if err != nil {
			return errorResult("Failed to read guidelines", err), ListGuidelinesResult{}, nil
		}
		out.Documents = []*domain.GuidelineDocument{doc}
	}

	var b strings.Builder
	for _, doc := range out.Documents {
		names := make([]string, 0, len(doc.Guidelines))
		for _, g := range doc.Guidelines {
			names = append(names, g.Name)
		}
		fmt.Fprintf(&b, "%s: %s\n", doc.Category, strings.Join(names, ", "))
	}
	if b.Len() == 0 {
		b.WriteString("No guidelines loaded")
	}
	return textResult(strings.TrimRight(b.String(), "\n")), out, nil
}

// handleFindReferenceInterval handles the find_reference_interval tool invocation
func (s *Server) handleFindReferenceInterval(ctx context.Context, req *mcp.CallToolRequest, params FindIntervalParams) (*mcp.CallToolResult, FindIntervalResult, error) {
	s.logger.WithFields(logrus.Fields{
		"tool":      "find_reference_interval",
		"category":  params.Category,
		"guideline": params.Guideline,
	}).Info("Tool invoked")

	if params.Age < 0 {
		return errorResult("Invalid age", fmt.Errorf("age must not be negative")), FindIntervalResult{}, nil
	}
	guideline, err := s.lookup(ctx, params.Category, params.Guideline)
	if err != nil {
		return errorResult("Guideline lookup failed", err), FindIntervalResult{}, nil
	}
	if guideline == nil {
		return errorResult("Guideline not found", fmt.Errorf("%s/%s: %w", params.Category, params.Guideline, domain.ErrNotFound)), FindIntervalResult{}, nil
	}

	interval := refrange.FindInterval(params.Age, guideline.References)
	if interval == nil {
		return textResult(fmt.Sprintf("%s has no interval for age %d", guideline.Key(), params.Age)), FindIntervalResult{}, nil
	}
	return textResult(fmt.Sprintf("%s age %d: %s %.2f-%.2f", guideline.Key(), params.Age, interval.AgeGroup, interval.MinValue, interval.MaxValue)),
		FindIntervalResult{Found: true, Interval: interval}, nil
}

// handleEvaluateResults handles the evaluate_results tool invocation
func (s *Server) handleEvaluateResults(ctx context.Context, req *mcp.CallToolRequest, params EvaluateResultsParams) (*mcp.CallToolResult, EvaluateResultsResult, error) {
	s.logger.WithFields(logrus.Fields{
		"tool":      "evaluate_results",
		"category":  params.Category,
		"guideline": params.Guideline,
		"results":   len(params.Results),
	}).Info("Tool invoked")

	if len(params.Results) == 0 {
		return errorResult("Missing required parameter", fmt.Errorf("results must not be empty")), EvaluateResultsResult{}, nil
	}
	series, err := toSeries(params.Results, params.BirthDate)
	if err != nil {
		return errorResult("Invalid results", err), EvaluateResultsResult{}, nil
	}

	var guideline *domain.Guideline
	if params.Inline != nil {
		g := *params.Inline
		if g.Category == "" {
			g.Category = params.Category
		}
		report := refrange.ValidateGuideline(g)
		if err := report.Err(); err != nil {
			return errorResult("Invalid inline guideline", err), EvaluateResultsResult{}, nil
		}
		g.References = refrange.Canonicalize(g.References)
		guideline = &g
	} else {
		guideline, err = s.lookup(ctx, params.Category, params.Guideline)
		if err != nil {
			return errorResult("Guideline lookup failed", err), EvaluateResultsResult{}, nil
		}
	}

	out := EvaluateResultsResult{Entries: s.evaluator.EvaluateSeries(series, guideline)}
	if guideline != nil {
		out.Guideline = guideline.Name
		out.GuidelineFound = true
	}
	latest := out.Entries[0].Evaluation
	out.Latest = &latest

	s.recorder.Record(ctx, &domain.AuditEvent{
		Actor:    toolActor,
		Action:   domain.AuditResultsEvaluated,
		TestType: params.Category,
		Detail:   fmt.Sprintf("guideline=%s results=%d", out.Guideline, len(series)),
	})

	text := fmt.Sprintf("Latest result %.2f: %s", out.Entries[0].Result.Value, latest.Status)
	if latest.Trend != domain.TrendNone {
		text += fmt.Sprintf(" %s", latest.Trend.Arrow())
	}
	if !out.GuidelineFound {
		text += " (no guideline applied)"
	}
	return textResult(text), out, nil
}

// handleValidateGuideline handles the validate_guideline tool invocation
func (s *Server) handleValidateGuideline(ctx context.Context, req *mcp.CallToolRequest, params ValidateGuidelineParams) (*mcp.CallToolResult, ValidateGuidelineResult, error) {
	s.logger.WithField("tool", "validate_guideline").Info("Tool invoked")

	report := refrange.ValidateGuideline(params.Guideline)
	out := ValidateGuidelineResult{Valid: report.Valid(), Issues: report.Issues}

	text := fmt.Sprintf("Guideline is valid with %d warning(s)", len(report.Warnings()))
	if !out.Valid {
		text = fmt.Sprintf("Guideline is invalid: %d error(s)", len(report.Errors()))
	}
	return textResult(text), out, nil
}

// handleExportAuditLog handles the export_audit_log tool invocation
func (s *Server) handleExportAuditLog(ctx context.Context, req *mcp.CallToolRequest, _ ExportAuditParams) (*mcp.CallToolResult, ExportAuditResult, error) {
	s.logger.WithField("tool", "export_audit_log").Info("Tool invoked")

	count, err := s.auditStore.Count(ctx, audit.Filter{})
	if err != nil {
		return errorResult("Failed to count audit events", err), ExportAuditResult{}, nil
	}

	path := filepath.Join(s.config.ExportDir(), fmt.Sprintf("audit-%s.json", time.Now().UTC().Format("20060102T150405Z")))
	if err := writeExport(ctx, s.auditStore, path); err != nil {
		return errorResult("Failed to export audit log", err), ExportAuditResult{}, nil
	}
	return textResult(fmt.Sprintf("Exported %d audit events to %s", count, path)), ExportAuditResult{Path: path, Count: count}, nil
}

// writeExport writes the audit log to path. No file is left behind on failure.
func writeExport(ctx context.Context, store audit.Store, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	return store.ExportJSON(ctx, f)
}

// lookup finds a catalog guideline. An empty name yields nil.
func (s *Server) lookup(ctx context.Context, category, name string) (*domain.Guideline, error) {
	if !domain.TestType(category).IsValid() {
		return nil, domain.NewValidationError("category", domain.ErrInvalidTestType.Error(), category)
	}
	if name == "" {
		return nil, nil
	}
	doc, err := s.catalog.GetDocument(ctx, category)
	if err != nil {
		return nil, err
	}
	return doc.Find(name), nil
}

func toSeries(inputs []ResultInput, birthDate string) ([]domain.TestResult, error) {
	var birth time.Time
	if birthDate != "" {
		b, err := domain.ParseTestDate(birthDate)
		if err != nil {
			return nil, domain.NewValidationError("birth_date", err.Error(), birthDate)
		}
		birth = b
	}

	series := make([]domain.TestResult, 0, len(inputs))
	for i, in := range inputs {
		date, err := domain.ParseTestDate(in.TestDate)
		if err != nil {
			return nil, domain.NewValidationError(fmt.Sprintf("results[%d].test_date", i), err.Error(), in.TestDate)
		}
		r := domain.TestResult{ID: in.ID, Value: in.Value, TestDate: date, Age: in.Age}
		if r.ID == "" {
			r.ID = fmt.Sprintf("r%d", i+1)
		}
		if !birth.IsZero() {
			if date.Before(birth) {
				return nil, domain.NewValidationError(fmt.Sprintf("results[%d].test_date", i), "test date is before birth date", in.TestDate)
			}
			r.Age = domain.AgeAt(birth, date)
		}
		if r.Age < 0 {
			return nil, domain.NewValidationError(fmt.Sprintf("results[%d].age", i), "age must not be negative", in.Age)
		}
		series = append(series, r)
	}
	return series, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// errorResult reports a tool-level failure to the client.
func errorResult(message string, err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s: %v", message, err)}},
	}
}
