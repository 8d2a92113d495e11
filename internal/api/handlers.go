package api

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/immunolab/immunolab-server/internal/audit"
	"github.com/immunolab/immunolab-server/internal/chart"
	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/internal/middleware"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

type evaluateRequest struct {
	Result        domain.TestResult   `json:"result"`
	Series        []domain.TestResult `json:"series"`
	Guideline     *domain.Guideline   `json:"guideline"`
	Category      string              `json:"category"`
	GuidelineName string              `json:"guidelineName"`
}

type evaluateResponse struct {
	Result     domain.TestResult       `json:"result"`
	Evaluation domain.EvaluationResult `json:"evaluation"`
}

type patientRequest struct {
	FirstName  string `json:"firstName" binding:"required"`
	LastName   string `json:"lastName" binding:"required"`
	IDNumber   string `json:"idNumber" binding:"required"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	BirthDate  string `json:"birthDate" binding:"required"`
	BirthPlace string `json:"birthPlace"`
	Gender     string `json:"gender" binding:"required,oneof=male female"`
}

type recordResultRequest struct {
	TestType string   `json:"testType" binding:"required"`
	Value    *float64 `json:"value" binding:"required"`
	Unit     string   `json:"unit"`
	TestDate string   `json:"testDate" binding:"required"`
}

type saveGuidelineResponse struct {
	Guideline domain.Guideline `json:"guideline"`
	Report    refrange.Report  `json:"report"`
}

type validateGuidelineResponse struct {
	Valid  bool             `json:"valid"`
	Issues []refrange.Issue `json:"issues"`
}

type auditResponse struct {
	Events []*domain.AuditEvent `json:"events"`
	Total  int64                `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// handleEvaluate evaluates a single result without touching stored data.
// The guideline is either inline or looked up by category and name.
func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	guideline := req.Guideline
	if guideline == nil && req.GuidelineName != "" {
		g, err := s.deps.Service.Guideline(c.Request.Context(), domain.TestType(req.Category), req.GuidelineName)
		if err != nil {
			s.respondError(c, err)
			return
		}
		guideline = g
	}

	if req.Result.ID == "" {
		req.Result.ID = uuid.NewString()
	}
	series := req.Series
	if !containsResult(series, req.Result.ID) {
		series = append([]domain.TestResult{req.Result}, series...)
	}

	c.JSON(http.StatusOK, evaluateResponse{
		Result:     req.Result,
		Evaluation: s.deps.Service.Evaluate(req.Result, guideline, series),
	})
}

func containsResult(series []domain.TestResult, id string) bool {
	for _, r := range series {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) handleValidateGuideline(c *gin.Context) {
	var g domain.Guideline
	if err := c.ShouldBindJSON(&g); err != nil {
		respondBindError(c, err)
		return
	}
	report := refrange.ValidateGuideline(g)
	issues := report.Issues
	if issues == nil {
		issues = []refrange.Issue{}
	}
	c.JSON(http.StatusOK, validateGuidelineResponse{Valid: report.Valid(), Issues: issues})
}

func (s *Server) handleListGuidelineDocuments(c *gin.Context) {
	docs, err := s.deps.Service.ListGuidelineDocuments(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) handleGetGuidelineDocument(c *gin.Context) {
	doc, err := s.deps.Service.ListGuidelines(c.Request.Context(), c.Param("category"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleSaveGuideline(c *gin.Context) {
	var g domain.Guideline
	if err := c.ShouldBindJSON(&g); err != nil {
		respondBindError(c, err)
		return
	}
	category := c.Param("category")
	if g.Category != "" && g.Category != category {
		middleware.Abort(c, http.StatusBadRequest, domain.ErrCodeValidation, "Body category does not match the path", "category")
		return
	}
	g.Category = category

	report, err := s.deps.Service.SaveGuideline(c.Request.Context(), g)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) && !report.Valid() {
			respondReport(c, report, err)
			return
		}
		s.respondError(c, err)
		return
	}

	doc, err := s.deps.Service.ListGuidelines(c.Request.Context(), category)
	if err != nil {
		s.respondError(c, err)
		return
	}
	saved := doc.Find(strings.TrimSpace(g.Name))
	if saved == nil {
		saved = &g
	}
	if report.Issues == nil {
		report.Issues = []refrange.Issue{}
	}
	c.JSON(http.StatusOK, saveGuidelineResponse{Guideline: *saved, Report: report})
}

func (s *Server) handleDeleteGuideline(c *gin.Context) {
	if err := s.deps.Service.DeleteGuideline(c.Request.Context(), c.Param("category"), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRegisterPatient(c *gin.Context) {
	var req patientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	patient := &domain.Patient{
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		IDNumber:   req.IDNumber,
		Email:      req.Email,
		Phone:      req.Phone,
		BirthPlace: req.BirthPlace,
		Gender:     domain.Gender(req.Gender),
	}
	birth, err := domain.ParseTestDate(req.BirthDate)
	if err != nil {
		s.respondError(c, domain.NewValidationError("birthDate", err.Error(), req.BirthDate))
		return
	}
	patient.BirthDate = birth

	if err := s.deps.Service.RegisterPatient(c.Request.Context(), patient); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, patient)
}

func (s *Server) handleSearchPatients(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	page, err := s.deps.Service.SearchPatients(c.Request.Context(), c.Query("q"), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleGetPatient(c *gin.Context) {
	patient, err := s.deps.Service.GetPatient(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, patient)
}

func (s *Server) handleUpdatePatient(c *gin.Context) {
	var req domain.PatientUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	patient, err := s.deps.Service.UpdatePatient(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, patient)
}

func (s *Server) handlePatientResults(c *gin.Context) {
	doc, err := s.deps.Service.PatientResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleRecordResult(c *gin.Context) {
	var req recordResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	testDate, err := domain.ParseTestDate(req.TestDate)
	if err != nil {
		s.respondError(c, domain.NewValidationError("testDate", err.Error(), req.TestDate))
		return
	}

	result, err := s.deps.Service.RecordResult(c.Request.Context(), domain.RecordResultInput{
		PatientID: c.Param("id"),
		TestType:  domain.TestType(req.TestType),
		Value:     *req.Value,
		Unit:      req.Unit,
		TestDate:  testDate,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleSummary(c *gin.Context) {
	selections := make(map[domain.TestType]string)
	for _, tt := range domain.AllTestTypes {
		if name := c.Query(string(tt)); name != "" {
			selections[tt] = name
		}
	}
	summary, err := s.deps.Service.LatestSummary(c.Request.Context(), c.Param("id"), selections)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleEvaluateSeries(c *gin.Context) {
	eval, err := s.deps.Service.EvaluateSeries(c.Request.Context(), c.Param("id"), domain.TestType(c.Param("testType")), c.Query("guideline"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, eval)
}

func (s *Server) handleChart(c *gin.Context) {
	ctx := c.Request.Context()
	patient, err := s.deps.Service.GetPatient(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	eval, err := s.deps.Service.EvaluateSeries(ctx, patient.ID, domain.TestType(c.Param("testType")), c.Query("guideline"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	series := make([]domain.TestResult, 0, len(eval.Entries))
	for _, e := range eval.Entries {
		series = append(series, e.Result)
	}

	var buf bytes.Buffer
	err = chart.Render(&buf, chart.Trend{
		PatientName: patient.FullName(),
		TestType:    eval.TestType,
		Series:      series,
		Guideline:   eval.Guideline,
	})
	if errors.Is(err, chart.ErrNoData) {
		middleware.Abort(c, http.StatusNotFound, domain.ErrCodeNotFound, "No results to chart", string(eval.TestType))
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) handleLive(c *gin.Context) {
	if s.deps.Hub == nil {
		middleware.Abort(c, http.StatusNotFound, domain.ErrCodeNotFound, "Live feed is disabled", "")
		return
	}
	if _, err := s.deps.Service.GetPatient(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	s.deps.Hub.Serve(c.Writer, c.Request, c.Param("id"))
}

func (s *Server) handleAudit(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	resp := auditResponse{Events: []*domain.AuditEvent{}, Limit: limit, Offset: offset}
	if s.deps.Audit == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	filter := audit.Filter{
		PatientID: c.Query("patient_id"),
		Action:    domain.AuditAction(c.Query("action")),
		Limit:     limit,
		Offset:    offset,
	}
	events, err := s.deps.Audit.List(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	total, err := s.deps.Audit.Count(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if events != nil {
		resp.Events = events
	}
	resp.Total = total
	c.JSON(http.StatusOK, resp)
}

// pagination reads limit and offset. It writes the error response itself.
func pagination(c *gin.Context) (limit, offset int, ok bool) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil || limit < 1 || limit > 100 {
		middleware.Abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "limit must be between 1 and 100", c.Query("limit"))
		return 0, 0, false
	}
	offset, err = queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		middleware.Abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "offset must be a non-negative integer", c.Query("offset"))
		return 0, 0, false
	}
	return limit, offset, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
