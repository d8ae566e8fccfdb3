package trialmatch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/trialmatch/internal/domain/research"
	"github.com/ehr/trialmatch/internal/matching"
	"github.com/ehr/trialmatch/internal/platform/auth"
	"github.com/ehr/trialmatch/internal/platform/fhir"
	"github.com/ehr/trialmatch/pkg/pagination"
)

const matchExtensionURL = "http://ehr.example.org/fhir/StructureDefinition/trial-match"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	// Matching endpoints – admin, physician, research_coordinator
	g := api.Group("/trial-matches", auth.RequireRole("admin", "physician", "research_coordinator"))
	g.POST("", h.Match)
	g.GET("", h.ListMatches)
	g.DELETE("", h.ClearMatches)
	g.GET("/export", h.ExportMatches)
	g.POST("/studies/:id", h.MatchStudy)
	g.POST("/studies/:id/eligibility", h.Evaluate)
	g.POST("/studies/:id/referrals", h.Refer)

	// FHIR endpoints
	fhirMatch := fhirGroup.Group("", auth.RequireRole("admin", "physician", "research_coordinator"))
	fhirMatch.POST("/ResearchStudy/$match", h.MatchFHIR)
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidProfile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStudyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrIneligible):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseStudyID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Match(c echo.Context) error {
	var req MatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Match(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) MatchStudy(c echo.Context) error {
	id, err := parseStudyID(c)
	if err != nil {
		return err
	}
	var req MatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tm, err := h.svc.MatchStudy(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tm)
}

func (h *Handler) Evaluate(c echo.Context) error {
	id, err := parseStudyID(c)
	if err != nil {
		return err
	}
	var req MatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.Evaluate(c.Request().Context(), id, req.Patient)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

type referralResponse struct {
	Enrollment *research.ResearchEnrollment `json:"enrollment"`
	Match      matching.TrialMatch          `json:"match"`
}

func (h *Handler) Refer(c echo.Context) error {
	id, err := parseStudyID(c)
	if err != nil {
		return err
	}
	var req ReferralRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	e, tm, err := h.svc.Refer(ctx, id, req, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, referralResponse{Enrollment: e, Match: tm})
}

func (h *Handler) ListMatches(c echo.Context) error {
	patientID := c.QueryParam("patient_id")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMatches(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*MatchRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ClearMatches(c echo.Context) error {
	patientID := c.QueryParam("patient_id")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	if err := h.svc.ClearMatches(c.Request().Context(), patientID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ExportMatches(c echo.Context) error {
	patientID := c.QueryParam("patient_id")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	data, err := h.svc.ExportMatches(c.Request().Context(), patientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", "trial-matches-"+patientID+".xlsx"))
	return c.Blob(http.StatusOK, MIMEXLSX, data)
}

// -- FHIR Endpoints --

// MatchFHIR answers ResearchStudy/$match with a searchset Bundle. A batch
// cut short by its deadline carries an incomplete OperationOutcome entry.
func (h *Handler) MatchFHIR(c echo.Context) error {
	var req MatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	res, err := h.svc.Match(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidProfile) {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}

	entries := make([]fhir.SearchEntry, 0, len(res.Matches)+1)
	for _, tm := range res.Matches {
		score := float64(tm.MatchScore) / 100
		entries = append(entries, fhir.SearchEntry{
			ResourceType: "ResearchStudy",
			ID:           tm.Trial.ID,
			Resource:     matchResource(tm),
			Score:        &score,
		})
	}
	if res.Partial {
		entries = append(entries, fhir.SearchEntry{
			Resource: fhir.IncompleteOutcome(fmt.Sprintf("match deadline reached; %d trials not evaluated", res.SkippedTrials)),
			Mode:     "outcome",
		})
	}

	bundle, err := fhir.NewSearchBundle(entries, fhir.SearchBundleParams{
		BaseURL: "/fhir/ResearchStudy/$match",
		Count:   res.Pagination.Limit,
		Offset:  res.Pagination.Offset,
		Total:   res.TotalCount,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, bundle)
}

func matchResource(tm matching.TrialMatch) map[string]interface{} {
	score := tm.MatchScore
	ext := fhir.Extension{
		URL: matchExtensionURL,
		Extension: []fhir.Extension{
			{URL: "matchScore", ValueInteger: &score},
			{URL: "eligibilityStatus", ValueCode: string(tm.EligibilityStatus)},
		},
	}
	if tm.Distance != nil {
		d := *tm.Distance
		ext.Extension = append(ext.Extension,
			fhir.Extension{URL: "distance", ValueDecimal: &d},
			fhir.Extension{URL: "distanceUnit", ValueCode: string(tm.DistanceUnit)},
		)
	}

	result := map[string]interface{}{
		"resourceType": "ResearchStudy",
		"id":           tm.Trial.ID,
		"title":        tm.Trial.Title,
		"status":       research.StudyStatusToFHIR(tm.Trial.Status),
		"extension":    []fhir.Extension{ext},
	}
	if tm.Trial.NCTID != "" {
		result["identifier"] = []fhir.Identifier{{
			Use:    "secondary",
			System: "https://clinicaltrials.gov",
			Value:  tm.Trial.NCTID,
		}}
	}
	if len(tm.Trial.Conditions) > 0 {
		conds := make([]fhir.CodeableConcept, len(tm.Trial.Conditions))
		for i, cond := range tm.Trial.Conditions {
			conds[i] = fhir.CodeableConcept{Text: cond}
		}
		result["condition"] = conds
	}
	return result
}
