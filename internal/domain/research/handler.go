package research

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/trialmatch/internal/platform/auth"
	"github.com/ehr/trialmatch/internal/platform/fhir"
	"github.com/ehr/trialmatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	// Read endpoints – admin, physician, research_coordinator
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "research_coordinator"))
	readGroup.GET("/research-studies", h.ListStudies)
	readGroup.GET("/research-studies/:id", h.GetStudy)
	readGroup.GET("/research-studies/:id/criteria", h.ListCriteria)
	readGroup.GET("/research-studies/:id/sites", h.ListSites)
	readGroup.GET("/research-enrollments", h.ListEnrollments)
	readGroup.GET("/research-enrollments/:id", h.GetEnrollment)

	// Catalog write endpoints – admin, research_coordinator
	catalogGroup := api.Group("", auth.RequireRole("admin", "research_coordinator"))
	catalogGroup.POST("/research-studies", h.CreateStudy)
	catalogGroup.PUT("/research-studies/:id", h.UpdateStudy)
	catalogGroup.DELETE("/research-studies/:id", h.DeleteStudy)
	catalogGroup.PUT("/research-studies/:id/criteria", h.ReplaceCriteria)
	catalogGroup.POST("/research-studies/:id/sites", h.AddSite)
	catalogGroup.DELETE("/research-studies/:id/sites/:siteId", h.DeleteSite)

	// Enrollment write endpoints – admin, physician, research_coordinator
	enrollGroup := api.Group("", auth.RequireRole("admin", "physician", "research_coordinator"))
	enrollGroup.POST("/research-enrollments", h.CreateEnrollment)
	enrollGroup.PUT("/research-enrollments/:id", h.UpdateEnrollment)
	enrollGroup.DELETE("/research-enrollments/:id", h.DeleteEnrollment)

	// FHIR endpoints
	fhirRead := fhirGroup.Group("", auth.RequireRole("admin", "physician", "research_coordinator"))
	fhirRead.GET("/ResearchStudy", h.SearchStudiesFHIR)
	fhirRead.GET("/ResearchStudy/:id", h.GetStudyFHIR)

	fhirWrite := fhirGroup.Group("", auth.RequireRole("admin", "research_coordinator"))
	fhirWrite.POST("/ResearchStudy", h.CreateStudyFHIR)
}

var studySearchParams = []string{"status", "title", "protocol", "nct", "phase", "condition"}

func searchParams(c echo.Context) map[string]string {
	params := map[string]string{}
	for _, k := range studySearchParams {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	return params
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// writeError maps not-found to 404 and everything else to the given status.
func writeError(err error, status int) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(status, err.Error())
}

// -- Research Study Handlers --

func (h *Handler) CreateStudy(c echo.Context) error {
	var s ResearchStudy
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateStudy(c.Request().Context(), &s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetStudy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	s, err := h.svc.GetStudy(c.Request().Context(), id)
	if err != nil {
		return writeError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListStudies(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchStudies(c.Request().Context(), searchParams(c), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateStudy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var s ResearchStudy
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.ID = id
	if err := h.svc.UpdateStudy(c.Request().Context(), &s); err != nil {
		return writeError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) DeleteStudy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteStudy(c.Request().Context(), id); err != nil {
		return writeError(err, http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Criteria & Sites --

func (h *Handler) ListCriteria(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListCriteria(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*ResearchCriterion{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ReplaceCriteria(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var criteria []*ResearchCriterion
	if err := c.Bind(&criteria); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ReplaceCriteria(c.Request().Context(), id, criteria); err != nil {
		return writeError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, criteria)
}

func (h *Handler) ListSites(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, err := h.svc.ListSites(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	start, end := pg.Window(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), pg.Limit, pg.Offset))
}

func (h *Handler) AddSite(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var site ResearchSite
	if err := c.Bind(&site); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	site.StudyID = id
	if err := h.svc.AddSite(c.Request().Context(), &site); err != nil {
		return writeError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, site)
}

func (h *Handler) DeleteSite(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	siteID, err := parseID(c, "siteId")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSite(c.Request().Context(), id, siteID); err != nil {
		return writeError(err, http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Enrollment Handlers --

func (h *Handler) CreateEnrollment(c echo.Context) error {
	var e ResearchEnrollment
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if e.ReferredBy == nil {
		if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
			e.ReferredBy = &uid
		}
	}
	if err := h.svc.CreateEnrollment(c.Request().Context(), &e); err != nil {
		return writeError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) GetEnrollment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	e, err := h.svc.GetEnrollment(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "enrollment not found")
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListEnrollments(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var (
		items []*ResearchEnrollment
		total int
		err   error
	)
	switch {
	case c.QueryParam("study_id") != "":
		studyID, perr := uuid.Parse(c.QueryParam("study_id"))
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid study_id")
		}
		items, total, err = h.svc.ListEnrollmentsByStudy(ctx, studyID, pg.Limit, pg.Offset)
	case c.QueryParam("patient_id") != "":
		items, total, err = h.svc.ListEnrollmentsByPatient(ctx, c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "study_id or patient_id is required")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateEnrollment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var e ResearchEnrollment
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e.ID = id
	if err := h.svc.UpdateEnrollment(c.Request().Context(), &e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) DeleteEnrollment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteEnrollment(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// -- FHIR Endpoints --

func (h *Handler) SearchStudiesFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := searchParams(c)
	items, total, err := h.svc.SearchStudies(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	entries := make([]fhir.SearchEntry, len(items))
	for i, item := range items {
		entries[i] = fhir.SearchEntry{ResourceType: "ResearchStudy", ID: item.FHIRID, Resource: item.ToFHIR()}
	}
	bundle, err := fhir.NewSearchBundle(entries, fhir.SearchBundleParams{
		BaseURL:  "/fhir/ResearchStudy",
		QueryStr: query.Encode(),
		Count:    pg.Limit,
		Offset:   pg.Offset,
		Total:    total,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetStudyFHIR(c echo.Context) error {
	s, err := h.svc.GetStudyByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ResearchStudy", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, s.ToFHIR())
}

func (h *Handler) CreateStudyFHIR(c echo.Context) error {
	var s ResearchStudy
	if err := c.Bind(&s); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if err := h.svc.CreateStudy(c.Request().Context(), &s); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	c.Response().Header().Set("Location", "/fhir/ResearchStudy/"+s.FHIRID)
	return c.JSON(http.StatusCreated, s.ToFHIR())
}
