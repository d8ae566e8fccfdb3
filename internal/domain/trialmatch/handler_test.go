package trialmatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/trialmatch/internal/platform/fhir"
)

const patientBody = `"patient":{"id":"patient-1","demographics":{"age":45,"gender":"female"},` +
	`"conditions":["Type 2 Diabetes Mellitus"],"location":{"latitude":42.35,"longitude":-71.05}}`

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_Match(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{`+patientBody+`,"options":{"limit":1}}`), rec)
	if err := h.Match(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Matches    []json.RawMessage `json:"matches"`
		TotalCount int               `json:"total_count"`
		Pagination struct {
			HasMore bool `json:"has_more"`
		} `json:"pagination"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Matches) != 1 || body.TotalCount != 2 || !body.Pagination.HasMore {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_Match_InvalidProfile(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"patient":{"id":"p","demographics":{"age":-3}}}`
	c := e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())
	if code := statusOf(t, h.Match(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Match_MalformedBody(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"patient":`), httptest.NewRecorder())
	if code := statusOf(t, h.Match(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_MatchStudy(t *testing.T) {
	h, _, e := newTestHandler()
	tests := []struct {
		name string
		id   string
		want int
	}{
		{"known study", diabetesStudy.String(), http.StatusOK},
		{"unknown study", uuid.NewString(), http.StatusNotFound},
		{"malformed id", "abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(jsonRequest(http.MethodPost, "/", `{`+patientBody+`}`), rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			err := h.MatchStudy(c)
			code := rec.Code
			if err != nil {
				code = statusOf(t, err)
			}
			if code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_Evaluate(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{`+patientBody+`}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(seniorsStudy.String())
	if err := h.Evaluate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ineligible"`) {
		t.Errorf("expected ineligible verdict, got %s", rec.Body.String())
	}
}

func TestHandler_Refer(t *testing.T) {
	h, env, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{`+patientBody+`,"note":"phone screen booked"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(diabetesStudy.String())
	if err := h.Refer(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if len(env.catalog.enrollments) != 1 || *env.catalog.enrollments[0].Note != "phone screen booked" {
		t.Errorf("expected one enrollment carrying the note")
	}
}

func TestHandler_Refer_Ineligible(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{`+patientBody+`}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(seniorsStudy.String())
	if code := statusOf(t, h.Refer(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_ListMatches(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if code := statusOf(t, h.ListMatches(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without patient_id, got %d", code)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/", `{`+patientBody+`}`), httptest.NewRecorder())
	if err := h.Match(c); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?patient_id=patient-1&limit=1", nil), rec)
	if err := h.ListMatches(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []MatchRecord `json:"data"`
		Total int           `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Data) != 1 || resp.Data[0].Rank != 1 {
		t.Errorf("unexpected page %s", rec.Body.String())
	}
}

func TestHandler_ClearMatches(t *testing.T) {
	h, env, e := newTestHandler()
	env.repo.byPatient["patient-1"] = []*MatchRecord{{Rank: 1}}
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/?patient_id=patient-1", nil), rec)
	if err := h.ClearMatches(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNoContent || len(env.repo.byPatient) != 0 {
		t.Errorf("expected matches to be cleared")
	}
}

func TestHandler_ExportMatches(t *testing.T) {
	h, env, e := newTestHandler()
	env.repo.byPatient["patient-1"] = []*MatchRecord{{StudyID: uuid.New(), TrialTitle: "T", Rank: 1}}
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?patient_id=patient-1", nil), rec)
	if err := h.ExportMatches(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != MIMEXLSX {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "trial-matches-patient-1.xlsx") {
		t.Errorf("unexpected content disposition %q", cd)
	}
	if rec.Body.Len() == 0 || !strings.HasPrefix(rec.Body.String(), "PK") {
		t.Error("expected a zip-based workbook body")
	}
}

// ── FHIR ──

func TestHandler_MatchFHIR(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/fhir/ResearchStudy/$match", `{`+patientBody+`}`), rec)
	if err := h.MatchFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.Type != "searchset" || bundle.Total == nil || *bundle.Total != 2 {
		t.Fatalf("unexpected bundle %s", rec.Body.String())
	}
	first := bundle.Entry[0]
	if first.Search == nil || first.Search.Score == nil || *first.Search.Score <= 0 || *first.Search.Score > 1 {
		t.Errorf("expected a score in (0,1], got %+v", first.Search)
	}

	var resource struct {
		ResourceType string           `json:"resourceType"`
		ID           string           `json:"id"`
		Status       string           `json:"status"`
		Extension    []fhir.Extension `json:"extension"`
	}
	json.Unmarshal(first.Resource, &resource)
	if resource.ResourceType != "ResearchStudy" || resource.ID != diabetesStudy.String() || resource.Status != "active" {
		t.Errorf("unexpected resource %+v", resource)
	}
	if len(resource.Extension) != 1 || resource.Extension[0].URL != matchExtensionURL {
		t.Fatalf("expected match extension, got %+v", resource.Extension)
	}
	sub := resource.Extension[0].Extension
	if sub[0].URL != "matchScore" || sub[0].ValueInteger == nil {
		t.Errorf("expected matchScore first, got %+v", sub)
	}
	if int(*first.Search.Score*100+0.5) != *sub[0].ValueInteger {
		t.Errorf("search.score must be matchScore/100")
	}
}

func TestHandler_MatchFHIR_InvalidProfile(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"patient":{"demographics":{"age":30}}}`), rec)
	if err := h.MatchFHIR(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("expected 400 OperationOutcome, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMatchResource_Distance(t *testing.T) {
	_, env, _ := newTestHandler()
	res, err := env.svc.Match(t.Context(), MatchRequest{Patient: testProfile()})
	if err != nil {
		t.Fatal(err)
	}
	r := matchResource(res.Matches[0])
	ext := r["extension"].([]fhir.Extension)[0]
	if len(ext.Extension) != 4 || ext.Extension[2].URL != "distance" {
		t.Errorf("expected distance sub-extensions, got %+v", ext.Extension)
	}
	if ids, ok := r["identifier"].([]fhir.Identifier); !ok || ids[0].Value != "NCT00000001" {
		t.Errorf("expected NCT identifier, got %v", r["identifier"])
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"), e.Group("/fhir"))
	want := map[string]bool{
		"POST /api/v1/trial-matches":                         false,
		"GET /api/v1/trial-matches/export":                   false,
		"POST /api/v1/trial-matches/studies/:id/referrals":   false,
		"POST /api/v1/trial-matches/studies/:id/eligibility": false,
		"POST /fhir/ResearchStudy/$match":                    false,
	}
	for _, r := range e.Routes() {
		if _, ok := want[r.Method+" "+r.Path]; ok {
			want[r.Method+" "+r.Path] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("route %s not registered", k)
		}
	}
}
