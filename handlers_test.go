package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/middlewares"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/store/storetest"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/mmdatafocus/garage_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestRouter serves the API with the caller taken from the x-test-role header.
func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := storetest.OpenDB(t)
	bus := store.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := store.NewManualClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	coord := workflow.NewCoordinator(store.New(db, bus, clock, logger), nil, config.DefaultEngineSettings(), nil, logger)

	require.NoError(t, db.Create(&models.User{
		ID:         "u-T",
		BusinessId: "biz-1",
		Username:   "niran",
		Name:       "Niran",
		Department: models.DepartmentMechanical,
		Role:       models.UserRoleTechnician,
		IsActive:   true,
	}).Error)

	r := gin.New()
	r.Use(correlationId())
	r.Use(func(c *gin.Context) {
		if role := c.GetHeader("x-test-role"); role != "" {
			caller := models.Caller{Id: "u-" + role, Name: role, Role: models.UserRole(role), BusinessId: "biz-1"}
			c.Request = c.Request.WithContext(caller.WithContext(c.Request.Context()))
		}
		c.Next()
	})
	r.Use(middlewares.NewLoaderMiddleware(func() *gorm.DB { return db }))
	registerRoutes(r, coord, logger)
	r.NoRoute(customNotFoundHandler)
	return r
}

func call(r http.Handler, method, path, role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("x-test-role", role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest), w.Body.String())
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	w := call(r, http.MethodPost, "/api/jobs", "O",
		`{"department":"mechanical","customer_name":"Somchai","vehicle_plate":"1ab-2345"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var job models.Job
	decode(t, w, &job)
	require.Equal(t, models.JobStatusReceived, job.Status)
	require.Equal(t, "1AB-2345", job.VehiclePlate)

	w = call(r, http.MethodPost, "/api/jobs/"+job.ID+"/accept", "T", `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(r, http.MethodPost, "/api/jobs/"+job.ID+"/done", "T", `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &job)
	require.Equal(t, models.JobStatusDone, job.Status)

	w = call(r, http.MethodPost, "/api/jobs/"+job.ID+"/done", "T", `{}`)
	require.Equal(t, http.StatusConflict, w.Code)
	var body map[string]interface{}
	decode(t, w, &body)
	require.Equal(t, string(utils.KindInvalidTransition), body["kind"])
	require.NotEmpty(t, body["correlation_id"])

	w = call(r, http.MethodGet, "/api/jobs?open_only=true", "T", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var list struct {
		Jobs []struct {
			ID       string       `json:"id"`
			Assignee *models.User `json:"assignee"`
		} `json:"jobs"`
	}
	decode(t, w, &list)
	require.Len(t, list.Jobs, 1)
	require.Equal(t, job.ID, list.Jobs[0].ID)
	require.NotNil(t, list.Jobs[0].Assignee)
	require.Equal(t, "Niran", list.Jobs[0].Assignee.Name)

	w = call(r, http.MethodGet, "/api/jobs/"+job.ID+"/activities", "T", "")
	require.Equal(t, http.StatusOK, w.Code)
	var acts []models.Activity
	decode(t, w, &acts)
	require.Len(t, acts, 3)
}

func TestDocumentIssueAndReviewOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	w := call(r, http.MethodPost, "/api/jobs", "O",
		`{"department":"MECHANICAL","customer_name":"Somchai","vehicle_plate":"1ab-2345"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var job models.Job
	decode(t, w, &job)
	require.Equal(t, http.StatusOK, call(r, http.MethodPost, "/api/jobs/"+job.ID+"/accept", "T", `{}`).Code)
	require.Equal(t, http.StatusOK, call(r, http.MethodPost, "/api/jobs/"+job.ID+"/done", "T", `{}`).Code)

	w = call(r, http.MethodPost, "/api/documents", "T",
		`{"job_id":"`+job.ID+`","doc_type":"RECEIPT","items":[{"name":"Brake pads","qty":"2","unit_price":"1500"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var doc models.SalesDocument
	decode(t, w, &doc)
	require.Equal(t, "RC-000001", doc.DocNo)

	w = call(r, http.MethodPost, "/api/documents/"+doc.ID+"/submit", "T", `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// technicians cannot confirm payment
	w = call(r, http.MethodPost, "/api/documents/"+doc.ID+"/paid", "T", `{}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	var body map[string]interface{}
	decode(t, w, &body)
	require.Equal(t, "not allowed", body["error"])

	w = call(r, http.MethodPost, "/api/documents/"+doc.ID+"/paid", "M", `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(r, http.MethodGet, "/api/jobs/"+job.ID, "M", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var detail struct {
		Job       models.Job             `json:"job"`
		Documents []models.SalesDocument `json:"documents"`
	}
	decode(t, w, &detail)
	require.Equal(t, models.JobStatusClosed, detail.Job.Status)
	require.True(t, detail.Job.IsArchived)
	require.Len(t, detail.Documents, 1)
}

func TestHandlerErrorsAndAccess(t *testing.T) {
	r := newTestRouter(t)

	require.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, "/api/jobs", "", "").Code)
	require.Equal(t, http.StatusNotFound, call(r, http.MethodGet, "/api/jobs/missing", "T", "").Code)
	require.Equal(t, http.StatusBadRequest, call(r, http.MethodPost, "/api/jobs", "T", `{"department":`).Code)
	require.Equal(t, http.StatusBadRequest, call(r, http.MethodPost, "/api/jobs", "T",
		`{"department":"MECHANICAL","customer_name":"x","vehicle_plate":" "}`).Code)
	require.Equal(t, http.StatusForbidden, call(r, http.MethodGet, "/api/reports/backlog", "T", "").Code)
	require.Equal(t, http.StatusOK, call(r, http.MethodGet, "/api/reports/backlog", "M", "").Code)
	require.Equal(t, http.StatusBadRequest, call(r, http.MethodGet, "/api/reports/cash-flow?from=yesterday", "M", "").Code)
	w := call(r, http.MethodGet, "/api/reports/export.xlsx?as_of=2025-03-01", "O", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Disposition"), "dashboard-2025-03-01.xlsx")
	require.NotZero(t, w.Body.Len())
	require.Equal(t, http.StatusForbidden, call(r, http.MethodPost, "/api/internal/ops/outbox/replay", "M", `{"record_id":1}`).Code)
	require.Equal(t, http.StatusNotFound, call(r, http.MethodPost, "/api/internal/ops/outbox/replay", "A", `{"record_id":999}`).Code)
	require.Equal(t, http.StatusNotFound, call(r, http.MethodGet, "/nope", "T", "").Code)
}

func TestWriteErrorMapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err       error
		status    int
		retryable bool
	}{
		{utils.InvalidTransition("x"), http.StatusConflict, false},
		{utils.StateConflict("x"), http.StatusConflict, true},
		{utils.InvariantViolation("x"), http.StatusUnprocessableEntity, false},
		{utils.PermissionDenied(), http.StatusForbidden, false},
		{utils.NotFound("x"), http.StatusNotFound, false},
		{utils.StorageUnavailable(errors.New("down")), http.StatusServiceUnavailable, true},
		{errors.New("customer name is required"), http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(c, tc.err)
		if w.Code != tc.status {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.status)
		}
		var body map[string]interface{}
		decode(t, w, &body)
		if _, ok := body["retryable"]; ok != tc.retryable {
			t.Fatalf("%v: retryable=%v", tc.err, ok)
		}
	}
}
