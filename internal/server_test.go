package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"equipment-loan-api/internal/auth"
	"equipment-loan-api/internal/config"
	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/evidence"
	"equipment-loan-api/internal/models"
	"equipment-loan-api/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	t          *testing.T
	srv        *Server
	eng        *engine.Engine
	store      *memory.Store
	evidence   *evidence.MemoryStore
	unit       models.DeviceUnit
	category   models.Category
	cable      models.Item
	transducer models.Item

	adminUser    models.User
	operatorUser models.User
	admin        string
	operator     string
}

const (
	adminPassword    = "admin-password"
	operatorPassword = "operator-password"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:   "test",
		JWTSecret:     "test-secret-key-that-is-long-enough-for-hs256",
		JWTIssuer:     "equipment-loan-api",
		JWTAudience:   "equipment-loan-api",
		JWTExpiry:     time.Hour,
		EnableMetrics: true,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	eng := engine.New(store,
		engine.WithPasswordCost(bcrypt.MinCost),
		engine.WithClock(func() time.Time {
			return time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
		}))
	ev := evidence.NewMemoryStore()
	srv := NewServer(testConfig(), Deps{Engine: eng, Logs: store, Evidence: ev}, nil)

	env := &testEnv{t: t, srv: srv, eng: eng, store: store, evidence: ev}
	var err error
	env.category, err = eng.CreateCategory(ctx, models.Category{Name: "Ultrasound", Visible: true})
	require.NoError(t, err)
	dt, err := eng.CreateDeviceType(ctx, models.DeviceType{CategoryID: env.category.ID, Name: "Portable scanner"})
	require.NoError(t, err)
	env.cable, err = eng.CreateItem(ctx, models.Item{Name: "Power cable"})
	require.NoError(t, err)
	env.transducer, err = eng.CreateItem(ctx, models.Item{Name: "Linear transducer"})
	require.NoError(t, err)
	require.NoError(t, eng.PutTemplateLine(ctx, models.TemplateLine{DeviceTypeID: dt.ID, ItemID: env.cable.ID, RequiredQty: 2, SortOrder: 1}))
	require.NoError(t, eng.PutTemplateLine(ctx, models.TemplateLine{DeviceTypeID: dt.ID, ItemID: env.transducer.ID, RequiredQty: 1, SortOrder: 2}))
	env.unit, err = eng.CreateUnit(ctx, models.DeviceUnit{DeviceTypeID: dt.ID, LotNumber: "LOT-001"})
	require.NoError(t, err)

	env.adminUser, err = eng.CreateUser(ctx, models.CreateUserRequest{
		Email: "admin@example.com", Password: adminPassword, Name: "Admin", Roles: []string{auth.RoleAdmin},
	})
	require.NoError(t, err)
	env.operatorUser, err = eng.CreateUser(ctx, models.CreateUserRequest{
		Email: "sato@example.com", Password: operatorPassword, Name: "Sato", Roles: []string{auth.RoleOperator},
	})
	require.NoError(t, err)
	env.admin = env.token(env.adminUser)
	env.operator = env.token(env.operatorUser)
	return env
}

func (e *testEnv) token(u models.User) string {
	e.t.Helper()
	tok, err := e.srv.JWTManager.GenerateToken(u.ID, u.Name, u.Email, u.Roles)
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp auth.ErrorResponse
	decode(t, w, &resp)
	return resp.Code
}

func (e *testEnv) checkoutBody(results ...map[string]interface{}) map[string]interface{} {
	if results == nil {
		results = []map[string]interface{}{
			{"item_id": e.cable.ID, "result": "OK"},
			{"item_id": e.transducer.ID, "result": "OK"},
		}
	}
	return map[string]interface{}{
		"checkout_date": "2024-03-01",
		"destination":   "City Hospital",
		"purpose":       "demo",
		"results":       results,
	}
}

func (e *testEnv) returnBody(results ...map[string]interface{}) map[string]interface{} {
	if results == nil {
		results = []map[string]interface{}{
			{"item_id": e.cable.ID, "result": "OK"},
			{"item_id": e.transducer.ID, "result": "OK"},
		}
	}
	return map[string]interface{}{"return_date": "2024-03-05", "results": results}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env.srv.health = func(context.Context) error { return errors.New("db down") }
	w = env.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("GET", "/units", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckoutReturnFlow(t *testing.T) {
	env := newTestEnv(t)
	unitPath := fmt.Sprintf("/units/%d", env.unit.ID)

	w := env.do("POST", unitPath+"/checkout", env.operator, env.checkoutBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var co engine.CheckoutResult
	decode(t, w, &co)
	assert.Equal(t, models.StatusLoaned, co.Status)
	assert.Equal(t, "Sato", co.Loan.OperatorName, "operator defaults to the token holder")
	assert.Len(t, co.Lines, 2)

	// second checkout of a loaned unit
	w = env.do("POST", unitPath+"/checkout", env.operator, env.checkoutBody())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_AVAILABLE", errorCode(t, w))

	reason := "damaged"
	w = env.do("POST", unitPath+"/return", env.operator, env.returnBody(
		map[string]interface{}{"item_id": env.cable.ID, "result": "OK"},
		map[string]interface{}{"item_id": env.transducer.ID, "result": "NG", "ng_reason": reason},
	))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ret engine.ReturnResult
	decode(t, w, &ret)
	assert.Equal(t, models.StatusNeedsAttention, ret.Status)
	require.Len(t, ret.Issues, 1)

	// unit with an open issue cannot go out
	w = env.do("POST", unitPath+"/checkout", env.operator, env.checkoutBody())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do("POST", fmt.Sprintf("/issues/%d/resolve", ret.Issues[0].ID), env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved struct {
		Issue      models.Issue      `json:"issue"`
		UnitStatus models.UnitStatus `json:"unit_status"`
	}
	decode(t, w, &resolved)
	assert.Equal(t, models.IssueResolved, resolved.Issue.Status)
	assert.Equal(t, models.StatusInStock, resolved.UnitStatus)

	w = env.do("GET", unitPath+"/loans", env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Data []models.LoanWithReturn `json:"data"`
		Meta map[string]int          `json:"meta"`
	}
	decode(t, w, &history)
	assert.Equal(t, 1, history.Meta["total"])
	require.Len(t, history.Data, 1)
	assert.NotNil(t, history.Data[0].Return)

	w = env.do("GET", "/metrics", "", nil)
	assert.Contains(t, w.Body.String(), `checkouts_total{status="rejected"} 2`)
	assert.Contains(t, w.Body.String(), `returns_total{status="needs_attention"} 1`)
}

func TestReturnWithoutLoan(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("POST", fmt.Sprintf("/units/%d/return", env.unit.ID), env.operator, env.returnBody())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NO_ACTIVE_LOAN", errorCode(t, w))
}

func TestCheckoutValidation(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/units/%d/checkout", env.unit.ID)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown unit", "/units/999/checkout", env.checkoutBody(), http.StatusNotFound, "NOT_FOUND"},
		{"bad id", "/units/abc/checkout", env.checkoutBody(), http.StatusBadRequest, "VALIDATION"},
		{"unknown field", path, map[string]interface{}{"bogus": true}, http.StatusBadRequest, "VALIDATION"},
		{"incomplete inspection", path, env.checkoutBody(map[string]interface{}{"item_id": env.cable.ID, "result": "OK"}), http.StatusBadRequest, "VALIDATION"},
		{"ng without reason", path, env.checkoutBody(
			map[string]interface{}{"item_id": env.cable.ID, "result": "OK"},
			map[string]interface{}{"item_id": env.transducer.ID, "result": "NG"},
		), http.StatusBadRequest, "VALIDATION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", tt.path, env.operator, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestCancelLoan(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("POST", fmt.Sprintf("/units/%d/checkout", env.unit.ID), env.operator, env.checkoutBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var co engine.CheckoutResult
	decode(t, w, &co)

	cancelPath := fmt.Sprintf("/loans/%d/cancel", co.Loan.ID)
	w = env.do("POST", cancelPath, env.operator, map[string]string{"reason": "typo"})
	assert.Equal(t, http.StatusForbidden, w.Code, "operators cannot cancel")

	w = env.do("POST", cancelPath, env.admin, map[string]string{"reason": "typo"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res engine.CancelResult
	decode(t, w, &res)
	assert.False(t, res.AlreadyCanceled)
	assert.Equal(t, models.StatusInStock, res.Status)

	w = env.do("POST", cancelPath, env.admin, map[string]string{"reason": "again"})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.True(t, res.AlreadyCanceled)

	w = env.do("GET", fmt.Sprintf("/units/%d/loans", env.unit.ID), env.operator, nil)
	assert.Contains(t, w.Body.String(), `"total":0`)
	w = env.do("GET", fmt.Sprintf("/units/%d/loans?include_canceled=true", env.unit.ID), env.operator, nil)
	assert.Contains(t, w.Body.String(), `"total":1`)
}

func TestCatalogAdminOnly(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/items", env.operator, map[string]string{"name": "Gel"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do("POST", "/items", env.admin, map[string]string{"name": "Gel"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var gel models.Item
	decode(t, w, &gel)

	w = env.do("PUT", fmt.Sprintf("/units/%d/overrides/%d", env.unit.ID, gel.ID), env.admin,
		map[string]interface{}{"action": "add", "qty": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do("GET", fmt.Sprintf("/units/%d/checklist", env.unit.ID), env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cl struct {
		Lines []models.ChecklistLine `json:"lines"`
	}
	decode(t, w, &cl)
	assert.Len(t, cl.Lines, 3)

	w = env.do("PUT", fmt.Sprintf("/units/%d/overrides/%d", env.unit.ID, gel.ID), env.admin,
		map[string]interface{}{"action": "shrink"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("DELETE", fmt.Sprintf("/units/%d/overrides/%d", env.unit.ID, gel.ID), env.admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDeleteItemInUse(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("POST", fmt.Sprintf("/units/%d/checkout", env.unit.ID), env.operator, env.checkoutBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do("DELETE", fmt.Sprintf("/items/%d", env.cable.ID), env.admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ITEM_IN_USE", errorCode(t, w))
}

func TestUtilizationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("POST", fmt.Sprintf("/units/%d/checkout", env.unit.ID), env.operator, env.checkoutBody())
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do("POST", fmt.Sprintf("/units/%d/return", env.unit.ID), env.operator, env.returnBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do("GET", fmt.Sprintf("/utilization?unitIds=%d&start=2024-03-01&end=2024-03-10", env.unit.ID), env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var util struct {
		Utilization map[string]float64 `json:"utilization"`
	}
	decode(t, w, &util)
	// occupied 03-01..03-05 inclusive of a ten day window
	assert.InDelta(t, 50.0, util.Utilization[fmt.Sprint(env.unit.ID)], 0.01)

	w = env.do("GET", "/utilization?start=2024-03-01&end=2024-03-10", env.operator, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do("GET", fmt.Sprintf("/utilization?unitIds=%d&start=2024-03-10&end=2024-03-01", env.unit.ID), env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &util)
	assert.Zero(t, util.Utilization[fmt.Sprint(env.unit.ID)], "inverted window")

	w = env.do("GET", "/reports/utilization?start=2024-03-01&end=2024-03-10", env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep engine.UtilizationReport
	decode(t, w, &rep)
	assert.Equal(t, 1, rep.TotalUnits)

	w = env.do("GET", "/reports/utilization.xlsx?start=2024-03-01&end=2024-03-10", env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "utilization_2024-03-01_2024-03-10.xlsx")
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")

	w = env.do("GET", "/stats/status", env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"in_stock":1`)
}

func TestNotificationMembersAndLogs(t *testing.T) {
	env := newTestEnv(t)
	membersPath := fmt.Sprintf("/categories/%d/members", env.category.ID)

	w := env.do("POST", membersPath, env.admin, map[string]string{"name": "Lead", "email": "lead@example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var m models.NotificationMember
	decode(t, w, &m)
	assert.Equal(t, env.category.ID, m.CategoryID)

	w = env.do("GET", membersPath, env.operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lead@example.com")

	w = env.do("DELETE", fmt.Sprintf("/members/%d", m.ID), env.admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.NoError(t, env.store.InsertNotificationLog(context.Background(), &models.NotificationLog{
		EventType: models.EventLoanCreated, RelatedID: 1, Recipient: "lead@example.com", Status: models.NotificationFailed, Attempts: 3,
	}))
	w = env.do("GET", "/notifications/logs?status=failed", env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = env.do("GET", "/notifications/logs?status=lost", env.admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do("GET", "/notifications/logs", env.operator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUploadEvidence(t *testing.T) {
	env := newTestEnv(t)

	upload := func(sessionRef string, data []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		if sessionRef != "" {
			require.NoError(t, mw.WriteField("session_ref", sessionRef))
		}
		part, err := mw.CreateFormFile("file", "photo.jpg")
		require.NoError(t, err)
		part.Write(data)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest("POST", "/evidence", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+env.operator)
		w := httptest.NewRecorder()
		env.srv.Router.ServeHTTP(w, req)
		return w
	}

	w := upload("", []byte("jpeg bytes"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out map[string]string
	decode(t, w, &out)
	assert.NotEmpty(t, out["session_ref"])
	assert.True(t, strings.HasPrefix(out["ref"], "evidence/"+out["session_ref"]+"/"))
	_, stored := env.evidence.Object(out["ref"])
	assert.True(t, stored)

	w = upload(out["session_ref"], []byte("jpeg bytes"))
	require.Equal(t, http.StatusCreated, w.Code)
	var again map[string]string
	decode(t, w, &again)
	assert.Equal(t, out["ref"], again["ref"], "same bytes in the same session share a reference")

	w = upload("../escape", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = upload("", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	env.srv.Router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	w = env.do("GET", "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestDocsToggle(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("GET", "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "docs are not mounted unless enabled")

	cfg := testConfig()
	cfg.EnableSwagger = true
	srv := NewServer(cfg, Deps{Engine: env.srv.Engine}, nil)
	req := httptest.NewRequest("GET", "/openapi.yaml", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")
}
