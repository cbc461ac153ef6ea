//go:build integration

package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"equipment-loan-api/internal"
	"equipment-loan-api/internal/auth"
	"equipment-loan-api/internal/config"
	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/evidence"
	"equipment-loan-api/internal/models"
	"equipment-loan-api/internal/store/postgres"
	"equipment-loan-api/internal/testutil"

	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret    = "supersecretkeyforintegrationtestingonly"
	testPassword  = "integration-password"
	adminEmail    = "admin@example.com"
	operatorEmail = "operator@example.com"
)

var testServer *internal.Server
var testDB *sql.DB

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION") != "1" {
		os.Exit(0)
	}

	t := &testing.T{}
	testDB = testutil.NewTestDB(t)
	testutil.ResetSchema(t, testDB, true)

	cfg := &config.Config{
		JWTSecret:   testSecret,
		JWTIssuer:   "equipment-loan-api",
		JWTAudience: "equipment-loan-api",
		JWTExpiry:   24 * time.Hour,
	}
	store := postgres.New(testDB, nil)
	eng := engine.New(store, engine.WithPasswordCost(bcrypt.MinCost))
	testServer = internal.NewServer(cfg, internal.Deps{
		Engine:   eng,
		Logs:     store,
		Evidence: evidence.NewMemoryStore(),
		Health:   store.Ping,
	}, nil)

	for _, u := range []models.CreateUserRequest{
		{Email: adminEmail, Password: testPassword, Name: "Integration admin", Roles: []string{auth.RoleAdmin}},
		{Email: operatorEmail, Password: testPassword, Name: "Integration operator", Roles: []string{auth.RoleOperator}},
	} {
		if _, err := eng.CreateUser(context.Background(), u); err != nil {
			log.Fatalf("Failed to create %s: %v", u.Email, err)
		}
	}

	code := m.Run()
	testDB.Close()
	os.Exit(code)
}

// login signs in through the API and returns the issued token.
func login(t *testing.T, email string) string {
	t.Helper()
	var resp models.LoginResponse
	mustDecode(t, call(t, "POST", "/auth/login", "", models.LoginRequest{Email: email, Password: testPassword}), http.StatusOK, &resp)
	return resp.Token
}

func call(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	testServer.Router.ServeHTTP(w, req)
	return w
}

func mustDecode(t *testing.T, w *httptest.ResponseRecorder, want int, v interface{}) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
	if v != nil {
		if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	testutil.RequireIntegration(t)

	w := call(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestUnauthorizedAccess(t *testing.T) {
	testutil.RequireIntegration(t)

	if w := call(t, "GET", "/units", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
	if w := call(t, "GET", "/units", "invalid-token", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	testutil.RequireIntegration(t)

	w := call(t, "POST", "/auth/login", "", models.LoginRequest{Email: operatorEmail, Password: "wrong-password"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestInsufficientPermissions(t *testing.T) {
	testutil.RequireIntegration(t)

	w := call(t, "POST", "/items", login(t, operatorEmail), map[string]string{"name": "Gel"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
}

// TestLoanLifecycle drives a seeded device type through checkout, a damaged
// return, issue resolution and cancellation over HTTP against PostgreSQL.
func TestLoanLifecycle(t *testing.T) {
	testutil.RequireIntegration(t)
	admin := login(t, adminEmail)
	operator := login(t, operatorEmail)

	var types struct {
		Data []models.DeviceType `json:"data"`
	}
	mustDecode(t, call(t, "GET", "/device-types", operator, nil), http.StatusOK, &types)
	if len(types.Data) == 0 {
		t.Fatal("Expected seeded device types")
	}
	dt := types.Data[0]

	var item models.Item
	mustDecode(t, call(t, "POST", "/items", admin, map[string]string{"name": fmt.Sprintf("Gel pack %d", time.Now().UnixNano())}), http.StatusCreated, &item)
	mustDecode(t, call(t, "PUT", fmt.Sprintf("/device-types/%d/template/%d", dt.ID, item.ID), admin,
		map[string]int{"required_qty": 1, "sort_order": 1}), http.StatusOK, nil)

	var unit models.DeviceUnit
	mustDecode(t, call(t, "POST", "/units", admin, map[string]interface{}{
		"device_type_id": dt.ID,
		"lot_number":     fmt.Sprintf("IT-%d", time.Now().UnixNano()),
	}), http.StatusCreated, &unit)

	var checklist struct {
		Lines []models.ChecklistLine `json:"lines"`
	}
	mustDecode(t, call(t, "GET", fmt.Sprintf("/units/%d/checklist", unit.ID), operator, nil), http.StatusOK, &checklist)

	results := make([]map[string]interface{}, 0, len(checklist.Lines))
	for _, l := range checklist.Lines {
		results = append(results, map[string]interface{}{"item_id": l.ItemID, "result": "OK"})
	}

	var co engine.CheckoutResult
	mustDecode(t, call(t, "POST", fmt.Sprintf("/units/%d/checkout", unit.ID), operator, map[string]interface{}{
		"checkout_date": "2024-05-01",
		"destination":   "Clinic",
		"purpose":       "trial",
		"results":       results,
	}), http.StatusCreated, &co)
	if co.Status != models.StatusLoaned {
		t.Fatalf("Expected loaned, got %s", co.Status)
	}

	results[len(results)-1] = map[string]interface{}{"item_id": item.ID, "result": "NG", "ng_reason": "damaged"}
	var ret engine.ReturnResult
	mustDecode(t, call(t, "POST", fmt.Sprintf("/units/%d/return", unit.ID), operator, map[string]interface{}{
		"return_date": "2024-05-03",
		"results":     results,
	}), http.StatusCreated, &ret)
	if ret.Status != models.StatusNeedsAttention || len(ret.Issues) != 1 {
		t.Fatalf("Expected needs_attention with one issue, got %s with %d", ret.Status, len(ret.Issues))
	}

	var cancel engine.CancelResult
	mustDecode(t, call(t, "POST", fmt.Sprintf("/returns/%d/cancel", ret.Return.ID), admin,
		map[string]string{"reason": "entered twice"}), http.StatusOK, &cancel)
	if cancel.Status != models.StatusLoaned {
		t.Errorf("Expected the reopened loan to leave the unit loaned, got %s", cancel.Status)
	}

	var util struct {
		Utilization map[string]float64 `json:"utilization"`
	}
	mustDecode(t, call(t, "GET", fmt.Sprintf("/utilization?unitIds=%d&start=2024-05-01&end=2024-05-10", unit.ID), operator, nil), http.StatusOK, &util)
	if util.Utilization[fmt.Sprint(unit.ID)] != 100 {
		t.Errorf("Expected an open loan to fill the past window, got %v", util.Utilization)
	}

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	var loans int
	if err := testDB.QueryRowContext(ctx, "SELECT count(*) FROM loans WHERE unit_id = $1 AND NOT canceled", unit.ID).Scan(&loans); err != nil {
		t.Fatal(err)
	}
	if loans != 1 {
		t.Errorf("Expected one live loan row, got %d", loans)
	}
}
