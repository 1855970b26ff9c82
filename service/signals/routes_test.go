package signals

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

const testSecret = "signals-test-secret"

func newTestServer(t *testing.T, db *gorm.DB) (*httptest.Server, *SignalHandler) {
	t.Setenv("SECRET_KEY", testSecret)

	handler := NewSignalHandler(db, nil)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, handler
}

func bearerToken(t *testing.T, userID uint) string {
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return "Bearer " + signed
}

func finalizeRequest(t *testing.T, server *httptest.Server, recordID uint, userID uint, status string) *http.Response {
	url := server.URL + "/signals/" + strconv.FormatUint(uint64(recordID), 10) + "/finalize"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(`{"status":"`+status+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", bearerToken(t, userID))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("finalize request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFinalizeRequiresOwnership(t *testing.T) {
	db := setupTestDB(t)
	server, handler := newTestServer(t, db)

	record, err := handler.Log().Ingest(1, []byte(`{"symbol":"NIFTY","action":"buy","price":1,"quantity":1}`))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Another account may not finalize this record.
	resp := finalizeRequest(t, server, record.ID, 2, models.SignalStatusSuccess)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign account, got %d", resp.StatusCode)
	}

	var untouched models.SignalRecord
	if err := db.First(&untouched, record.ID).Error; err != nil {
		t.Fatal(err)
	}
	if untouched.Status != models.SignalStatusPending {
		t.Fatalf("foreign finalize mutated the record: %q", untouched.Status)
	}

	// The owner can.
	resp = finalizeRequest(t, server, record.ID, 1, models.SignalStatusSuccess)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d", resp.StatusCode)
	}

	var finalized models.SignalRecord
	if err := db.First(&finalized, record.ID).Error; err != nil {
		t.Fatal(err)
	}
	if finalized.Status != models.SignalStatusSuccess {
		t.Fatalf("expected success, got %q", finalized.Status)
	}
}

func TestFinalizeUnknownAndRepeat(t *testing.T) {
	db := setupTestDB(t)
	server, handler := newTestServer(t, db)

	resp := finalizeRequest(t, server, 9999, 1, models.SignalStatusSuccess)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown record, got %d", resp.StatusCode)
	}

	record, err := handler.Log().Ingest(1, []byte(`{"symbol":"NIFTY","action":"buy","price":1,"quantity":1}`))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if resp := finalizeRequest(t, server, record.ID, 1, models.SignalStatusSuccess); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp := finalizeRequest(t, server, record.ID, 1, models.SignalStatusFailed); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for finalized record, got %d", resp.StatusCode)
	}
}

func TestFinalizeRequiresAuth(t *testing.T) {
	db := setupTestDB(t)
	server, _ := newTestServer(t, db)

	resp, err := http.Post(server.URL+"/signals/1/finalize", "application/json",
		bytes.NewBufferString(`{"status":"success"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}
