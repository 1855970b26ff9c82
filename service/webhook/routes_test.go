package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/algozhq/algoz-server/cmd/config"
	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/algozhq/algoz-server/service/signals"
	"github.com/gorilla/mux"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry, *models.Account, func() []models.SignalRecord) {
	db := setupTestDB(t)
	account := createAccount(t, db)

	handler := NewWebhookHandler(db, config.Default(), signals.NewLog(db, nil))

	router := mux.NewRouter()
	handler.RegisterPublicRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	records := func() []models.SignalRecord {
		var out []models.SignalRecord
		if err := db.Order("id").Find(&out).Error; err != nil {
			t.Fatalf("loading records: %v", err)
		}
		return out
	}
	return server, handler.Registry(), account, records
}

func TestReceiveWellFormedPayload(t *testing.T) {
	server, registry, account, records := newTestServer(t)

	endpoint, err := registry.Issue(nil, account.ID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	body := `{"symbol":"NIFTY","action":"buy","price":22150.5,"quantity":50}`
	resp, err := http.Post(server.URL+"/webhook/"+endpoint.Token, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var ack struct {
		SignalID uint   `json:"signal_id"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if ack.Status != models.SignalStatusPending {
		t.Errorf("expected pending ack, got %q", ack.Status)
	}

	got := records()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Symbol != "NIFTY" || got[0].Action != "buy" {
		t.Errorf("parsed fields wrong: %+v", got[0])
	}
	if got[0].RawPayload != body {
		t.Errorf("raw payload not stored verbatim")
	}
}

func TestReceiveMalformedPayloadStillStored(t *testing.T) {
	server, registry, account, records := newTestServer(t)

	endpoint, err := registry.Issue(nil, account.ID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	body := `this is not json at all`
	resp, err := http.Post(server.URL+"/webhook/"+endpoint.Token, "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	// The sender gets an ack regardless; it has no retry path.
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	got := records()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Status != models.SignalStatusFailed {
		t.Errorf("expected failed status, got %q", got[0].Status)
	}
	if got[0].FailReason != models.FailReasonMalformedPayload {
		t.Errorf("expected malformed_payload reason, got %q", got[0].FailReason)
	}
	if got[0].RawPayload != body {
		t.Errorf("raw payload not stored verbatim")
	}
}

func TestReceiveOversizePayloadRejected(t *testing.T) {
	server, registry, account, records := newTestServer(t)

	endpoint, err := registry.Issue(nil, account.ID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	body := strings.Repeat("x", maxPayloadBytes+1)
	resp, err := http.Post(server.URL+"/webhook/"+endpoint.Token, "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if got := records(); len(got) != 0 {
		t.Fatalf("oversize payload was stored")
	}
}

func TestReceivePayloadAtCapStoredVerbatim(t *testing.T) {
	server, registry, account, records := newTestServer(t)

	endpoint, err := registry.Issue(nil, account.ID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	body := strings.Repeat("x", maxPayloadBytes)
	resp, err := http.Post(server.URL+"/webhook/"+endpoint.Token, "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	got := records()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if len(got[0].RawPayload) != maxPayloadBytes {
		t.Errorf("payload truncated: stored %d bytes", len(got[0].RawPayload))
	}
}

func TestReceiveUnknownTokenCreatesNothing(t *testing.T) {
	server, _, _, records := newTestServer(t)

	resp, err := http.Post(server.URL+"/webhook/doesnotexist1234567890abc", "application/json",
		strings.NewReader(`{"symbol":"NIFTY","action":"buy"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if got := records(); len(got) != 0 {
		t.Fatalf("record created for unknown token")
	}
}
