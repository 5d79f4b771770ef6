package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/config"
	"github.com/bookwright/bookwright/db"
	"github.com/bookwright/bookwright/oauth"
	"github.com/bookwright/bookwright/scheduling"
	"github.com/bookwright/bookwright/telemetry"
	"github.com/bookwright/bookwright/testutil"
)

// newDBHandlers builds a full handler stack against the test database and
// returns a logged-in session token for a fresh user.
func newDBHandlers(t *testing.T) (http.Handler, string, int64) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	telemetry.Init()

	user, err := db.FindOrCreateUser(context.Background(), database, "google", "endpoints-test-"+uuid.NewString(), "e2e@example.com", "E2E")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	testutil.ClearOrganizer(t, database, user.ID)
	token := uuid.NewString()
	if err := db.CreateSession(context.Background(), database, token, user.ID, time.Hour); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	registry := calendar.NewRegistry()
	engine := scheduling.NewEngine(database, &scheduling.DBSettings{DB: database})
	orch := oauth.NewOrchestrator(database, registry, nil)
	lc := oauth.NewLifecycle(database, registry, nil)
	cfg := &config.Config{}
	return NewMux(NewHandlers(database, cfg, registry, engine, orch, lc)), token, user.ID
}

func authedRequest(method, path, token, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	return req
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	mux, token, _ := newDBHandlers(t)

	day := time.Now().AddDate(0, 1, 0).Truncate(time.Hour)
	start := day.Format(time.RFC3339)
	end := day.Add(time.Hour).Format(time.RFC3339)

	// Create.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/bookings", token,
		fmt.Sprintf(`{"start_time":%q,"end_time":%q,"title":"Kickoff"}`, start, end)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body %s", rec.Code, rec.Body.String())
	}
	var created meetingView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.UID == "" || created.Status != scheduling.StatusPending {
		t.Errorf("created: %+v", created)
	}

	// Overlapping create conflicts (inside the buffered window).
	rec = httptest.NewRecorder()
	overlapStart := day.Add(30 * time.Minute).Format(time.RFC3339)
	overlapEnd := day.Add(90 * time.Minute).Format(time.RFC3339)
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/bookings", token,
		fmt.Sprintf(`{"start_time":%q,"end_time":%q}`, overlapStart, overlapEnd)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("overlap create: got %d, want 409; body %s", rec.Code, rec.Body.String())
	}

	// Availability pre-check agrees.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet,
		"/availability?start="+overlapStart+"&end="+overlapEnd, token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("availability: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"available":false`) {
		t.Errorf("availability body: %s", rec.Body.String())
	}

	// Read back.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/bookings/"+created.UID, token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}

	// Reschedule to a free slot.
	newStart := day.Add(4 * time.Hour).Format(time.RFC3339)
	newEnd := day.Add(5 * time.Hour).Format(time.RFC3339)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPatch, "/bookings/"+created.UID, token,
		fmt.Sprintf(`{"start_time":%q,"end_time":%q}`, newStart, newEnd)))
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule: got %d, body %s", rec.Code, rec.Body.String())
	}
	var moved meetingView
	if err := json.Unmarshal(rec.Body.Bytes(), &moved); err != nil {
		t.Fatalf("decode reschedule response: %v", err)
	}
	if !moved.StartTime.Equal(day.Add(4 * time.Hour)) {
		t.Errorf("moved start: %v", moved.StartTime)
	}
}

func TestBookingCreateMissingTimesIsBadRequest(t *testing.T) {
	mux, token, _ := newDBHandlers(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/bookings", token, `{"title":"no times"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing times: got %d, want 400; body %s", rec.Code, rec.Body.String())
	}
}

func TestBookingOfOtherUserIsHidden(t *testing.T) {
	mux, token, userID := newDBHandlers(t)
	_, otherToken, _ := newDBHandlers(t)

	day := time.Now().AddDate(0, 2, 0).Truncate(time.Hour)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/bookings", token,
		fmt.Sprintf(`{"start_time":%q,"end_time":%q}`, day.Format(time.RFC3339), day.Add(time.Hour).Format(time.RFC3339))))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d", rec.Code)
	}
	var created meetingView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Organizer != userID {
		t.Errorf("organizer: got %d, want %d", created.Organizer, userID)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/bookings/"+created.UID, otherToken, ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-user read: got %d, want 404", rec.Code)
	}
}

func TestReadyzWithDatabase(t *testing.T) {
	mux, _, _ := newDBHandlers(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz: got %d, want 200", rec.Code)
	}
}
