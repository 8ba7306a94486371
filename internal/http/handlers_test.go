package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/engine"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/storage"
)

func newTestServer() *Server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.NewService(storage.NewMemoryStore(), log)
	return NewServer(eng, dispatch.NewFeed(log), log)
}

func doJSON(t *testing.T, srv *Server, method, path, actorID string, role models.Role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actorID != "" {
		req.Header.Set("X-Actor-ID", actorID)
		req.Header.Set("X-Actor-Role", string(role))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func requestRideHTTP(t *testing.T, srv *Server) string {
	t.Helper()
	body := `{"pickup":{"lat":12.97,"lng":77.59},"destination":{"lat":12.93,"lng":77.62},"fare":500}`
	w := doJSON(t, srv, "POST", "/api/v1/rides", "rider1", models.RoleRider, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("request ride: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Ride models.Ride `json:"ride"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Ride.ID
}

func TestRequestRideRequiresActor(t *testing.T) {
	srv := newTestServer()
	w := doJSON(t, srv, "POST", "/api/v1/rides", "", "", `{}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequestRideRejectsDriverRole(t *testing.T) {
	srv := newTestServer()
	w := doJSON(t, srv, "POST", "/api/v1/rides", "drv1", models.RoleDriver, `{}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestRequestRideRejectsUnknownFields(t *testing.T) {
	srv := newTestServer()
	body := `{"pickup":{"lat":1,"lng":1},"destination":{"lat":2,"lng":2},"fare":10,"bogus":true}`
	w := doJSON(t, srv, "POST", "/api/v1/rides", "rider1", models.RoleRider, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestAcceptFlowOverHTTP(t *testing.T) {
	srv := newTestServer()
	id := requestRideHTTP(t, srv)

	w := doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/accept", "drv1", models.RoleDriver, "")
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d body %s", w.Code, w.Body.String())
	}

	// second driver loses the race and sees a stable error kind
	w = doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/accept", "drv2", models.RoleDriver, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("second accept: status %d", w.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "ride_unavailable" {
		t.Fatalf("error kind = %q", resp.Error)
	}
}

func TestAdvanceToCompletionReturnsEarning(t *testing.T) {
	srv := newTestServer()
	id := requestRideHTTP(t, srv)
	doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/accept", "drv1", models.RoleDriver, "")

	for _, st := range []string{"picked_up", "in_transit"} {
		w := doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/status", "drv1", models.RoleDriver, `{"status":"`+st+`"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status %d body %s", st, w.Code, w.Body.String())
		}
	}

	w := doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/status", "drv1", models.RoleDriver, `{"status":"completed","note":"dropped off"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Ride    models.Ride     `json:"ride"`
		Earning *models.Earning `json:"earning"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Earning == nil || resp.Earning.Amount != 500 {
		t.Fatalf("earning = %+v", resp.Earning)
	}
	if len(resp.Ride.History) != 5 {
		t.Fatalf("history length = %d", len(resp.Ride.History))
	}

	// earnings summary reflects the settled ride
	w = doJSON(t, srv, "GET", "/api/v1/drivers/me/earnings", "drv1", models.RoleDriver, "")
	if w.Code != http.StatusOK {
		t.Fatalf("earnings: status %d", w.Code)
	}
	var sum models.EarningsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.TotalRides != 1 || sum.TotalEarnings != 500 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestCancelErrorKinds(t *testing.T) {
	srv := newTestServer()
	id := requestRideHTTP(t, srv)
	doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/accept", "drv1", models.RoleDriver, "")

	w := doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/cancel", "rider1", models.RoleRider, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel accepted ride: status %d", w.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "invalid_transition" {
		t.Fatalf("error kind = %q", resp.Error)
	}
}

func TestGetRideRestrictedToParticipants(t *testing.T) {
	srv := newTestServer()
	id := requestRideHTTP(t, srv)

	if w := doJSON(t, srv, "GET", "/api/v1/rides/"+id, "rider1", models.RoleRider, ""); w.Code != http.StatusOK {
		t.Fatalf("owner get: status %d", w.Code)
	}
	if w := doJSON(t, srv, "GET", "/api/v1/rides/"+id, "stranger", models.RoleRider, ""); w.Code != http.StatusForbidden {
		t.Fatalf("stranger get: status %d", w.Code)
	}
	if w := doJSON(t, srv, "GET", "/api/v1/rides/missing", "rider1", models.RoleRider, ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing get: status %d", w.Code)
	}
}

func TestRiderRideListing(t *testing.T) {
	srv := newTestServer()
	requestRideHTTP(t, srv)
	requestRideHTTP(t, srv)

	w := doJSON(t, srv, "GET", "/api/v1/riders/me/rides", "rider1", models.RoleRider, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Rides []models.Ride `json:"rides"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Rides) != 2 {
		t.Fatalf("rides = %d, want 2", len(resp.Rides))
	}
}

func TestPostLocationRequiresAssignedDriver(t *testing.T) {
	srv := newTestServer()
	id := requestRideHTTP(t, srv)
	doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/accept", "drv1", models.RoleDriver, "")

	w := doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/location", "drv2", models.RoleDriver, `{"lat":1,"lng":2}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("other driver ping: status %d", w.Code)
	}
	w = doJSON(t, srv, "POST", "/api/v1/rides/"+id+"/location", "drv1", models.RoleDriver, `{"lat":1,"lng":2}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("assigned driver ping: status %d body %s", w.Code, w.Body.String())
	}
}
