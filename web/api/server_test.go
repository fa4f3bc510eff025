package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vibehq/agent-orchestrator/internal/devserver"
	"github.com/vibehq/agent-orchestrator/internal/domain"
	"github.com/vibehq/agent-orchestrator/internal/genjob"
	"github.com/vibehq/agent-orchestrator/internal/instance"
	"github.com/vibehq/agent-orchestrator/internal/store"
	"github.com/vibehq/agent-orchestrator/internal/streamhub"
)

type testAPI struct {
	store  *store.Store
	server *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := instance.NewManager(st, "echo")
	runner := genjob.NewRunner(st, nil, "echo", t.TempDir())
	hub := streamhub.New(mgr, runner)
	supervisor := devserver.NewSupervisor()
	t.Cleanup(supervisor.StopAll)

	srv := NewServer(st, mgr, runner, supervisor, hub, "echo")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testAPI{store: st, server: ts}
}

func (a *testAPI) request(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.request(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestProjectCRUD(t *testing.T) {
	a := newTestAPI(t)

	resp, created := a.request(t, "POST", "/api/projects", map[string]string{
		"name": "demo", "path": "/tmp/demo",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d %v", resp.StatusCode, created)
	}
	id := created["id"].(string)
	if created["color"] == "" {
		t.Error("default color not applied")
	}

	resp, got := a.request(t, "GET", "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusOK || got["name"] != "demo" {
		t.Fatalf("get = %d %v", resp.StatusCode, got)
	}

	resp, updated := a.request(t, "PATCH", "/api/projects/"+id, map[string]string{"name": "renamed"})
	if resp.StatusCode != http.StatusOK || updated["name"] != "renamed" {
		t.Fatalf("patch = %d %v", resp.StatusCode, updated)
	}
	if updated["path"] != "/tmp/demo" {
		t.Errorf("patch clobbered path: %v", updated["path"])
	}

	resp, _ = a.request(t, "DELETE", "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = a.request(t, "GET", "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateTicketWireFieldNames(t *testing.T) {
	a := newTestAPI(t)
	project, err := a.store.CreateProject("demo", "/tmp/demo", "")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := a.store.CreateTicket(project.ID, "Add login", "")
	if err != nil {
		t.Fatal(err)
	}

	resp, updated := a.request(t, "PATCH", "/api/tickets/"+ticket.ID, map[string]interface{}{
		"prdContent": "# Plan", "branchName": "agent/" + ticket.ID + "-add-login",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch = %d %v", resp.StatusCode, updated)
	}
	if updated["prdContent"] != "# Plan" {
		t.Errorf("prdContent = %v", updated["prdContent"])
	}

	stored, err := a.store.GetTicket(ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.PRDContent != "# Plan" || !strings.HasPrefix(stored.BranchName, "agent/") {
		t.Errorf("stored ticket = %+v, want patched document and branch", stored)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.request(t, "POST", "/api/projects", map[string]string{"name": "no path"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d %v, want 400", resp.StatusCode, body)
	}
}

func TestTicketLifecycle(t *testing.T) {
	a := newTestAPI(t)
	project, err := a.store.CreateProject("demo", "/tmp/demo", "")
	if err != nil {
		t.Fatal(err)
	}

	resp, created := a.request(t, "POST", "/api/tickets", map[string]string{
		"projectId": project.ID, "title": "Add login", "description": "Users need accounts",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, created)
	}
	id := created["id"].(string)
	if created["status"] != "backlog" {
		t.Errorf("new ticket status = %v, want backlog", created["status"])
	}

	resp, moved := a.request(t, "PATCH", "/api/tickets/"+id+"/status", map[string]interface{}{
		"status": "up_next", "position": 0,
	})
	if resp.StatusCode != http.StatusOK || moved["status"] != "up_next" {
		t.Fatalf("move = %d %v", resp.StatusCode, moved)
	}

	resp, body := a.request(t, "PATCH", "/api/tickets/"+id+"/status", map[string]interface{}{
		"status": "doing_stuff", "position": 0,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status accepted: %d %v", resp.StatusCode, body)
	}

	resp, _ = a.request(t, "POST", "/api/tickets/reorder", map[string]interface{}{
		"updates": []map[string]interface{}{{"id": id, "status": "backlog", "position": 2}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reorder = %d", resp.StatusCode)
	}

	ticket, err := a.store.GetTicket(id)
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Status != domain.TicketBacklog || ticket.Position != 2 {
		t.Errorf("reorder not applied: %+v", ticket)
	}
}

func TestTicketValidation(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.request(t, "POST", "/api/tickets", map[string]string{"title": "no project"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("create without project = %d, want 400", resp.StatusCode)
	}

	resp, _ = a.request(t, "GET", "/api/tickets/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown ticket = %d, want 404", resp.StatusCode)
	}
}

func TestLaunchRequiresDocument(t *testing.T) {
	a := newTestAPI(t)
	project, err := a.store.CreateProject("demo", "/tmp/demo", "")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := a.store.CreateTicket(project.ID, "Bare ticket", "no document yet")
	if err != nil {
		t.Fatal(err)
	}

	resp, body := a.request(t, "POST", "/api/tickets/"+ticket.ID+"/launch", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("launch = %d %v, want 400", resp.StatusCode, body)
	}
}

func TestApproveRequiresReviewStatus(t *testing.T) {
	a := newTestAPI(t)
	project, err := a.store.CreateProject("demo", "/tmp/demo", "")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := a.store.CreateTicket(project.ID, "Backlog ticket", "desc")
	if err != nil {
		t.Fatal(err)
	}

	resp, body := a.request(t, "POST", "/api/tickets/"+ticket.ID+"/approve", nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(fmt.Sprint(body["error"]), "review") {
		t.Fatalf("approve = %d %v, want 400 review error", resp.StatusCode, body)
	}
}

func TestGenerationStatusNone(t *testing.T) {
	a := newTestAPI(t)
	project, err := a.store.CreateProject("demo", "/tmp/demo", "")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := a.store.CreateTicket(project.ID, "T", "d")
	if err != nil {
		t.Fatal(err)
	}

	resp, body := a.request(t, "GET", "/api/tickets/"+ticket.ID+"/generation", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "none" {
		t.Fatalf("generation = %d %v, want status none", resp.StatusCode, body)
	}
}

func TestInstanceEndpoints(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.request(t, "GET", "/api/instances/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown instance = %d, want 404", resp.StatusCode)
	}

	project, err := a.store.CreateProject("demo", "/tmp/demo", "")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := a.store.CreateTicket(project.ID, "T", "d")
	if err != nil {
		t.Fatal(err)
	}

	logPath := filepath.Join(t.TempDir(), "run.log")
	if err := os.WriteFile(logPath, []byte("agent output"), 0o644); err != nil {
		t.Fatal(err)
	}
	inst := &domain.AgentInstance{
		ID:        uuid.NewString(),
		TicketID:  ticket.ID,
		Status:    domain.InstancePending,
		LogPath:   logPath,
		CreatedAt: time.Now(),
	}
	if err := a.store.CreateInstance(inst); err != nil {
		t.Fatal(err)
	}

	resp, body := a.request(t, "GET", "/api/instances/"+inst.ID+"/logs", nil)
	if resp.StatusCode != http.StatusOK || body["logs"] != "agent output" {
		t.Fatalf("logs = %d %v", resp.StatusCode, body)
	}

	resp, body = a.request(t, "GET", "/api/tickets/"+ticket.ID+"/instance", nil)
	if resp.StatusCode != http.StatusOK || body["id"] != inst.ID {
		t.Fatalf("ticket instance = %d %v", resp.StatusCode, body)
	}

	resp, body = a.request(t, "GET", "/api/instances/"+inst.ID+"/dev-server", nil)
	if resp.StatusCode != http.StatusOK || body["running"] != false {
		t.Fatalf("dev server status = %d %v", resp.StatusCode, body)
	}
}

func TestFileChangesWithoutBranch(t *testing.T) {
	a := newTestAPI(t)
	project, err := a.store.CreateProject("demo", "/tmp/demo", "")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := a.store.CreateTicket(project.ID, "T", "d")
	if err != nil {
		t.Fatal(err)
	}

	resp, body := a.request(t, "GET", "/api/tickets/"+ticket.ID+"/changes", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("changes = %d", resp.StatusCode)
	}
	if changes, ok := body["changes"].([]interface{}); !ok || len(changes) != 0 {
		t.Fatalf("changes body = %v, want empty list", body)
	}
}

func TestWebSocketSubscribe(t *testing.T) {
	a := newTestAPI(t)
	project, err := a.store.CreateProject("demo", "/tmp/demo", "")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := a.store.CreateTicket(project.ID, "T", "d")
	if err != nil {
		t.Fatal(err)
	}

	logPath := filepath.Join(t.TempDir(), "run.log")
	if err := os.WriteFile(logPath, []byte("hello from the agent"), 0o644); err != nil {
		t.Fatal(err)
	}
	inst := &domain.AgentInstance{
		ID:        uuid.NewString(),
		TicketID:  ticket.ID,
		Status:    domain.InstancePending,
		LogPath:   logPath,
		CreatedAt: time.Now(),
	}
	if err := a.store.CreateInstance(inst); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "instanceId": inst.ID}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first struct {
		Type    string `json:"type"`
		Data    string `json:"data"`
		Initial bool   `json:"initial"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if first.Type != "log" || !first.Initial || first.Data != "hello from the agent" {
		t.Fatalf("first message = %+v, want initial log snapshot", first)
	}

	var second struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if second.Type != "status" || second.Status != "pending" {
		t.Fatalf("second message = %+v, want pending status", second)
	}
}

func TestWebSocketUnknownInstance(t *testing.T) {
	a := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "instanceId": "missing"}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "error" {
		t.Fatalf("message = %+v, want error", msg)
	}
}
