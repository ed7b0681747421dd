package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embedhq/embedgate/pkg/embedgate"
	"github.com/embedhq/embedgate/storage/memory"
)

const (
	testOrigin = "https://studio.example.com"
	testAppID  = "studio"
)

func newTestHandler(t *testing.T) (*Handler, *memory.Storage) {
	t.Helper()

	store := memory.New()
	ledger, err := embedgate.NewLedger(store, embedgate.LedgerConfig{})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	states, err := embedgate.NewStateStore(store, embedgate.StateStoreConfig{})
	if err != nil {
		t.Fatalf("NewStateStore failed: %v", err)
	}

	handler, err := NewHandler(Config{
		Store:  store,
		Ledger: ledger,
		States: states,
		Apps: map[string]embedgate.App{
			testAppID: {
				ID:      testAppID,
				Origin:  testOrigin,
				BaseURL: testOrigin + "/embed",
			},
		},
		GetUser: UserFromHeader("X-User-ID", "X-User-Name"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, store
}

func postLaunch(t *testing.T, handler *Handler, userID string, req LaunchRequest) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to encode launch request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/api/apps/launch", bytes.NewReader(body))
	if userID != "" {
		r.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.Launch(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("Response body is not JSON: %v", err)
	}
}

func TestNewHandler_InvalidConfig(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error for empty config")
	}
}

func TestHandler_Launch(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := postLaunch(t, handler, "user1", LaunchRequest{AppID: testAppID})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp LaunchResponse
	decodeBody(t, rec, &resp)
	if resp.AppID != testAppID {
		t.Errorf("Expected appID %q, got %q", testAppID, resp.AppID)
	}
	if !strings.HasPrefix(resp.FrameURL, testOrigin+"/embed?") {
		t.Errorf("Unexpected frame URL: %q", resp.FrameURL)
	}
	if !strings.Contains(resp.FrameURL, "userId=user1") {
		t.Errorf("Frame URL missing user parameter: %q", resp.FrameURL)
	}
	if resp.State != embedgate.StateFrameLoading.String() {
		t.Errorf("Expected frame_loading state, got %q", resp.State)
	}
}

func TestHandler_Launch_ViewOnly(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := postLaunch(t, handler, "user1", LaunchRequest{AppID: testAppID, ViewOnly: true})
	var resp LaunchResponse
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.FrameURL, "viewOnly=true") {
		t.Errorf("Expected viewOnly parameter, got %q", resp.FrameURL)
	}
}

func TestHandler_Launch_Unauthenticated(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := postLaunch(t, handler, "", LaunchRequest{AppID: testAppID})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestHandler_Launch_UnknownApp(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := postLaunch(t, handler, "user1", LaunchRequest{AppID: "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetUsage(t *testing.T) {
	handler, store := newTestHandler(t)
	if err := store.SetEntitlement(&embedgate.Entitlement{
		UserID: "user1", AppID: testAppID, UsageLimit: 5,
	}); err != nil {
		t.Fatalf("SetEntitlement failed: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/usage?appId="+testAppID, nil)
	r.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.GetUsage(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp UsageResponse
	decodeBody(t, rec, &resp)
	if resp.Status != statusActive {
		t.Errorf("Expected active status, got %q", resp.Status)
	}
	if resp.Used != 0 || resp.Limit != 5 || !resp.CanGenerate {
		t.Errorf("Unexpected usage: %+v", resp)
	}

	// Read-only: a second call must observe the same counter
	rec = httptest.NewRecorder()
	handler.GetUsage(rec, r)
	decodeBody(t, rec, &resp)
	if resp.Used != 0 {
		t.Errorf("GetUsage must not mutate the counter, got used=%d", resp.Used)
	}
}

func TestHandler_GetUsage_MissingEntitlement(t *testing.T) {
	handler, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/api/usage?appId="+testAppID, nil)
	r.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.GetUsage(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp UsageResponse
	decodeBody(t, rec, &resp)
	if resp.Status != statusMissing {
		t.Errorf("Expected missing status, got %q", resp.Status)
	}
	if resp.CanGenerate {
		t.Error("Missing entitlement must not allow generation")
	}
}

func TestHandler_GetUsage_Expired(t *testing.T) {
	handler, store := newTestHandler(t)
	yesterday := time.Now().AddDate(0, 0, -2)
	_ = store.SetEntitlement(&embedgate.Entitlement{
		UserID: "user1", AppID: testAppID,
		UsageLimit: 5,
		ExpiryDate: &yesterday,
	})

	r := httptest.NewRequest(http.MethodGet, "/api/usage?appId="+testAppID, nil)
	r.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.GetUsage(rec, r)

	var resp UsageResponse
	decodeBody(t, rec, &resp)
	if resp.Status != statusExpired {
		t.Errorf("Expected expired status, got %q", resp.Status)
	}
	if resp.Reason != string(embedgate.ReasonAppExpired) {
		t.Errorf("Expected app_expired reason, got %q", resp.Reason)
	}
}

func TestHandler_SessionLifecycle(t *testing.T) {
	handler, _ := newTestHandler(t)

	getState := func() SessionResponse {
		r := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		r.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.Session(rec, r)
		var resp SessionResponse
		decodeBody(t, rec, &resp)
		return resp
	}

	if resp := getState(); resp.State != embedgate.StateNoFrame.String() {
		t.Errorf("Expected no_frame before launch, got %q", resp.State)
	}

	postLaunch(t, handler, "user1", LaunchRequest{AppID: testAppID})
	resp := getState()
	if resp.State != embedgate.StateFrameLoading.String() {
		t.Errorf("Expected frame_loading after launch, got %q", resp.State)
	}
	if resp.AppID != testAppID {
		t.Errorf("Expected active app %q, got %q", testAppID, resp.AppID)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/session/teardown", nil)
	r.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.Teardown(rec, r)

	if resp := getState(); resp.State != embedgate.StateNoFrame.String() {
		t.Errorf("Expected no_frame after teardown, got %q", resp.State)
	}
}

// dialFrame launches the app and opens the frame channel against a live server
func dialFrame(t *testing.T, handler *Handler) *websocket.Conn {
	t.Helper()

	postLaunch(t, handler, "user1", LaunchRequest{AppID: testAppID})

	server := httptest.NewServer(http.HandlerFunc(handler.Frame))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("X-User-ID", "user1")
	header.Set("X-User-Name", "Ada")
	header.Set("Origin", testOrigin)

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Failed to dial frame channel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) embedgate.Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg embedgate.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read frame message: %v", err)
	}
	return msg
}

func TestHandler_Frame_GetUsage(t *testing.T) {
	handler, store := newTestHandler(t)
	if err := store.SetEntitlement(&embedgate.Entitlement{
		UserID: "user1", AppID: testAppID, UsageLimit: 5,
	}); err != nil {
		t.Fatalf("SetEntitlement failed: %v", err)
	}

	conn := dialFrame(t, handler)

	req, err := embedgate.NewMessage(embedgate.MessageGetUsage, embedgate.RequestHeader{
		UserID: "user1", AppID: testAppID,
	})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}

	resp := readMessage(t, conn)
	if resp.Type != embedgate.MessageUsageStatus {
		t.Fatalf("Expected usageStatus, got %q", resp.Type)
	}
	var payload embedgate.UsageStatusPayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.Limit != 5 || payload.Used != 0 || !payload.CanGenerate {
		t.Errorf("Unexpected usage payload: %+v", payload)
	}
	if payload.UserName != "Ada" {
		t.Errorf("Expected userName from the session user, got %q", payload.UserName)
	}
}

func TestHandler_Frame_IncrementAndSave(t *testing.T) {
	handler, store := newTestHandler(t)
	if err := store.SetEntitlement(&embedgate.Entitlement{
		UserID: "user1", AppID: testAppID, UsageLimit: 5,
	}); err != nil {
		t.Fatalf("SetEntitlement failed: %v", err)
	}

	conn := dialFrame(t, handler)
	header := embedgate.RequestHeader{UserID: "user1", AppID: testAppID}

	inc, _ := embedgate.NewMessage(embedgate.MessageIncrementUsage, header)
	if err := conn.WriteJSON(inc); err != nil {
		t.Fatalf("Failed to send increment: %v", err)
	}
	if resp := readMessage(t, conn); resp.Type != embedgate.MessageIncrementSuccess {
		t.Fatalf("Expected incrementSuccess, got %q", resp.Type)
	}

	save, _ := embedgate.NewMessage(embedgate.MessageSaveChildAppData, embedgate.SaveDataPayload{
		RequestHeader: header,
		Data:          json.RawMessage(`{"projects":[{"name":"first"}]}`),
	})
	if err := conn.WriteJSON(save); err != nil {
		t.Fatalf("Failed to send save: %v", err)
	}
	if resp := readMessage(t, conn); resp.Type != embedgate.MessageSaveSuccess {
		t.Fatalf("Expected saveSuccess, got %q", resp.Type)
	}

	load, _ := embedgate.NewMessage(embedgate.MessageLoadChildAppData, header)
	if err := conn.WriteJSON(load); err != nil {
		t.Fatalf("Failed to send load: %v", err)
	}
	resp := readMessage(t, conn)
	if resp.Type != embedgate.MessageDataLoaded {
		t.Fatalf("Expected dataLoaded, got %q", resp.Type)
	}
	var payload embedgate.DataLoadedPayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.Payload == nil {
		t.Error("Expected restored project data")
	}
}

func TestHandler_Frame_MalformedEnvelope(t *testing.T) {
	handler, store := newTestHandler(t)
	_ = store.SetEntitlement(&embedgate.Entitlement{
		UserID: "user1", AppID: testAppID, UsageLimit: 5,
	})

	conn := dialFrame(t, handler)

	// Garbage is dropped silently; the channel stays usable
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Failed to send garbage: %v", err)
	}

	req, _ := embedgate.NewMessage(embedgate.MessageGetUsage, embedgate.RequestHeader{
		UserID: "user1", AppID: testAppID,
	})
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	if resp := readMessage(t, conn); resp.Type != embedgate.MessageUsageStatus {
		t.Errorf("Expected usageStatus after dropped garbage, got %q", resp.Type)
	}
}

func TestHandler_Frame_WrongIdentityDropped(t *testing.T) {
	handler, store := newTestHandler(t)
	_ = store.SetEntitlement(&embedgate.Entitlement{
		UserID: "user1", AppID: testAppID, UsageLimit: 5,
	})

	conn := dialFrame(t, handler)

	bad, _ := embedgate.NewMessage(embedgate.MessageGetUsage, embedgate.RequestHeader{
		UserID: "someone-else", AppID: testAppID,
	})
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg embedgate.Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Errorf("Expected silence for a mismatched identity, got %q", msg.Type)
	}
}

func TestHandler_Frame_WithoutLaunchRefused(t *testing.T) {
	handler, _ := newTestHandler(t)

	server := httptest.NewServer(http.HandlerFunc(handler.Frame))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("X-User-ID", "user1")
	header.Set("Origin", testOrigin)

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		// Refusal at the handshake is acceptable too
		return
	}
	defer conn.Close()

	// The server closes the connection after the refused attach
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed without a launch")
	}
}
