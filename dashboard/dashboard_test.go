package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurovision/fusion"
)

func testServer(t *testing.T) (*Server, *Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	go hub.Run()

	srv := NewServer(hub,
		func() string { return "RUNNING" },
		func() interface{} { return map[string]int{"frames": 12} },
		func() []string { return []string{"line one", "line two"} },
	)
	mux := http.NewServeMux()
	srv.Routes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, hub, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mixedResult() fusion.Result {
	return fusion.Result{
		FrameID:      9,
		Timestamp:    time.Now(),
		SafetyScore:  55,
		VoiceMessage: "Warning: instrument near vessel",
		Alerts: []fusion.Alert{
			{Severity: fusion.SeverityCritical, Category: "proximity", Message: "too close"},
			{Severity: fusion.SeverityWarning, Category: "safety", Message: "below threshold"},
			{Severity: fusion.SeverityInfo, Category: "system", Message: "reduced capability"},
		},
	}
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var u Update
	require.NoError(t, json.Unmarshal(data, &u))
	return u
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "RUNNING", st.State)
	assert.Equal(t, []string{"line one", "line two"}, st.RecentLog)
	assert.NotNil(t, st.Pipeline)
}

func TestBroadcastReachesViewer(t *testing.T) {
	_, hub, ts := testServer(t)
	conn := dial(t, ts, "?role=nurse")
	waitForClients(t, hub, 1)

	hub.Publish(mixedResult(), []byte{0xff, 0xd8, 0x01})

	u := readUpdate(t, conn)
	assert.Equal(t, int64(9), u.FrameID)
	assert.Equal(t, 55, u.SafetyScore)
	assert.Len(t, u.Alerts, 3)
	assert.NotEmpty(t, u.OverlayJPEG)
	assert.Equal(t, "Warning: instrument near vessel", u.VoiceMessage)
}

func TestSurgeonSeesCriticalOnly(t *testing.T) {
	_, hub, ts := testServer(t)
	conn := dial(t, ts, "?role=surgeon")
	waitForClients(t, hub, 1)

	hub.Publish(mixedResult(), nil)

	u := readUpdate(t, conn)
	require.Len(t, u.Alerts, 1)
	assert.Equal(t, fusion.SeverityCritical, u.Alerts[0].Severity)
}

func TestMutedViewerGetsNoVoice(t *testing.T) {
	_, hub, ts := testServer(t)
	conn := dial(t, ts, "?role=nurse&muted=true")
	waitForClients(t, hub, 1)

	hub.Publish(mixedResult(), nil)

	u := readUpdate(t, conn)
	assert.Empty(t, u.VoiceMessage)
	assert.Len(t, u.Alerts, 3)
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleSurgeon, ParseRole("surgeon"))
	assert.Equal(t, RoleNurse, ParseRole("nurse"))
	assert.Equal(t, RoleTrainee, ParseRole("trainee"))
	assert.Equal(t, RoleTrainee, ParseRole(""))
	assert.Equal(t, RoleTrainee, ParseRole("admin"))
}
