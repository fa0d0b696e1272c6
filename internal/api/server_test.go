package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/catalog"
	"github.com/structurize/packcatalog/internal/events"
	"github.com/structurize/packcatalog/internal/packtest"
	"github.com/structurize/packcatalog/internal/placement"
	"github.com/structurize/packcatalog/internal/preview"
	"github.com/structurize/packcatalog/internal/resolver"
	"github.com/structurize/packcatalog/internal/session"
	"github.com/structurize/packcatalog/internal/storage/local"
	"github.com/structurize/packcatalog/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	root := t.TempDir()
	packtest.Write(t, root, map[string]string{
		"packs/medieval/pack.json":                     packtest.Descriptor("medieval"),
		"packs/medieval/houses/brick/house1.blueprint": packtest.Plain(),
		"packs/medieval/houses/brick/house2.blueprint": packtest.Plain(),
		"packs/medieval/walls/wall.blueprint":          packtest.Plain(),

		"packs/colony/pack.json":                       packtest.Descriptor("colony"),
		"packs/colony/huts/builder/builder1.blueprint": packtest.Template("colony:builder", 1),
	})
	src, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)

	bus := events.NewBroadcaster()
	cat := catalog.New(src, catalog.Options{Root: "packs", Logger: zap.NewNop(), Events: bus})
	_, err = cat.Discover(context.Background())
	require.NoError(t, err)

	registry, err := blueprint.ParseRegistry(strings.NewReader(packtest.Anchors))
	require.NoError(t, err)
	res := resolver.New(cat, blueprint.NewYAMLDecoder(registry), resolver.Options{Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = res.Start(ctx)
		close(done)
	}()

	srv := NewServer(cat, res, preview.NewRegistry(), bus, Options{Logger: zap.NewNop()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		cancel()
		<-done
	})
	return ts, srv
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func pollSession(t *testing.T, ts *httptest.Server, id string, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	var view sessionResponse
	require.Eventually(t, func() bool {
		view = sessionResponse{}
		if do(t, ts, http.MethodGet, "/api/v1/sessions/"+id, nil, &view) != http.StatusOK {
			return false
		}
		return cond(view.Snapshot)
	}, 5*time.Second, 10*time.Millisecond)
	return view.Snapshot
}

func pageReady(s session.Snapshot) bool { return s.Page.Ready }

func openSession(t *testing.T, ts *httptest.Server, body createSessionRequest) string {
	t.Helper()
	var view sessionResponse
	require.Equal(t, http.StatusCreated, do(t, ts, http.MethodPost, "/api/v1/sessions", body, &view))
	require.NotEmpty(t, view.ID)
	assert.Equal(t, preview.DefaultKey+":"+view.ID, view.PreviewKey)
	return view.ID
}

func TestHealthAndPacks(t *testing.T) {
	ts, _ := newTestServer(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 2, health["packs"])

	var list struct {
		Packs []struct {
			Name string `json:"name"`
		} `json:"packs"`
	}
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/api/v1/packs", nil, &list))
	require.Len(t, list.Packs, 2)

	var pack packResponse
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/api/v1/packs/medieval", nil, &pack))
	assert.Equal(t, "medieval", pack.Name)
	assert.Equal(t, 3, pack.Templates)
	assert.Equal(t, 2, pack.Leaves)

	var apiErr errorResponse
	require.Equal(t, http.StatusNotFound, do(t, ts, http.MethodGet, "/api/v1/packs/nope", nil, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Code)
	assert.NotEmpty(t, apiErr.Error)
}

func TestSearch(t *testing.T) {
	ts, _ := newTestServer(t)

	var result struct {
		Matches []struct {
			Path     string `json:"path"`
			Template string `json:"template"`
		} `json:"matches"`
	}
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/api/v1/packs/medieval/search?q=house1&limit=1", nil, &result))
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "houses/brick", result.Matches[0].Path)
	assert.Equal(t, "house1", result.Matches[0].Template)

	assert.Equal(t, http.StatusBadRequest, do(t, ts, http.MethodGet, "/api/v1/packs/medieval/search?q=x&limit=abc", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, http.MethodGet, "/api/v1/packs/nope/search?q=x", nil, nil))
}

func TestSessionBrowseAndPlace(t *testing.T) {
	ts, srv := newTestServer(t)
	id := openSession(t, ts, createSessionRequest{Pack: "medieval"})
	base := "/api/v1/sessions/" + id

	snap := pollSession(t, ts, id, pageReady)
	require.Len(t, snap.Root, 2)
	assert.Equal(t, "houses", snap.Root[0].SubPath)

	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/navigate", map[string]string{"path": "houses/brick"}, nil))
	snap = pollSession(t, ts, id, func(s session.Snapshot) bool { return s.Page.Ready && len(s.Page.Groups) == 2 })
	assert.Equal(t, "houses/brick:house1", snap.Page.Groups[0].ID)

	var sel selectionResponse
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/select", map[string]string{"id": "houses/brick:house1"}, &sel))
	assert.Equal(t, "houses/brick/house1.blueprint", sel.Template)
	assert.True(t, sel.CanBuild)
	assert.Equal(t, "houses/brick:house1", sel.Snapshot.Selection)

	var state map[string]any
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPut, base+"/preview", map[string]any{
		"pos":      map[string]int{"x": 10, "y": 64, "z": -3},
		"rotation": 1,
	}, &state))
	assert.Equal(t, "10,64,-3", state["pos"])
	assert.Equal(t, "clockwise_90", state["rotation"])

	var placed placement.Request
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/place", placeRequest{Handler: "creative", ID: "tool"}, &placed))
	assert.Equal(t, placement.HandlerCreative, placed.Handler)
	assert.Equal(t, "medieval", placed.PackName)
	assert.Equal(t, "houses/brick/house1.blueprint", placed.RelativeFilePath)
	assert.Equal(t, 64, placed.Position.Y)

	// Creative placement keeps the preview; survival consumes it.
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, base+"/preview", nil, &state))
	assert.Equal(t, "houses/brick/house1.blueprint", state["template"])

	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/place", placeRequest{}, &placed))
	assert.Equal(t, placement.HandlerSurvival, placed.Handler)

	state = nil
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, base+"/preview", nil, &state))
	assert.NotContains(t, state, "template")
	assert.NotContains(t, state, "pos")
	assert.Equal(t, "none", state["rotation"])

	assert.Equal(t, http.StatusConflict, do(t, ts, http.MethodPost, base+"/place", placeRequest{}, nil))

	require.Equal(t, http.StatusNoContent, do(t, ts, http.MethodDelete, base, nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, http.MethodGet, base, nil, nil))
	assert.Equal(t, 0, srv.sessionCount())
}

func TestSessionBackAndRestore(t *testing.T) {
	ts, _ := newTestServer(t)
	id := openSession(t, ts, createSessionRequest{Pack: "medieval"})
	base := "/api/v1/sessions/" + id
	pollSession(t, ts, id, pageReady)

	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/navigate", map[string]string{"path": "houses/brick"}, nil))
	pollSession(t, ts, id, func(s session.Snapshot) bool { return s.Page.Ready && len(s.Page.Groups) == 2 })
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/select", map[string]string{"id": "houses/brick:house2"}, nil))

	var view sessionResponse
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/back", nil, &view))
	assert.Equal(t, "houses", view.Snapshot.Depth)

	var sel selectionResponse
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/restore", nil, &sel))
	require.NotNil(t, sel.Restored)
	assert.True(t, *sel.Restored)
	assert.Equal(t, "houses/brick/house2.blueprint", sel.Template)
}

func TestSessionErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	var apiErr errorResponse
	require.Equal(t, http.StatusNotFound, do(t, ts, http.MethodPost, "/api/v1/sessions", createSessionRequest{Pack: "nope"}, &apiErr))
	assert.Contains(t, apiErr.Error, "nope")

	assert.Equal(t, http.StatusNotFound, do(t, ts, http.MethodGet, "/api/v1/sessions/missing", nil, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, ts, http.MethodPost, "/api/v1/sessions", map[string]any{"bogus": 1}, nil))

	id := openSession(t, ts, createSessionRequest{})
	base := "/api/v1/sessions/" + id
	assert.Equal(t, http.StatusConflict, do(t, ts, http.MethodPost, base+"/navigate", map[string]string{"path": "houses"}, nil))

	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/pack", map[string]string{"pack": "medieval"}, nil))
	pollSession(t, ts, id, pageReady)

	apiErr = errorResponse{}
	require.Equal(t, http.StatusBadRequest, do(t, ts, http.MethodPost, base+"/select", map[string]string{"id": "houses/brick:castle"}, &apiErr))
	assert.Contains(t, apiErr.Error, "invalid blueprint name")

	assert.Equal(t, http.StatusBadRequest, do(t, ts, http.MethodPut, base+"/preview", map[string]any{"rotation": 7}, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, ts, http.MethodPost, base+"/place", placeRequest{Handler: "spectator"}, nil))
}

func TestPlaceRequiresUnlockedTemplate(t *testing.T) {
	ts, _ := newTestServer(t)
	id := openSession(t, ts, createSessionRequest{Pack: "colony"})
	base := "/api/v1/sessions/" + id
	pollSession(t, ts, id, pageReady)

	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/navigate", map[string]string{"path": "huts/builder"}, nil))
	snap := pollSession(t, ts, id, func(s session.Snapshot) bool { return s.Page.Ready && len(s.Page.Groups) == 1 })
	assert.True(t, snap.Page.Groups[0].Locked)

	var sel selectionResponse
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, base+"/select", map[string]string{"id": snap.Page.Groups[0].ID}, &sel))
	assert.False(t, sel.CanBuild)

	assert.Equal(t, http.StatusForbidden, do(t, ts, http.MethodPost, base+"/place", placeRequest{}, nil))
}

func TestEventStream(t *testing.T) {
	ts, _ := newTestServer(t)
	id := openSession(t, ts, createSessionRequest{Pack: "medieval"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/cancel", nil, nil))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed")
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var e events.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
			assert.Equal(t, events.EventPreviewSync, e.Type)
			assert.Equal(t, "medieval", e.Pack)
			assert.Equal(t, preview.DefaultKey+":"+id, e.Key)
			return
		case <-timeout:
			t.Fatal("no event received")
		}
	}
}

func TestEventStreamRejectsUnknownType(t *testing.T) {
	ts, _ := newTestServer(t)
	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, do(t, ts, http.MethodGet, "/api/v1/events?type=pack_deleted", nil, &e))
	assert.Contains(t, e.Error, "pack_deleted")
}

func TestIdleSessionsExpire(t *testing.T) {
	ts, srv := newTestServer(t)
	idle := openSession(t, ts, createSessionRequest{Pack: "medieval"})
	active := openSession(t, ts, createSessionRequest{Pack: "medieval"})
	subscribers := srv.broadcaster.Count()

	idleKey := preview.DefaultKey + ":" + idle
	srv.previews.SetPosition(idleKey, &models.Coordinate{X: 4, Y: 64, Z: -2})

	srv.mu.Lock()
	srv.sessions[idle].lastUsed.Store(time.Now().Add(-2 * DefaultIdleTimeout).UnixNano())
	srv.mu.Unlock()

	assert.Equal(t, 1, srv.Sweep(context.Background(), time.Now()))
	assert.Equal(t, 0, srv.Sweep(context.Background(), time.Now()))

	assert.Equal(t, http.StatusNotFound, do(t, ts, http.MethodGet, "/api/v1/sessions/"+idle, nil, nil))
	assert.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/api/v1/sessions/"+active, nil, nil))
	assert.Equal(t, subscribers-1, srv.broadcaster.Count())
	_, ok := srv.previews.Get(idleKey)
	assert.False(t, ok)
	assert.Equal(t, 1, srv.sessionCount())
}

func TestRequestsKeepSessionAlive(t *testing.T) {
	ts, srv := newTestServer(t)
	id := openSession(t, ts, createSessionRequest{Pack: "medieval"})

	srv.mu.Lock()
	e := srv.sessions[id]
	srv.mu.Unlock()
	e.lastUsed.Store(time.Now().Add(-2 * DefaultIdleTimeout).UnixNano())

	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/api/v1/sessions/"+id, nil, nil))
	assert.Zero(t, srv.Sweep(context.Background(), time.Now()))
	assert.Equal(t, 1, srv.Sweep(context.Background(), time.Now().Add(DefaultIdleTimeout+time.Second)))
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/health", nil, nil))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `route="/health"`)
}
