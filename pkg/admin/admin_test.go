package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
	"github.com/dd0wney/cluso-mq/pkg/ha"
	"github.com/dd0wney/cluso-mq/pkg/health"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

const (
	hostID = cluster.NodeID("00000000-0000-0000-0000-000000000001")
	liveA  = cluster.NodeID("00000000-0000-0000-0000-00000000000a")
	liveB  = cluster.NodeID("00000000-0000-0000-0000-00000000000b")
)

type stubBackup struct {
	alloc   ha.Allocation
	stopped bool
}

func (b *stubBackup) LiveID() cluster.NodeID     { return b.alloc.BackupOf }
func (b *stubBackup) Allocation() ha.Allocation { return b.alloc }
func (b *stubBackup) Stop() error {
	b.stopped = true
	return nil
}

type fakeNode struct {
	topo    *cluster.Topology
	manager *ha.Manager
	health  *health.HealthChecker
	metrics *metrics.Registry
	backups map[cluster.NodeID]*stubBackup
}

func (n *fakeNode) ID() cluster.NodeID                { return hostID }
func (n *fakeNode) Role() string                      { return "live" }
func (n *fakeNode) Topology() *cluster.Topology       { return n.topo }
func (n *fakeNode) Manager() *ha.Manager              { return n.manager }
func (n *fakeNode) Health() *health.HealthChecker     { return n.health }
func (n *fakeNode) Metrics() *metrics.Registry        { return n.metrics }
func (n *fakeNode) Acceptors() map[cluster.NodeID][]config.Acceptor {
	return map[cluster.NodeID][]config.Acceptor{
		hostID: {{Host: "10.0.0.1", Port: 5000}},
	}
}

func storageFor(name string) config.StoragePaths {
	return config.StoragePaths{
		Journal:       "/data/" + name + "/journal",
		Bindings:      "/data/" + name + "/bindings",
		Paging:        "/data/" + name + "/paging",
		LargeMessages: "/data/" + name + "/large",
	}
}

func newFakeNode(t *testing.T) *fakeNode {
	n := &fakeNode{
		topo:    cluster.NewTopology(nil, nil),
		health:  health.NewHealthChecker(clock.Real()),
		metrics: metrics.NewRegistry(),
		backups: make(map[cluster.NodeID]*stubBackup),
	}
	n.topo.Merge(cluster.SetLive(hostID, "host:1", 1))
	n.manager = ha.NewManager(ha.Options{
		Self:     hostID,
		Addr:     "host:1",
		Acceptor: config.Acceptor{Host: "10.0.0.1", Port: 5000},
		Storage:  storageFor("host"),
		Policy: config.HAPolicy{
			Type:             config.ColocatedReplicated,
			Strategy:         config.StrategyFull,
			MaxBackups:       2,
			BackupPortOffset: 100,
		},
		Topology: n.topo,
		Metrics:  n.metrics,
		Launch: func(alloc ha.Allocation) (ha.BackupServer, error) {
			b := &stubBackup{alloc: alloc}
			n.backups[alloc.BackupOf] = b
			return b, nil
		},
	})
	require.NoError(t, n.manager.Start(t.Context()))
	t.Cleanup(func() { _ = n.manager.Stop() })
	return n
}

func (n *fakeNode) host(t *testing.T, id cluster.NodeID) {
	n.topo.Merge(cluster.SetLive(id, string(id)+":1", 1))
	resp := n.manager.HandleBackupRequest(&protocol.BackupRequest{
		RequesterID:   id,
		RequesterAddr: string(id) + ":1",
		Policy:        config.ColocatedReplicated,
		Strategy:      config.StrategyFull,
		LiveStorage:   storageFor(string(id)),
	})
	require.True(t, resp.Granted, "refused: %s", resp.Reason)
}

func get(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

func TestStatusEndpoint(t *testing.T) {
	n := newFakeNode(t)
	n.host(t, liveA)
	h := New("127.0.0.1:0", n, Options{}).Handler()

	var st Status
	w := get(t, h, "/admin/status", &st)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, hostID, st.NodeID)
	assert.Equal(t, "live", st.Role)
	assert.Equal(t, 2, st.Members)
	assert.Equal(t, 1, st.Hosted)
	assert.Empty(t, st.Promoted)
	require.Len(t, st.Acceptors, 1)
	assert.Equal(t, 5000, st.Acceptors[0].Port)
}

func TestTopologyEndpoint(t *testing.T) {
	n := newFakeNode(t)
	n.host(t, liveA)
	h := New("127.0.0.1:0", n, Options{}).Handler()

	var view TopologyView
	require.Equal(t, http.StatusOK, get(t, h, "/admin/topology", &view).Code)
	require.Len(t, view.Members, 2)

	var backupOfA string
	for _, m := range view.Members {
		if m.NodeID == liveA {
			backupOfA = m.Backup
		}
	}
	assert.Equal(t, "host:1", backupOfA)
	assert.GreaterOrEqual(t, view.Version, uint64(1))
}

func TestBackupsEndpoint(t *testing.T) {
	n := newFakeNode(t)
	n.host(t, liveA)
	n.host(t, liveB)
	n.manager.BackupPromoted(liveB, true)
	h := New("127.0.0.1:0", n, Options{}).Handler()

	var view BackupsView
	require.Equal(t, http.StatusOK, get(t, h, "/admin/backups", &view).Code)
	require.Len(t, view.Hosted, 1)
	assert.Equal(t, liveA, view.Hosted[0].BackupOf)
	assert.Equal(t, 1, view.Hosted[0].Slot)
	require.Len(t, view.Promoted, 1)
	assert.Equal(t, liveB, view.Promoted[0].BackupOf)
	assert.Equal(t, 2, view.Promoted[0].Slot)
}

func TestStopBackupEndpoint(t *testing.T) {
	n := newFakeNode(t)
	n.host(t, liveA)
	h := New("127.0.0.1:0", n, Options{}).Handler()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/backups/stop", strings.NewReader(body))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("bad body", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post("{").Code)
	})
	t.Run("bad identity", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(`{"live":"nope"}`).Code)
	})
	t.Run("not hosted", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, post(`{"live":"`+string(liveB)+`"}`).Code)
	})
	t.Run("stops", func(t *testing.T) {
		w := post(`{"live":"` + string(liveA) + `"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp StopBackupResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Stopped)
		assert.True(t, n.backups[liveA].stopped)
		assert.Empty(t, n.manager.BackupServers())

		m, _ := n.topo.Member(liveA)
		assert.Empty(t, m.Backup)
	})
}

func TestMethodNotAllowed(t *testing.T) {
	h := New("127.0.0.1:0", newFakeNode(t), Options{}).Handler()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/admin/status"},
		{http.MethodDelete, "/admin/topology"},
		{http.MethodPut, "/admin/backups"},
		{http.MethodGet, "/admin/backups/stop"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestHealthEndpointsAndMetrics(t *testing.T) {
	n := newFakeNode(t)
	n.health.RegisterReadinessCheck("quorum", health.QuorumCheck(func() (string, bool) { return "fenced", true }))
	h := New("127.0.0.1:0", n, Options{}).Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/ready", nil).Code)

	w := get(t, h, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clusomq_ha_hosted_backups")
}

func TestStartAndShutdown(t *testing.T) {
	s := New("127.0.0.1:0", newFakeNode(t), Options{MetricsInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.False(t, s.IsShuttingDown())
	require.NoError(t, s.Shutdown(time.Second))
	assert.True(t, s.IsShuttingDown())
	require.NoError(t, s.Shutdown(time.Second))
}
