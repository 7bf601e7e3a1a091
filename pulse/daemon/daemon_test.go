package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/patchspool/am"
	"github.com/teranos/patchspool/engine"
	"github.com/teranos/patchspool/lifecycle"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/store"
	"github.com/teranos/patchspool/watchdog"
)

const helloPatch = `{
	"id": "p-hello", "description": "write hello", "target": "a", "version": "1.0.0",
	"mutations": [{"path": "out/x.txt", "content": "hello"}],
	"validate": {"shell": ["test -f out/x.txt"]}
}`

type nopFinalizer struct{}

func (nopFinalizer) Finalize(context.Context, string, string, string) (string, error) {
	return "0000000", nil
}

func testConfig(t *testing.T) *am.Config {
	t.Helper()
	cfg, err := am.Defaults()
	require.NoError(t, err)
	root := t.TempDir()
	cfg.Store.Root = filepath.Join(root, "spool")
	cfg.Engine.Workspaces = map[string]string{
		"domainA": filepath.Join(root, "ws", "a"),
		"domainB": filepath.Join(root, "ws", "b"),
	}
	cfg.Admission.Watch = false
	cfg.Database.Path = filepath.Join(root, "patchspool.db")
	return cfg
}

type harness struct {
	daemon *Daemon
	runner *engine.FakeRunner
	clock  *pulse.FakeClock
	alerts *[]watchdog.Alert
}

func newHarness(t *testing.T, cfg *am.Config) *harness {
	t.Helper()
	h := &harness{
		runner: engine.NewFakeRunner(),
		clock:  pulse.NewFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)),
		alerts: &[]watchdog.Alert{},
	}
	d, err := New(cfg, zaptest.NewLogger(t).Sugar(),
		WithClock(h.clock),
		WithRunner(h.runner),
		WithFinalizer(nopFinalizer{}),
		WithNotifier(watchdog.NotifierFunc(func(_ context.Context, a watchdog.Alert) error {
			*h.alerts = append(*h.alerts, a)
			return nil
		})))
	require.NoError(t, err)
	h.daemon = d
	return h
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Domains = nil
	_, err := New(cfg, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewCreatesStoreLayout(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	defer h.daemon.Stop()

	for _, domain := range cfg.Domains {
		for _, area := range store.RecordAreas {
			dir, err := h.daemon.Store.Dir(domain, area)
			require.NoError(t, err)
			assert.DirExists(t, dir)
		}
	}
	assert.Nil(t, h.daemon.Server)
}

func TestPipelineSubmitToCompletion(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	d := h.daemon
	ctx := context.Background()

	_, err := d.Handoff.Submit(ctx, "domainA", "hello.json", []byte(helloPatch))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Handoff.Inflight())

	require.NoError(t, d.Start(ctx))
	defer d.Stop()
	assert.Error(t, d.Start(ctx))

	require.Eventually(t, func() bool {
		area, err := d.Store.Locate("domainA", "hello.json")
		return err == nil && area == store.Completed
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, d.Handoff.Inflight())
	assert.Equal(t, []string{"test -f out/x.txt"}, h.runner.Calls())

	rep, err := d.Tracker.Report(ctx, "domainA")
	require.NoError(t, err)
	require.Len(t, rep.RecentPatches, 1)
	assert.Equal(t, lifecycle.StatusExecutedSuccess, rep.RecentPatches[0].Status)

	health := d.Health()
	assert.True(t, health.Running)
	assert.EqualValues(t, 1, health.Engine.Succeeded)
	assert.Len(t, health.Loops, 4)

	require.NoError(t, d.Stop())
	assert.False(t, d.Health().Running)
	assert.Empty(t, *h.alerts)
}

func TestWatchdogStatusFileWritten(t *testing.T) {
	h := newHarness(t, testConfig(t))
	d := h.daemon
	defer d.Stop()

	_, err := d.Handoff.Submit(context.Background(), "domainB", "x.json", []byte(`{}`))
	require.NoError(t, err)

	data, err := readRoot(d.Store, store.WatchdogStatusFile)
	require.NoError(t, err)
	var snap watchdog.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 1, snap.TotalPatches)
}

func TestSQLiteRegistryRecoversPendingHandoffs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watchdog.Registry = am.RegistrySQLite

	first := newHarness(t, cfg)
	_, err := first.daemon.Handoff.Submit(context.Background(), "domainA", "hello.json", []byte(helloPatch))
	require.NoError(t, err)
	require.NoError(t, first.daemon.Stop())

	second := newHarness(t, cfg)
	defer second.daemon.Stop()
	assert.Equal(t, 1, second.daemon.Handoff.Inflight())

	_, err = second.daemon.Validator.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.daemon.Handoff.Inflight())
}

func TestServerExposesHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = true
	cfg.Server.Addr = "127.0.0.1:0"
	h := newHarness(t, cfg)
	d := h.daemon
	require.NotNil(t, d.Server)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	resp, err := http.Get("http://" + d.Server.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Components Health `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Components.Running)
}

func TestApplyConfigHotReloadsSettings(t *testing.T) {
	h := newHarness(t, testConfig(t))
	d := h.daemon
	defer d.Stop()
	previous := logger.Level().String()
	defer logger.SetLevel(previous)
	ctx := context.Background()

	held := `{"id": "p-held", "disabledByDefault": true, "mutations": [{"path": "h.txt", "content": "h"}]}`
	_, err := d.Store.WriteFile("domainA", store.Queue, "held.json", []byte(held))
	require.NoError(t, err)
	require.NoError(t, d.Engine.RunCycle(ctx))
	area, err := d.Store.Locate("domainA", "held.json")
	require.NoError(t, err)
	assert.Equal(t, store.Queue, area)

	next := testConfig(t)
	next.Engine.RunDisabled = true
	next.Log.Level = "debug"
	require.NoError(t, d.applyConfig(next))
	assert.Equal(t, "debug", logger.Level().String())

	require.NoError(t, d.Engine.RunCycle(ctx))
	area, err = d.Store.Locate("domainA", "held.json")
	require.NoError(t, err)
	assert.Equal(t, store.Completed, area)

	next.Log.Level = "loud"
	assert.Error(t, d.applyConfig(next))
}

func TestQueueTriggerOnlyWakesOnPromotion(t *testing.T) {
	calls := 0
	loop := pulse.NewLoop("wake", 0, func(context.Context) error {
		calls++
		return nil
	}, pulse.NewFakeClock(time.Now()), zaptest.NewLogger(t).Sugar())

	q := queueTrigger{loop: loop}
	q.OnAdmitted(context.Background(), "domainA", "a.json", store.Rejected)
	q.OnAdmitted(context.Background(), "domainA", "b.json", store.Queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	defer loop.Stop()
	require.Eventually(t, func() bool { return loop.Stats().Runs == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, calls)
}

func readRoot(st *store.Store, name string) ([]byte, error) {
	return os.ReadFile(st.RootPath(name))
}
