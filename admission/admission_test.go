package admission

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/patchspool/patch"
	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/store"
)

const validDoc = `{"id":"%s","description":"d","target":"t","version":"1.2.0"}`

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) OnAdmitted(_ context.Context, domain, name string, target store.Area) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, domain+"/"+name+"->"+string(target))
}

func setup(t *testing.T) (*store.Store, *Validator, *pulse.FakeClock) {
	t.Helper()
	st := store.New(t.TempDir(), []string{"domainA", "domainB"})
	require.NoError(t, st.Ensure())
	clock := pulse.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	v := New(st, Config{MaxNameLength: 32, Extension: ".json"}, clock, zaptest.NewLogger(t).Sugar())
	return st, v, clock
}

func spool(t *testing.T, st *store.Store, domain, name, content string, mtime time.Time) {
	t.Helper()
	_, err := st.WriteFile(domain, store.Spool, name, []byte(content))
	require.NoError(t, err)
	if !mtime.IsZero() {
		path, err := st.Path(domain, store.Spool, name)
		require.NoError(t, err)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func idDoc(id string) string {
	return strings.Replace(validDoc, "%s", id, 1)
}

func TestScanPromotesValidPatch(t *testing.T) {
	st, v, _ := setup(t)
	obs := &recordingObserver{}
	v.AddObserver(obs)
	spool(t, st, "domainA", "p1.json", idDoc("p-1"), time.Time{})

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)

	assert.Equal(t, []string{"p-1"}, res.Promoted)
	assert.Empty(t, res.Rejected)

	area, err := st.Locate("domainA", "p1.json")
	require.NoError(t, err)
	assert.Equal(t, store.Queue, area)
	assert.Equal(t, []string{"domainA/p1.json->queue"}, obs.events)
}

func TestScanRejectionReasons(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		code    patch.ReasonCode
		message string
	}{
		{name: "name too long", file: strings.Repeat("n", 40) + ".json", content: idDoc("x"), code: patch.ReasonFilenameTooLong},
		{name: "wrong extension", file: "p.yaml", content: "id: x", code: patch.ReasonInvalidExtension},
		{name: "empty file", file: "empty.json", content: "", code: patch.ReasonEmpty},
		{name: "not json", file: "bad.json", content: "{not json", code: patch.ReasonMalformedPayload},
		{name: "json array", file: "arr.json", content: "[1]", code: patch.ReasonMalformedPayload},
		{name: "missing target", file: "nt.json", content: `{"id":"p","description":"d","version":"1"}`, code: patch.ReasonSchemaViolation, message: "target"},
		{name: "empty id", file: "ei.json", content: `{"id":"","description":"d","target":"t","version":"1"}`, code: patch.ReasonSchemaViolation, message: "id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, v, _ := setup(t)
			spool(t, st, "domainA", tt.file, tt.content, time.Time{})

			res, err := v.Scan(context.Background(), "domainA")
			require.NoError(t, err)
			assert.Empty(t, res.Promoted)
			require.Len(t, res.Rejected, 1)

			rep := res.Rejected[0]
			assert.Equal(t, tt.code, rep.ReasonCode)
			assert.True(t, rep.ReasonCode.Valid())
			assert.Equal(t, "domainA", rep.Domain)
			if tt.message != "" {
				assert.Contains(t, rep.Message, tt.message)
			}

			area, err := st.Locate("domainA", tt.file)
			require.NoError(t, err)
			assert.Equal(t, store.Rejected, area)

			data, err := st.Read("domainA", store.Rejected, tt.file+store.RejectionSuffix)
			require.NoError(t, err)
			var onDisk patch.RejectionReport
			require.NoError(t, json.Unmarshal(data, &onDisk))
			assert.Equal(t, tt.code, onDisk.ReasonCode)
		})
	}
}

func TestScanExtensionIsCaseInsensitive(t *testing.T) {
	st, v, _ := setup(t)
	spool(t, st, "domainA", "UPPER.JSON", idDoc("u"), time.Time{})

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Equal(t, []string{"u"}, res.Promoted)
}

func TestScanIsIdempotentOnEmptySpool(t *testing.T) {
	st, v, _ := setup(t)
	spool(t, st, "domainA", "p1.json", idDoc("p-1"), time.Time{})

	_, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Empty(t, res.Promoted)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, int64(2), v.Health().Scans)
	assert.Equal(t, int64(1), v.Health().TotalPromoted)
}

func TestScanPreservesArrivalOrder(t *testing.T) {
	st, v, clock := setup(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	spool(t, st, "domainA", "late.json", idDoc("late"), base.Add(time.Minute))
	spool(t, st, "domainA", "early.json", idDoc("early"), base)
	spool(t, st, "domainA", "mid.json", idDoc("mid"), base.Add(time.Second))

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "mid", "late"}, res.Promoted)

	queued, err := st.List("domainA", store.Queue)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, "early.json", queued[0].Name)
	assert.Equal(t, "late.json", queued[2].Name)
	assert.WithinDuration(t, clock.Now(), queued[0].ModTime, time.Millisecond)
}

func TestScanSkipsHiddenAndPartial(t *testing.T) {
	st, v, _ := setup(t)
	spool(t, st, "domainA", ".draft.json", idDoc("h"), time.Time{})
	spool(t, st, "domainA", "upload.json.part", "{", time.Time{})

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Zero(t, res.Scanned())
}

func TestScanRejectedNameConflict(t *testing.T) {
	st, v, _ := setup(t)
	_, err := st.WriteFile("domainA", store.Rejected, "dup.json", []byte("old"))
	require.NoError(t, err)
	spool(t, st, "domainA", "dup.json", "", time.Time{})

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)

	rejected, err := st.List("domainA", store.Rejected)
	require.NoError(t, err)
	assert.Len(t, rejected, 2)

	spooled, err := st.Count("domainA", store.Spool)
	require.NoError(t, err)
	assert.Zero(t, spooled)
}

func TestScanRejectsNameAtFilesystemLimit(t *testing.T) {
	st, v, clock := setup(t)
	long := strings.Repeat("x", 250) + ".json"
	spool(t, st, "domainA", long, idDoc("p-long"), clock.Now().Add(-time.Minute))
	spool(t, st, "domainA", "good.json", idDoc("p-good"), clock.Now())

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-good"}, res.Promoted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, patch.ReasonFilenameTooLong, res.Rejected[0].ReasonCode)

	reportName := store.RejectionReportName(long)
	assert.LessOrEqual(t, len(reportName), store.MaxNameBytes)
	data, err := st.Read("domainA", store.Rejected, reportName)
	require.NoError(t, err)
	var report patch.RejectionReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, long, report.SourceName)

	// the same long name again collides in rejected and still clears the spool
	spool(t, st, "domainA", long, idDoc("p-long"), time.Time{})
	res, err = v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)

	spooled, err := st.Count("domainA", store.Spool)
	require.NoError(t, err)
	assert.Zero(t, spooled)
	queued, err := st.Count("domainA", store.Queue)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
}

func TestScanDefersQueueConflict(t *testing.T) {
	st, v, _ := setup(t)
	_, err := st.WriteFile("domainA", store.Queue, "p1.json", []byte(idDoc("old")))
	require.NoError(t, err)
	spool(t, st, "domainA", "p1.json", idDoc("new"), time.Time{})

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1.json"}, res.Deferred)

	data, err := st.Read("domainA", store.Spool, "p1.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"new"`)
}

func TestScanWritesReport(t *testing.T) {
	st, v, _ := setup(t)
	spool(t, st, "domainA", "ok.json", idDoc("ok"), time.Time{})
	spool(t, st, "domainA", "odd.json", `{"id":"odd","description":"d","target":"t","version":"latest"}`, time.Time{})
	spool(t, st, "domainA", "bad.json", "{", time.Time{})

	res, err := v.Scan(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Len(t, res.Promoted, 2, "non-semver versions are admitted")
	assert.Equal(t, []string{"odd"}, res.NonSemver)

	data, err := st.Read("domainA", store.Reports, ReportFile)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Promoted)
	assert.Equal(t, 1, report.Rejected)
	assert.False(t, report.Passed)
	assert.Equal(t, 1, report.NonSemverVersions)
}

func TestScanDomainsAreIsolated(t *testing.T) {
	st, v, _ := setup(t)
	spool(t, st, "domainA", "a.json", idDoc("a"), time.Time{})
	spool(t, st, "domainB", "b.json", "", time.Time{})

	results, err := v.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"a"}, results["domainA"].Promoted)
	assert.Empty(t, results["domainA"].Rejected)
	assert.Empty(t, results["domainB"].Promoted)
	assert.Len(t, results["domainB"].Rejected, 1)

	_, err = st.Locate("domainB", "a.json")
	assert.Error(t, err)
}

func TestScanUnknownDomain(t *testing.T) {
	_, v, _ := setup(t)
	_, err := v.Scan(context.Background(), "domainZ")
	assert.Error(t, err)
}

func TestScanMissingSpoolIsInfrastructureError(t *testing.T) {
	st := store.New(t.TempDir(), []string{"domainA"})
	v := New(st, Config{MaxNameLength: 32, Extension: ".json"}, nil, zap.NewNop().Sugar())

	_, err := v.Scan(context.Background(), "domainA")
	assert.Error(t, err)
}

func TestSpoolWatcherTriggersOnNewFile(t *testing.T) {
	st, _, _ := setup(t)

	triggered := make(chan string, 4)
	w, err := NewSpoolWatcher(st, func(domain string) { triggered <- domain }, zap.NewNop().Sugar())
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	spool(t, st, "domainB", "fresh.json", idDoc("f"), time.Time{})

	select {
	case domain := <-triggered:
		assert.Equal(t, "domainB", domain)
	case <-time.After(5 * time.Second):
		t.Fatal("spool watcher did not fire")
	}
}
