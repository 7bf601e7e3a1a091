package lifecycle

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/patch"
	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/store"
)

var base = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(t.TempDir(), []string{"domainA", "domainB"})
	require.NoError(t, st.Ensure())
	return st
}

// record places a terminal record whose queue arrival was at
func record(t *testing.T, st *store.Store, area store.Area, name string, at time.Time) {
	t.Helper()
	path, err := st.WriteFile("domainA", area, name, []byte(`{"id":"x"}`))
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(path, at, at))
}

func summary(t *testing.T, st *store.Store, stem string, failedStage string, started, finished time.Time) {
	t.Helper()
	text := patch.RenderSummary(&patch.ExecutionResult{
		PatchID:     stem,
		Domain:      "domainA",
		StagesRun:   []string{patch.StageMutation},
		FailedStage: failedStage,
		Error:       "exit status 1",
		StartedAt:   started,
		FinishedAt:  finished,
	}, "", "")
	_, err := st.WriteFile("domainA", store.Summaries, stem+".md", []byte(text))
	require.NoError(t, err)
}

func TestReportClassifiesRecords(t *testing.T) {
	st := newStore(t)
	clock := pulse.NewFakeClock(base.Add(time.Hour))
	tr := New(st, 10, clock, zap.NewNop().Sugar())

	record(t, st, store.Completed, "ok.json", base)
	summary(t, st, "ok", "", base.Add(time.Second), base.Add(4*time.Second))

	record(t, st, store.Failed, "bad.json", base.Add(time.Minute))
	summary(t, st, "bad", patch.StageValidate, base.Add(time.Minute), base.Add(time.Minute+2*time.Second))

	record(t, st, store.Completed, "pending.json", base.Add(2*time.Minute))
	_, err := st.WriteFile("domainA", store.Summaries, "pending.md", []byte("# Patch pending\n\nStarted: "+base.Format(time.RFC3339Nano)+"\n"))
	require.NoError(t, err)

	record(t, st, store.Completed, "nosummary.json", base.Add(3*time.Minute))

	rep, err := tr.Report(context.Background(), "domainA")
	require.NoError(t, err)

	assert.Equal(t, "domainA", rep.Domain)
	assert.Equal(t, base.Add(time.Hour), rep.GeneratedAt)
	assert.Equal(t, 4, rep.TotalPatches)
	assert.Equal(t, 3, rep.TotalSummaries)
	assert.Equal(t, 1, rep.FailedPatches)
	assert.Equal(t, 1, rep.ExecutedSuccess)
	assert.Equal(t, 1, rep.ExecutedFailed)
	assert.Equal(t, 1, rep.InProgress)
	assert.Equal(t, 1, rep.Delivered)
	assert.InDelta(t, 0.5, rep.SuccessRate, 1e-9)

	require.Len(t, rep.RecentPatches, 4)
	names := make([]string, 0, 4)
	for _, v := range rep.RecentPatches {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"nosummary.json", "pending.json", "bad.json", "ok.json"}, names)

	noSummary := rep.RecentPatches[0]
	assert.Equal(t, StatusDelivered, noSummary.Status)
	assert.Nil(t, noSummary.DurationSeconds)
	assert.Nil(t, noSummary.CompletionTime)

	inProgress := rep.RecentPatches[1]
	assert.Equal(t, StatusInProgress, inProgress.Status)
	assert.NotNil(t, inProgress.ExecutionTime)
	assert.Nil(t, inProgress.DurationSeconds)

	failed := rep.RecentPatches[2]
	assert.Equal(t, StatusExecutedFailed, failed.Status)
	assert.Equal(t, store.Failed, failed.Area)
	require.NotNil(t, failed.DurationSeconds)
	assert.InDelta(t, 2.0, *failed.DurationSeconds, 1e-6)

	ok := rep.RecentPatches[3]
	assert.Equal(t, StatusExecutedSuccess, ok.Status)
	assert.Equal(t, "ok", ok.PatchID)
	assert.True(t, ok.DeliveryTime.Equal(base))
	require.NotNil(t, ok.DurationSeconds)
	assert.InDelta(t, 4.0, *ok.DurationSeconds, 1e-6)
}

func TestReportLimitsRecentButCountsAll(t *testing.T) {
	st := newStore(t)
	tr := New(st, 3, nil, zap.NewNop().Sugar())

	for i := 0; i < 7; i++ {
		stem := fmt.Sprintf("p-%02d", i)
		at := base.Add(time.Duration(i) * time.Minute)
		record(t, st, store.Completed, stem+".json", at)
		summary(t, st, stem, "", at, at.Add(time.Second))
	}

	rep, err := tr.Report(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Equal(t, 7, rep.TotalPatches)
	assert.Equal(t, 7, rep.ExecutedSuccess)
	assert.Equal(t, 1.0, rep.SuccessRate)
	require.Len(t, rep.RecentPatches, 3)
	assert.Equal(t, "p-06.json", rep.RecentPatches[0].Name)
	assert.Equal(t, "p-04.json", rep.RecentPatches[2].Name)
}

func TestReportEmptyDomain(t *testing.T) {
	tr := New(newStore(t), 0, nil, zap.NewNop().Sugar())
	rep, err := tr.Report(context.Background(), "domainB")
	require.NoError(t, err)
	assert.Zero(t, rep.TotalPatches)
	assert.Zero(t, rep.SuccessRate)
	assert.Empty(t, rep.RecentPatches)
	assert.Equal(t, DefaultRecentLimit, tr.limit)
}

func TestReportUnknownDomain(t *testing.T) {
	tr := New(newStore(t), 5, nil, zap.NewNop().Sugar())
	_, err := tr.Report(context.Background(), "domainZ")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestReportIgnoresQueueAndSpool(t *testing.T) {
	st := newStore(t)
	tr := New(st, 5, nil, zap.NewNop().Sugar())
	_, err := st.WriteFile("domainA", store.Queue, "queued.json", []byte(`{}`))
	require.NoError(t, err)
	_, err = st.WriteFile("domainA", store.Spool, "new.json", []byte(`{}`))
	require.NoError(t, err)

	rep, err := tr.Report(context.Background(), "domainA")
	require.NoError(t, err)
	assert.Zero(t, rep.TotalPatches)
}

// Executed success plus executed failed never exceeds the terminal records,
// whatever mix of orphan summaries and records is on disk.
func TestReconciliationBound(t *testing.T) {
	st := newStore(t)
	tr := New(st, 2, nil, zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		// summaries with no record
		summary(t, st, fmt.Sprintf("orphan-%d", i), "", base, base.Add(time.Second))
	}
	for i := 0; i < 4; i++ {
		stem := fmt.Sprintf("r-%d", i)
		area := store.Completed
		failedStage := ""
		if i%2 == 1 {
			area, failedStage = store.Failed, patch.StageMutation
		}
		record(t, st, area, stem+".json", base.Add(time.Duration(i)*time.Second))
		if i < 3 {
			summary(t, st, stem, failedStage, base, base.Add(time.Minute))
		}

		rep, err := tr.Report(ctx, "domainA")
		require.NoError(t, err)
		assert.LessOrEqual(t, rep.ExecutedSuccess+rep.ExecutedFailed, rep.TotalPatches)
		assert.Equal(t, rep.TotalPatches, rep.ExecutedSuccess+rep.ExecutedFailed+rep.InProgress+rep.Delivered)
	}
}

func TestRefreshAndCached(t *testing.T) {
	st := newStore(t)
	clock := pulse.NewFakeClock(base)
	tr := New(st, 5, clock, zap.NewNop().Sugar())

	_, ok := tr.Cached("domainA")
	assert.False(t, ok)

	record(t, st, store.Completed, "a.json", base)
	summary(t, st, "a", "", base, base.Add(time.Second))
	require.NoError(t, tr.Refresh(context.Background()))

	repA, ok := tr.Cached("domainA")
	require.True(t, ok)
	assert.Equal(t, 1, repA.ExecutedSuccess)
	repB, ok := tr.Cached("domainB")
	require.True(t, ok)
	assert.Zero(t, repB.TotalPatches)
	assert.Equal(t, base, tr.LastRefresh())

	// the cache holds until the next refresh
	record(t, st, store.Completed, "b.json", base.Add(time.Minute))
	repA, _ = tr.Cached("domainA")
	assert.Equal(t, 1, repA.TotalPatches)
}

func TestReportHonorsCancellation(t *testing.T) {
	st := newStore(t)
	tr := New(st, 5, nil, zap.NewNop().Sugar())
	record(t, st, store.Completed, "a.json", base)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Report(ctx, "domainA")
	assert.ErrorIs(t, err, context.Canceled)
}
