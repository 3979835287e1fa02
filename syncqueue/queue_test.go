package syncqueue

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolhub/sessionkeeper/authtest"
	"github.com/schoolhub/sessionkeeper/client"
	"github.com/schoolhub/sessionkeeper/session"
	"github.com/schoolhub/sessionkeeper/storage/memory"
)

type switchProbe struct{ online atomic.Bool }

func (p *switchProbe) IsOnline(context.Context) bool { return p.online.Load() }

type fixture struct {
	srv     *authtest.Server
	client  *client.Client
	probe   *switchProbe
	durable *memory.Store
	queue   *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := authtest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser("teacher@school.org", "", "teacher", "Ada Teacher")

	f := &fixture{srv: srv, probe: &switchProbe{}, durable: memory.New()}
	f.probe.online.Store(true)
	logger := slog.New(slog.DiscardHandler)
	c, err := client.New(srv.URL, f.durable, client.WithProbe(f.probe), client.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, err = c.Login(t.Context(), "teacher@school.org", authtest.DefaultPassword)
	require.NoError(t, err)
	f.client = c
	f.queue = New(f.durable, c, f.probe, c.Store(), WithLogger(logger), WithAttempts(2))
	return f
}

var present = map[string]string{"s-1": "present", "s-2": "absent"}

func TestEnqueue_CreateThenUpdate(t *testing.T) {
	f := newFixture(t)

	rec, err := f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)
	require.Equal(t, OpCreate, rec.Operation)
	require.Equal(t, StatusPending, rec.Status)

	// Rewriting an unsynced CREATE keeps it a CREATE.
	rec, err = f.queue.Enqueue("class-7a", "2026-03-02", map[string]string{"s-1": "late"})
	require.NoError(t, err)
	require.Equal(t, OpCreate, rec.Operation)

	_, err = f.queue.Flush(t.Context())
	require.NoError(t, err)

	// Once synced, further edits are UPDATEs.
	rec, err = f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)
	require.Equal(t, OpUpdate, rec.Operation)
	require.Equal(t, StatusPending, rec.Status)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		classID string
		date    string
		entries map[string]string
	}{
		{"missing class", "", "2026-03-02", present},
		{"class with slash", "7a/b", "2026-03-02", present},
		{"bad date", "class-7a", "02/03/2026", present},
		{"no entries", "class-7a", "2026-03-02", nil},
		{"unknown status", "class-7a", "2026-03-02", map[string]string{"s-1": "sleeping"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.queue.Enqueue(tt.classID, tt.date, tt.entries)
			require.ErrorIs(t, err, session.ErrInvalidInput)
		})
	}
	all, err := f.queue.List()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestFlush_PushesPendingRecords(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)
	_, err = f.queue.Enqueue("class-7b", "2026-03-02", map[string]string{"s-9": "excused"})
	require.NoError(t, err)

	res, err := f.queue.Flush(t.Context())
	require.NoError(t, err)
	require.Equal(t, FlushResult{Synced: 2}, res)

	got, ok := f.srv.Attendance("class-7a", "2026-03-02")
	require.True(t, ok)
	require.Equal(t, present, got.Entries)

	pending, err := f.queue.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)

	// Nothing left to do.
	calls := f.srv.AttendanceCalls()
	res, err = f.queue.Flush(t.Context())
	require.NoError(t, err)
	require.Zero(t, res.Synced)
	require.Equal(t, calls, f.srv.AttendanceCalls())
}

func TestFlush_UpdateUsesPut(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)
	_, err = f.queue.Flush(t.Context())
	require.NoError(t, err)

	changed := map[string]string{"s-1": "absent", "s-2": "absent"}
	_, err = f.queue.Enqueue("class-7a", "2026-03-02", changed)
	require.NoError(t, err)
	_, err = f.queue.Flush(t.Context())
	require.NoError(t, err)

	got, ok := f.srv.Attendance("class-7a", "2026-03-02")
	require.True(t, ok)
	require.Equal(t, changed, got.Entries)
	rec, err := f.queue.Get("class-7a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.Status)
}

func TestFlush_Offline(t *testing.T) {
	f := newFixture(t)
	f.probe.online.Store(false)
	_, err := f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err, "recording works offline")

	_, err = f.queue.Flush(t.Context())
	require.ErrorIs(t, err, ErrSyncUnavailable)
	require.Zero(t, f.srv.AttendanceCalls())
}

func TestFlush_OfflineSessionWaits(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Logout(t.Context()))
	f.probe.online.Store(false)
	_, err := f.client.Login(t.Context(), "teacher@school.org", "whatever")
	require.NoError(t, err)
	require.Equal(t, session.StatusOfflineAuthenticated, f.client.Store().Status())
	_, err = f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)

	// Connectivity returns, but the session has not been revalidated.
	f.probe.online.Store(true)
	_, err = f.queue.Flush(t.Context())
	require.ErrorIs(t, err, ErrSyncUnavailable)
	require.Equal(t, session.StatusOfflineAuthenticated, f.client.Store().Status())

	_, err = f.client.Login(t.Context(), "teacher@school.org", authtest.DefaultPassword)
	require.NoError(t, err)
	res, err := f.queue.Flush(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
}

func TestFlush_ServerErrorKeepsRecordPending(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)

	f.srv.SetAttendanceStatus(http.StatusServiceUnavailable)
	res, err := f.queue.Flush(t.Context())
	require.Error(t, err)
	require.Equal(t, FlushResult{Failed: 1}, res)
	require.Equal(t, 2, f.srv.AttendanceCalls(), "5xx is retried")

	rec, err := f.queue.Get("class-7a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.NotEmpty(t, rec.LastError)

	f.srv.SetAttendanceStatus(0)
	res, err = f.queue.Flush(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	rec, err = f.queue.Get("class-7a", "2026-03-02")
	require.NoError(t, err)
	require.Zero(t, rec.Attempts)
	require.Empty(t, rec.LastError)
}

func TestFlush_ClientErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)

	f.srv.SetAttendanceStatus(http.StatusUnprocessableEntity)
	_, err = f.queue.Flush(t.Context())
	require.Error(t, err)
	require.Equal(t, 1, f.srv.AttendanceCalls())
}

func TestFlush_RenewsExpiredToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)

	f.srv.ExpireAccessTokens()
	res, err := f.queue.Flush(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, 1, f.srv.RefreshCalls())
}

func TestMarkSynced_SkipsNewerWrite(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.queue.now = func() time.Time { return now }

	rec, err := f.queue.Enqueue("class-7a", "2026-03-02", present)
	require.NoError(t, err)

	// The record is edited while its first version is in flight.
	now = now.Add(time.Minute)
	_, err = f.queue.Enqueue("class-7a", "2026-03-02", map[string]string{"s-1": "late"})
	require.NoError(t, err)

	require.NoError(t, f.queue.markSynced(*rec))
	cur, err := f.queue.Get("class-7a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, StatusPending, cur.Status)
	require.Equal(t, "late", cur.Entries["s-1"])
}

func TestList_Ordered(t *testing.T) {
	f := newFixture(t)
	for _, k := range [][2]string{{"class-7b", "2026-03-01"}, {"class-7a", "2026-03-02"}, {"class-7a", "2026-03-01"}} {
		_, err := f.queue.Enqueue(k[0], k[1], present)
		require.NoError(t, err)
	}
	all, err := f.queue.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "class-7a", all[0].ClassID)
	require.Equal(t, "2026-03-01", all[0].Date)
	require.Equal(t, "2026-03-02", all[1].Date)
	require.Equal(t, "class-7b", all[2].ClassID)

	_, err = f.queue.Get("class-9z", "2026-03-01")
	require.ErrorIs(t, err, ErrNotFound)
}
