package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vendorhub/licensing/internal/rbac"
)

type captureSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *captureSink) Write(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

type panickySink struct{}

func (panickySink) Write(Entry) { panic("sink offline") }

func fixedClock() func() time.Time {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
}

func entryFor(id int64, role rbac.Role, decision Decision, action string) Entry {
	return Entry{PrincipalID: &id, Role: &role, Action: action, Resource: "/licenses", Decision: decision}
}

func TestRecordEvictsOldestBeyondCapacity(t *testing.T) {
	log := NewLog(10, nil, Options{Now: fixedClock()})
	for i := 0; i < 25; i++ {
		log.Record(entryFor(int64(i), rbac.RoleAdmin, DecisionAllowed, fmt.Sprintf("action-%d", i)))
	}

	got := log.Query(Filters{Limit: 25})
	require.Len(t, got, 10)
	require.Equal(t, "action-24", got[0].Action)
	require.Equal(t, "action-15", got[9].Action)
	for _, e := range got {
		require.GreaterOrEqual(t, *e.PrincipalID, int64(15))
	}
	require.Equal(t, 10, log.Len())
}

func TestQueryFilters(t *testing.T) {
	log := NewLog(100, nil, Options{Now: fixedClock()})
	log.Record(entryFor(1, rbac.RoleAdmin, DecisionAllowed, string(rbac.PermLicenseApprove)))
	log.Record(entryFor(5, rbac.RoleVendor, DecisionDenied, string(rbac.PermLicenseApprove)))
	log.Record(entryFor(5, rbac.RoleVendor, DecisionAllowed, string(rbac.PermLicenseRead)))
	log.Record(Entry{Action: string(rbac.PermLicenseRead), Resource: "/licenses/1", Decision: DecisionDenied, Reason: "not authenticated"})

	vendor := rbac.RoleVendor
	id := int64(5)
	require.Len(t, log.Query(Filters{Role: &vendor}), 2)
	require.Len(t, log.Query(Filters{PrincipalID: &id, Decision: DecisionDenied}), 1)
	require.Len(t, log.Query(Filters{Decision: DecisionDenied}), 2)
	require.Len(t, log.Query(Filters{Limit: 1}), 1)

	all := log.Query(Filters{})
	cutoff := all[1].Timestamp
	require.Len(t, log.Query(Filters{From: cutoff}), 2)
	require.Len(t, log.Query(Filters{To: cutoff}), 3)
}

func TestStats(t *testing.T) {
	log := NewLog(100, nil, Options{Now: fixedClock()})
	for i := 0; i < 3; i++ {
		log.Record(entryFor(1, rbac.RoleAdmin, DecisionAllowed, "read-license"))
	}
	for i := 0; i < 12; i++ {
		log.Record(entryFor(5, rbac.RoleVendor, DecisionDenied, fmt.Sprintf("deny-%d", i)))
	}
	log.Record(Entry{Action: "read-license", Decision: DecisionDenied})

	stats := log.Stats()
	require.Equal(t, 16, stats.Total)
	require.Equal(t, 3, stats.Allowed)
	require.Equal(t, 13, stats.Denied)
	require.Equal(t, 1, stats.Unauthenticated)
	require.Equal(t, RoleCounts{Allowed: 3}, stats.ByRole[rbac.RoleAdmin])
	require.Equal(t, RoleCounts{Denied: 12}, stats.ByRole[rbac.RoleVendor])
	require.Len(t, stats.RecentDenials, 10)
	require.Nil(t, stats.RecentDenials[0].PrincipalID)
	require.Equal(t, "deny-11", stats.RecentDenials[1].Action)
}

func TestDetectSuspiciousActivityThreshold(t *testing.T) {
	log := NewLog(100, nil, Options{Now: fixedClock()})
	for i := 0; i < SuspiciousDenyThreshold; i++ {
		log.Record(entryFor(7, rbac.RoleVendor, DecisionDenied, "approve-license"))
	}
	for i := 0; i < SuspiciousDenyThreshold-1; i++ {
		log.Record(entryFor(8, rbac.RoleVendor, DecisionDenied, "approve-license"))
	}
	log.Record(entryFor(8, rbac.RoleVendor, DecisionAllowed, "read-license"))

	report := log.DetectSuspiciousActivity()
	require.Equal(t, []int64{7}, report.SuspiciousPrincipalIDs)
	require.Len(t, report.Patterns, 1)
	require.Contains(t, report.Patterns[0], "principal 7")
	require.Contains(t, report.Patterns[0], "approve-license")
}

func TestClearIsDisabled(t *testing.T) {
	log := NewLog(10, nil, Options{Now: fixedClock()})
	log.Record(entryFor(1, rbac.RoleAdmin, DecisionAllowed, "read-license"))
	require.ErrorIs(t, log.Clear(time.Now().Add(time.Hour)), ErrClearDisabled)
	require.Equal(t, 1, log.Len())
}

func TestRecordSurvivesPanickingSink(t *testing.T) {
	log := NewLog(10, panickySink{}, Options{Now: fixedClock(), Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	require.NotPanics(t, func() {
		log.Record(entryFor(1, rbac.RoleAdmin, DecisionAllowed, "read-license"))
	})
	require.Equal(t, 1, log.Len())
}

func TestRecordMirrorsToSink(t *testing.T) {
	sink := &captureSink{}
	log := NewLog(10, sink, Options{Now: fixedClock()})
	log.Record(entryFor(1, rbac.RoleAdmin, DecisionAllowed, "read-license"))
	require.Len(t, sink.entries, 1)
	require.False(t, sink.entries[0].Timestamp.IsZero())
}

func TestConcurrentRecordKeepsEveryEntry(t *testing.T) {
	log := NewLog(1000, nil, Options{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				log.Record(entryFor(int64(worker), rbac.RoleInspector, DecisionAllowed, "read-license"))
				_ = log.Query(Filters{Limit: 5})
				_ = log.Stats()
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 800, log.Len())
}

func TestExportFormats(t *testing.T) {
	log := NewLog(10, nil, Options{Now: fixedClock()})
	log.Record(entryFor(5, rbac.RoleVendor, DecisionDenied, "approve-license"))

	raw, err := log.Export(Filters{}, FormatJSON)
	require.NoError(t, err)
	var doc struct {
		Count   int              `json:"count"`
		Entries []map[string]any `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, 1, doc.Count)
	require.Equal(t, "DENIED", doc.Entries[0]["decision"])
	require.Equal(t, "VENDOR", doc.Entries[0]["role"])
	require.EqualValues(t, 5, doc.Entries[0]["principalId"])
	_, err = time.Parse(time.RFC3339, doc.Entries[0]["timestamp"].(string))
	require.NoError(t, err)

	csvBytes, err := log.Export(Filters{}, FormatCSV)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvBytes)), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "timestamp,principal_id,role"))

	_, err = log.Export(Filters{}, Format("xml"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestSlogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{w: &buf, mu: &mu}, nil))
	sink := NewSlogSink(logger, 8)
	sink.Write(entryFor(1, rbac.RoleAdmin, DecisionAllowed, "read-license"))
	sink.Write(entryFor(5, rbac.RoleVendor, DecisionDenied, "approve-license"))
	require.NoError(t, sink.Close(context.Background()))

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"level":"INFO"`)
	require.Contains(t, lines[1], `"level":"WARN"`)

	sink.Write(entryFor(1, rbac.RoleAdmin, DecisionAllowed, "read-license"))
	require.Equal(t, uint64(1), sink.Dropped())
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
