package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/fsutil"
	"blaauwpipe/internal/pending"
	"blaauwpipe/internal/pipeline"
	"blaauwpipe/internal/storage"
)

type stubQueue struct {
	mu        sync.Mutex
	submitted []pipeline.Job
	subs      []chan pipeline.Result
	err       error
}

func (q *stubQueue) Submit(job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.submitted = append(q.submitted, job)
	return nil
}

func (q *stubQueue) Subscribe() (<-chan pipeline.Result, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan pipeline.Result, 4)
	q.subs = append(q.subs, ch)
	return ch, func() {}
}

func (q *stubQueue) publish(res pipeline.Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subs {
		ch <- res
	}
}

func (q *stubQueue) subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

type stubLedger struct {
	entries []pending.Entry
	corrupt []error
}

func (l stubLedger) Read() ([]pending.Entry, []error, error) { return l.entries, l.corrupt, nil }

var night = time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *stubQueue, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "blaauwpipe.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ledger := stubLedger{
		entries: []pending.Entry{{
			Night:   night,
			Kind:    frame.Light,
			Frame:   "/data/210304/Reduced/l.fits",
			Raw:     "/data/210304/Raw/l.fits",
			Binning: "1x1",
			Filter:  "V",
			Ages:    frame.Ages{Flat: frame.AgeUnresolved},
			Expires: night.AddDate(0, 0, 365),
		}},
		corrupt: []error{errors.New("row 3: ledger corruption")},
	}
	q := &stubQueue{}
	return NewServer(":0", store, q, ledger, fsutil.NewLayout("/data", ""), nil), q, store
}

func TestHealthAndRuns(t *testing.T) {
	s, _, store := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}

	_ = store.RecordRunQueued(storage.RunRecord{ID: "night-1", Kind: "night", Night: "2021-03-04", Status: "queued"})
	_ = store.RecordRunResult("night-1", "completed", storage.RunCounts{Reduced: 2}, []storage.RunError{{Kind: "IOError", Subject: "a.fits", Message: "short read"}}, "")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/runs?limit=5", nil))
	var runs []storage.RunRecord
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil || len(runs) != 1 || runs[0].Counts.Reduced != 2 {
		t.Fatalf("unexpected runs %+v %v", runs, err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/runs/night-1/errors", nil))
	if !strings.Contains(rec.Body.String(), "short read") {
		t.Fatalf("unexpected run errors %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/runs?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
}

func TestReductionsFilterByNight(t *testing.T) {
	s, _, store := newTestServer(t)
	_ = store.RecordReduction(storage.ReductionRecord{ReducedPath: "/r/a.fits", RawPath: "/raw/a.fits", Night: "210304"})
	_ = store.RecordReduction(storage.ReductionRecord{ReducedPath: "/r/b.fits", RawPath: "/raw/b.fits", Night: "210305"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/reductions?night=210304", nil))
	var recs []storage.ReductionRecord
	if err := json.NewDecoder(rec.Body).Decode(&recs); err != nil || len(recs) != 1 || recs[0].ReducedPath != "/r/a.fits" {
		t.Fatalf("unexpected reductions %+v %v", recs, err)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/reductions?night=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
}

func TestPendingListsLedger(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/pending", nil))
	var body pendingBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].FlatAge != -1 || body.Entries[0].Night != "210304" || body.Entries[0].Expires != "2022-03-04" || body.Entries[0].Kind != "light" {
		t.Fatalf("unexpected entries %+v", body.Entries)
	}
	if len(body.Corrupt) != 1 {
		t.Fatalf("corrupt rows must be reported, got %+v", body.Corrupt)
	}
}

func TestRunEndpointsQueueJobs(t *testing.T) {
	s, q, _ := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/nights/210304/run?only=masters", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/pending/run?today=2021-03-08", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d", rec.Code)
	}
	if len(q.submitted) != 2 {
		t.Fatalf("expected two jobs, got %+v", q.submitted)
	}
	if q.submitted[0].Type != pipeline.JobMasters || !q.submitted[0].Night.Equal(night) {
		t.Fatalf("unexpected night job %+v", q.submitted[0])
	}
	if q.submitted[1].Type != pipeline.JobPending || !q.submitted[1].Today.Equal(night.AddDate(0, 0, 4)) {
		t.Fatalf("unexpected pending job %+v", q.submitted[1])
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/nights/20210304x/run", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for malformed night, got %d", rec.Code)
	}

	q.err = errors.New("job queue is full")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/pending/run", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected unavailable, got %d", rec.Code)
	}
}

func TestWebSocketStreamsResults(t *testing.T) {
	s, q, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for q.subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	q.publish(pipeline.Result{
		Job:  pipeline.Job{ID: "night-1", Type: pipeline.JobNight, Night: night},
		Meta: map[string]any{"reduced": 3},
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got resultView
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != "night-1" || got.Night != "210304" || got.Meta["reduced"] != float64(3) {
		t.Fatalf("unexpected message %+v", got)
	}
}
