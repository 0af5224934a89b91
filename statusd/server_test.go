package statusd

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/splatpipe/store"
)

func testServer(t *testing.T) (*httptest.Server, *store.Index) {
	t.Helper()
	ix, err := store.OpenIndex(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })

	s := New(ix, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)
	return srv, ix
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestListAndGetJobs(t *testing.T) {
	srv, ix := testServer(t)

	rec := store.JobRecord{
		ID: "job-1", Prompt: "a fjord at dawn",
		Stage: "reconstructing", Status: "running",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := ix.Upsert(rec); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/jobs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var recs []store.JobRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "job-1" {
		t.Fatalf("jobs = %+v", recs)
	}

	resp2, err := http.Get(srv.URL + "/jobs/job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var got store.JobRecord
	if err := json.NewDecoder(resp2.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Prompt != rec.Prompt || got.Status != "running" {
		t.Fatalf("job = %+v", got)
	}
}

func TestGetUnknownJob(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/jobs/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListEmptyIsJSONArray(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/jobs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var recs []store.JobRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		t.Fatalf("body %q: %v", body, err)
	}
	if recs == nil {
		t.Fatal("empty list must encode as [], not null")
	}
}
