package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the-spy-project/spy/internal/github"
)

// newGitHub serves acme/widget whose README endpoint answers with status.
func newGitHub(t *testing.T, status int, readmeCalls *atomic.Int32) *github.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widget", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"full_name":        "acme/widget",
			"description":      "Widgets for everyone",
			"stargazers_count": 1200,
		})
	})
	mux.HandleFunc("/repos/acme/widget/readme", func(w http.ResponseWriter, r *http.Request) {
		readmeCalls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"try later"}`))
	})
	mux.HandleFunc("/repos/acme/widget/languages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"Go": 100})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := github.NewClient(github.WithBaseURL(srv.URL))
	require.NoError(t, err)
	return c
}

func TestIngestReadmeFailureLeavesRecordPending(t *testing.T) {
	tests := []struct {
		name   string
		status int
		calls  int32
		waits  []time.Duration
	}{
		{name: "server error", status: http.StatusServiceUnavailable, calls: 1},
		{name: "rate limited", status: http.StatusTooManyRequests, calls: 2, waits: []time.Duration{time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			store := newFakeStore()
			store.seed("acme/widget", nil)
			s := &sleepRecorder{}
			p := newTestPipeline(store, s,
				WithFetcher(newGitHub(t, tt.status, &calls)),
				WithImages(&fakeImages{}),
				WithRateLimit(time.Minute, 1),
			)

			res := p.Ingest(context.Background())
			assert.True(t, res.Success)
			assert.Zero(t, res.Processed)
			assert.Equal(t, 1, res.Errors)
			assert.Equal(t, tt.calls, calls.Load())
			assert.Equal(t, tt.waits, s.waits)

			r := store.get("acme/widget")
			assert.False(t, r.Ingested)
			assert.Nil(t, r.Stars)
			assert.Nil(t, r.Readme)
		})
	}
}
