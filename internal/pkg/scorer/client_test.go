package scorer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/dispatch"
)

func TestFetchCandidateEvents(t *testing.T) {
	from := time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/candidates", r.URL.Path)
		assert.Equal(t, "2026-08-01T15:00:00Z", r.URL.Query().Get("from"))
		assert.Equal(t, "2026-08-02T15:00:00Z", r.URL.Query().Get("to"))
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{"candidates":[
			{"event_id":"A","kickoff_time":"2026-08-01T20:00:00Z","confidence":81.5,"market":"over 2.5","suggested_value":1.8,"generated_at":"2026-08-01T14:00:00Z"},
			{"event_id":"","kickoff_time":"2026-08-01T20:00:00Z","confidence":90},
			{"event_id":"B","confidence":90}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key", time.Second)
	got, err := c.FetchCandidateEvents(context.Background(), dispatch.Window{From: from, To: from.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].EventID)
	assert.InDelta(t, 81.5, got[0].Confidence, 0.001)
	assert.Equal(t, "over 2.5", got[0].Market)
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusBadGateway, "bad gateway", true},
		{"throttled", http.StatusTooManyRequests, "", true},
		{"bad json", http.StatusOK, "{", true},
		{"unauthorized", http.StatusUnauthorized, "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", time.Second).FetchCandidateEvents(context.Background(), dispatch.Window{})
			require.Error(t, err)
			assert.Equal(t, tt.transient, apperror.IsTransient(err))
		})
	}
}

func TestFetchResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/results/A":
			_, _ = w.Write([]byte(`{"status":"FT","home_goals":2,"away_goals":1}`))
		case "/results/B":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", time.Second)

	score, err := c.FetchResult(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.True(t, score.Finished())
	assert.Equal(t, 2, score.HomeGoals)
	assert.Equal(t, 1, score.AwayGoals)

	score, err = c.FetchResult(context.Background(), "B")
	require.NoError(t, err)
	assert.Nil(t, score)

	_, err = c.FetchResult(context.Background(), "C")
	require.Error(t, err)
	assert.True(t, apperror.IsTransient(err))
}

func TestFetchResultWithoutURL(t *testing.T) {
	_, err := NewClient("", "", time.Second).FetchResult(context.Background(), "A")
	assert.Equal(t, apperror.KindConfiguration, apperror.KindOf(err))
}
