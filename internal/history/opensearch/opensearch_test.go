package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/daemonkit/internal/history"
)

func TestSinkPostsEvent(t *testing.T) {
	var gotPath string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sink := New(ts.URL+"/", "idx")
	e := history.Event{Type: history.EventTakeover, OccurredAt: time.Now().UTC(), Identity: "web", PID: 9, Generation: 4}
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, "/idx/_doc", gotPath)
	var m map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &m))
	assert.Equal(t, "takeover", m["type"])
	assert.Equal(t, "web", m["identity"])
	assert.EqualValues(t, 4, m["generation"])
}

func TestSinkDefaultIndexAndErrorStatus(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	err := New(ts.URL, "").Send(context.Background(), history.Event{Type: history.EventExit})
	assert.Error(t, err)
	assert.Equal(t, "/daemon-history/_doc", gotPath)
}
