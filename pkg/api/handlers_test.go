package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/staticpublish/pkg/config"
	"github.com/ethpandaops/staticpublish/pkg/ledger"
)

type fakeReader struct {
	run       *ledger.Run
	runErr    error
	stats     ledger.Stats
	statsErr  error
	statsAt   time.Time
	messages  []ledger.StatusMessage
	failed    []ledger.Item
	lastLimit int
}

func (f *fakeReader) CurrentRun(context.Context) (*ledger.Run, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}

	if f.run == nil {
		return nil, ledger.ErrNoRun
	}

	return f.run, nil
}

func (f *fakeReader) Stats(_ context.Context, runStart time.Time) (*ledger.Stats, error) {
	f.statsAt = runStart

	if f.statsErr != nil {
		return nil, f.statsErr
	}

	stats := f.stats

	return &stats, nil
}

func (f *fakeReader) ListStatusMessages(context.Context) ([]ledger.StatusMessage, error) {
	return f.messages, nil
}

func (f *fakeReader) ListFailed(_ context.Context, limit int) ([]ledger.Item, error) {
	f.lastLimit = limit

	if len(f.failed) > limit {
		return f.failed[:limit], nil
	}

	return f.failed, nil
}

func newTestServer(reader Reader, cfg config.APIConfig) *server {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewServer(log, &cfg, reader).(*server)
}

func doRequest(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHandleHealth(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeReader{}, config.APIConfig{}).buildRouter(), "/api/v1/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleStatus(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("with run", func(t *testing.T) {
		reader := &fakeReader{
			run:   &ledger.Run{ID: "run-1", StartedAt: started},
			stats: ledger.Stats{Total: 250, Pending: 100, Transferred: 149, Failed: 1},
			messages: []ledger.StatusMessage{
				{Key: "publish_to_s3", Message: "Uploaded 150 of 250 files"},
			},
		}

		rec := doRequest(t, newTestServer(reader, config.APIConfig{}).buildRouter(), "/api/v1/status")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, started, reader.statsAt)

		var resp statusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		require.NotNil(t, resp.Run)
		assert.Equal(t, "run-1", resp.Run.ID)
		assert.Equal(t, int64(100), resp.Stats.Pending)
		assert.Equal(t, "Uploaded 150 of 250 files", resp.Messages["publish_to_s3"])
	})

	t.Run("without run", func(t *testing.T) {
		reader := &fakeReader{}

		rec := doRequest(t, newTestServer(reader, config.APIConfig{}).buildRouter(), "/api/v1/status")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, reader.statsAt.IsZero())

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp["run"])
	})

	t.Run("ledger error", func(t *testing.T) {
		reader := &fakeReader{runErr: errors.New("connection refused")}

		rec := doRequest(t, newTestServer(reader, config.APIConfig{}).buildRouter(), "/api/v1/status")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})
}

func TestHandleFailedItems(t *testing.T) {
	failed := make([]ledger.Item, 0, 5)

	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("post/%d/index.html", i)
		msg := ledger.ErrorPrefix + "auth: s3://site/" + path + ": AccessDenied"

		failed = append(failed, ledger.Item{
			ID:           uint(i + 1),
			URL:          fmt.Sprintf("/post/%d/", i),
			FilePath:     &path,
			ErrorMessage: &msg,
			Attempts:     1,
		})
	}

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
		wantLimit int
	}{
		{name: "default limit", query: "", wantCode: http.StatusOK, wantCount: 5, wantLimit: defaultFailedLimit},
		{name: "explicit limit", query: "?limit=2", wantCode: http.StatusOK, wantCount: 2, wantLimit: 2},
		{name: "capped limit", query: "?limit=50000", wantCode: http.StatusOK, wantCount: 5, wantLimit: maxFailedLimit},
		{name: "zero limit", query: "?limit=0", wantCode: http.StatusBadRequest},
		{name: "invalid limit", query: "?limit=abc", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{failed: failed}

			rec := doRequest(t, newTestServer(reader, config.APIConfig{}).buildRouter(),
				"/api/v1/items/failed"+tt.query)
			require.Equal(t, tt.wantCode, rec.Code)

			if tt.wantCode != http.StatusOK {
				return
			}

			assert.Equal(t, tt.wantLimit, reader.lastLimit)

			var resp struct {
				Items []failedItemResponse `json:"items"`
				Count int                  `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

			assert.Equal(t, tt.wantCount, resp.Count)
			require.Len(t, resp.Items, tt.wantCount)
			assert.Equal(t, "post/0/index.html", resp.Items[0].FilePath)
			assert.Contains(t, resp.Items[0].ErrorMessage, "AccessDenied")
		})
	}
}

func TestCORS(t *testing.T) {
	h := newTestServer(&fakeReader{}, config.APIConfig{
		CORSOrigins: []string{"https://dashboard.example.com"},
	}).buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartStop(t *testing.T) {
	srv := newTestServer(&fakeReader{}, config.APIConfig{Listen: "127.0.0.1:0"})

	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop(), "a second stop must not panic")
}

func TestServer_StopWithoutStart(t *testing.T) {
	srv := newTestServer(&fakeReader{}, config.APIConfig{})

	assert.NotPanics(t, func() {
		require.NoError(t, srv.Stop())
		require.NoError(t, srv.Stop())
	})
}
