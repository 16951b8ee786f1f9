package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessionguard/internal/audit"
	"sessionguard/internal/config"
	"sessionguard/internal/metrics"
	"sessionguard/internal/model"
	"sessionguard/internal/storage"
)

type fakeEngine struct {
	resets int
}

func (f *fakeEngine) Reset()                      { f.resets++ }
func (f *fakeEngine) UpdateConfig(*config.Config) {}

func newTestAPI(t *testing.T) (*httptest.Server, storage.Store, *fakeEngine) {
	t.Helper()
	st := storage.NewMemory()
	eng := &fakeEngine{}
	features := metrics.NewStore(10)
	features.Update("s1", model.FeatureVector{RequestRate: 2, TotalRequests: 5})
	auditStore := audit.NewStore(10)
	auditStore.Add(model.EvaluationResult{SessionID: "s1", Verdict: model.VerdictBlock, Timestamp: time.Now()})

	srv := httptest.NewServer(NewServer(config.NewStaticManager(config.DefaultConfig()), Deps{
		Store:    st,
		Features: features,
		Audit:    auditStore,
		Engine:   eng,
	}, nil, "test").Handler())
	t.Cleanup(srv.Close)
	return srv, st, eng
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	code, body := getJSON(t, srv.URL+"/status")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "disabled", body["classifier"])
	require.NotNil(t, body["stats"])
}

func TestEvaluationsAndBlocks(t *testing.T) {
	srv, st, _ := newTestAPI(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	_, err := st.RecordRequest(ctx, model.RequestEvent{SessionID: "s1", AccountID: "ann", Timestamp: base})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := st.SaveEvaluation(ctx, model.EvaluationResult{
			SessionID: "s1",
			Trigger:   model.TriggerPeriodic,
			Boundary:  i * 5,
			Verdict:   model.VerdictAllow,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	require.NoError(t, st.BlockAccount(ctx, model.AccountBlock{AccountID: "ann", Reason: "critical rate", SessionID: "s1", BlockedAt: base}))

	code, body := getJSON(t, srv.URL+"/evaluations?session_id=s1&since="+base.Add(2*time.Minute).Format(time.RFC3339))
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["count"])

	code, _ = getJSON(t, srv.URL+"/evaluations?since=nonsense")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = getJSON(t, srv.URL+"/accounts/ann/block")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["blocked"])

	code, body = getJSON(t, srv.URL+"/accounts/bob/block")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["blocked"])

	code, body = getJSON(t, srv.URL+"/sessions/s1")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["total_requests"])

	code, _ = getJSON(t, srv.URL+"/sessions/nope")
	require.Equal(t, http.StatusNotFound, code)
}

func TestFeaturesAndRecent(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	code, body := getJSON(t, srv.URL+"/features")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])

	code, _ = getJSON(t, srv.URL+"/features/s1")
	require.Equal(t, http.StatusOK, code)
	code, _ = getJSON(t, srv.URL+"/features/zzz")
	require.Equal(t, http.StatusNotFound, code)

	code, body = getJSON(t, srv.URL+"/evaluations/recent")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["blocks"])
}

func TestClearAndMetrics(t *testing.T) {
	srv, _, eng := newTestAPI(t)
	resp, err := http.Post(srv.URL+"/admin/clear", "application/json", strings.NewReader(`{"target":"all"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, eng.resets)

	resp, err = http.Post(srv.URL+"/admin/clear", "application/json", strings.NewReader(`{"target":"bogus"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "go_goroutines")
}
