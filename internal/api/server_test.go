package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disburse/internal/domain"
	"disburse/internal/instruction"
	"disburse/internal/metrics"
	"disburse/internal/queue"
	"disburse/internal/scheduler"
	"disburse/internal/store"
	"disburse/internal/store/storetest"
)

const instructionBody = `{
  "system": "DAGPENGER", "caseId": "C1", "decisionId": "D1",
  "beneficiaryId": "12345678910", "caseWorkerId": "Z111111", "approverId": "Z222222",
  "decidedAt": "2024-05-01T10:00:00Z",
  "periods": [{"class": "DPORAS", "from": "2024-01-01", "to": "2024-01-31", "amount": "500"}]
}`

func newTestServer(t *testing.T) (*httptest.Server, *store.DB) {
	t.Helper()
	db := storetest.New(t)
	srv := httptest.NewServer(NewServer(db, instruction.NewService(db), scheduler.DefaultPolicies()))
	t.Cleanup(srv.Close)
	return srv, db
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "Z999999")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestCreateAndGetInstruction(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/instructions", instructionBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created instructionResp
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, domain.PaymentQueued, created.Status)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/instructions", instructionBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/api/instructions/DAGPENGER/C1/D1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got instructionResp
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.ID, got.ID)
	require.Len(t, got.Periods, 1)
	assert.Equal(t, domain.RateMonthly, got.Periods[0].RateType)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/instructions/DAGPENGER/C1/D1?instructionId=X", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/instructions/AAP/C1/D1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateInstructionValidationError(t *testing.T) {
	srv, _ := newTestServer(t)

	bad := bytes.Replace([]byte(instructionBody), []byte(`"12345678910"`), []byte(`"123"`), 1)
	resp, body := do(t, http.MethodPost, srv.URL+"/api/instructions", string(bad))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e errorResp
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "beneficiaryId", e.Field)
	assert.NotEmpty(t, e.Msg)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/instructions", "{")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskAdmin(t *testing.T) {
	srv, db := newTestServer(t)
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/instructions", instructionBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/tasks?status=IN_PROGRESS,FAIL&kind=SUBMIT&pageSize=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var list listTasksResp
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, 5, list.PageSize)
	id := list.Tasks[0].ID

	require.NoError(t, queue.New(db).Manual(context.Background(), mustGet(t, db, id), "needs a look"))

	resp, body = do(t, http.MethodPatch, srv.URL+"/api/tasks/"+id, `{"status":"FAIL","message":"retry after fix"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated taskResp
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, domain.StatusFail, updated.Status)
	assert.Equal(t, "retry after fix", updated.Message)
	assert.True(t, updated.ScheduledFor.After(updated.UpdatedAt))

	resp, body = do(t, http.MethodPut, srv.URL+"/api/tasks/"+id+"/rerun", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rerun taskResp
	require.NoError(t, json.Unmarshal(body, &rerun))
	assert.Equal(t, domain.StatusInProgress, rerun.Status)
	assert.Zero(t, rerun.Attempt)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/tasks/"+id+"/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []historyResp
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 4)
	assert.Equal(t, domain.StatusInProgress, history[0].Status)
	assert.Equal(t, domain.StatusManual, history[1].Status)
	assert.Equal(t, "Z999999", history[2].Actor)
	assert.Equal(t, "Z999999", history[3].Actor)
}

func mustGet(t *testing.T, db *store.DB, id string) domain.Task {
	t.Helper()
	task, err := queue.New(db).Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestTaskAdminErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/tasks?status=DONE", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/tasks?after=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/tasks/tsk_missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPut, srv.URL+"/api/tasks/tsk_missing/rerun", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPatch, srv.URL+"/api/tasks/tsk_missing", `{"status":"COMPLETE"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPatch, srv.URL+"/api/tasks/tsk_missing", `{"status":"PAUSED"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/tasks/tsk_missing/history", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	metrics.Register()
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, _ = do(t, http.MethodGet, srv.URL+"/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
