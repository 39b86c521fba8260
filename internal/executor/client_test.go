package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disburse/internal/domain"
	"disburse/internal/scheduler"
)

var key = domain.PaymentKey{System: domain.SystemDagpenger, CaseID: "C1", DecisionID: "D1"}

func TestSubmitClassifiesResponses(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantErr   bool
		permanent bool
		already   bool
	}{
		{"accepted", http.StatusAccepted, false, false, false},
		{"conflict", http.StatusConflict, true, false, true},
		{"bad request", http.StatusBadRequest, true, true, false},
		{"unavailable", http.StatusServiceUnavailable, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got PaymentOrder
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/payments", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			err := NewClient(srv.URL+"/", time.Second).Submit(context.Background(), PaymentOrder{Key: key, FirstOnCase: true})
			assert.Equal(t, key, got.Key)
			assert.True(t, got.FirstOnCase)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, scheduler.IsPermanent(err))
			assert.Equal(t, tt.already, err == ErrAlreadySubmitted)
		})
	}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var k domain.PaymentKey
		require.NoError(t, json.NewDecoder(r.Body).Decode(&k))
		assert.Equal(t, key, k)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"CONFIRMED_FUNCTIONAL_ERROR","faultText":"invalid account"}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, time.Second).Status(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmedFunctionalError, resp.Status)
	assert.Equal(t, "invalid account", resp.FaultText)
}

func TestTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	err := NewClient(srv.URL, 20*time.Millisecond).Reconcile(context.Background(), ReconcileReport{System: domain.SystemDagpenger, Total: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.False(t, scheduler.IsPermanent(err))
}
