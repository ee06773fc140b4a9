package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestLogOperationCountsByStatus(test *testing.T) {
	test.Parallel()
	recorder := NewRecorder()
	ctx := context.Background()
	recorder.LogOperation(ctx, booking.OperationLog{Operation: "create", Status: "ok", Amount: decimal.NewFromInt(90)})
	recorder.LogOperation(ctx, booking.OperationLog{Operation: "create", Status: "ok", Amount: decimal.NewFromInt(10)})
	recorder.LogOperation(ctx, booking.OperationLog{Operation: "create", Status: "error", Amount: decimal.NewFromInt(50), Error: errors.New("conflict")})

	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("create", "ok")); got != 2 {
		test.Fatalf("expected 2 successful creates, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("create", "error")); got != 1 {
		test.Fatalf("expected 1 failed create, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.credits.WithLabelValues("create")); got != 100 {
		test.Fatalf("expected 100 credits, got %v", got)
	}
}

func TestObserveSweep(test *testing.T) {
	test.Parallel()
	recorder := NewRecorder()
	recorder.ObserveSweep("expiration", 3, nil)
	recorder.ObserveSweep("expiration", 0, errors.New("boom"))

	if got := testutil.ToFloat64(recorder.sweepProcessed.WithLabelValues("expiration")); got != 0 {
		test.Fatalf("expected last processed 0, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.sweepRuns.WithLabelValues("expiration", "ok")); got != 1 {
		test.Fatalf("expected one ok run, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.sweepRuns.WithLabelValues("expiration", "error")); got != 1 {
		test.Fatalf("expected one failed run, got %v", got)
	}
}

func TestHandlerServesRegistry(test *testing.T) {
	test.Parallel()
	recorder := NewRecorder()
	recorder.LogOperation(context.Background(), booking.OperationLog{Operation: "grant", Status: "ok"})

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(response.Result().Body)
	if err != nil {
		test.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `gpureserve_operations_total{operation="grant",status="ok"} 1`) {
		test.Fatalf("operation counter missing from exposition:\n%s", body)
	}
}
