package observability

import (
	"testing"
	"time"

	"github.com/danmuck/sessync/internal/logs"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("relay-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordFrame("out", "patch")
	RecordDroppedFrame("decode")
	RecordReconnect("reconnecting")
	SetConnected(true)
	SetLatency(42)
	AddRelaySockets(1)
	AddRelaySockets(-1)
	RecordRelayForward("patch")

	SetOutboxDepth(3)
	if got := testutil.ToFloat64(outboxDepth); got != 3 {
		t.Fatalf("outbox depth=%v", got)
	}
	if got := testutil.ToFloat64(connected); got != 1 {
		t.Fatalf("connected=%v", got)
	}

	logs.Logf("observability/metrics: registration idempotent and recording paths executed")
}
