package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || storeCommandsTotal == nil ||
		sessionsCreatedTotal == nil || urlClaimsTotal == nil || postponedOpsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveStoreCommand(t *testing.T) {
	before := testutil.ToFloat64(storeCommandsTotalFor("hincrby", "ok"))
	ObserveStoreCommand("hincrby", "ok", 2*time.Millisecond)
	ObserveStoreCommand("hincrby", "ok", 0)

	if got := testutil.ToFloat64(storeCommandsTotalFor("hincrby", "ok")); got != before+2 {
		t.Errorf("expected store command counter %f, got %f", before+2, got)
	}
	if n := testutil.CollectAndCount(storeCommandSeconds); n == 0 {
		t.Error("expected store command latency to be observed")
	}
}

func TestObserveSessionLifecycle(t *testing.T) {
	Init()
	created := testutil.ToFloat64(sessionsCreatedTotal)
	removed := testutil.ToFloat64(sessionsRemovedTotal)

	ObserveSessionCreated()
	ObserveSessionRemoved()
	ObserveClaim("conflict")
	ObservePostponed("pop", "miss")

	if got := testutil.ToFloat64(sessionsCreatedTotal); got != created+1 {
		t.Errorf("sessions created = %f, want %f", got, created+1)
	}
	if got := testutil.ToFloat64(sessionsRemovedTotal); got != removed+1 {
		t.Errorf("sessions removed = %f, want %f", got, removed+1)
	}
	if got := testutil.ToFloat64(urlClaimsTotal.WithLabelValues("conflict")); got < 1 {
		t.Errorf("expected conflict claim to be counted, got %f", got)
	}
	if got := testutil.ToFloat64(postponedOpsTotal.WithLabelValues("pop", "miss")); got < 1 {
		t.Errorf("expected pop miss to be counted, got %f", got)
	}
}

func storeCommandsTotalFor(command, result string) prometheus.Counter {
	Init()
	return storeCommandsTotal.WithLabelValues(command, result)
}

func TestObserveArchive(t *testing.T) {
	Init()
	before := testutil.ToFloat64(archivesTotal.WithLabelValues("archived"))

	ObserveArchive("archived", 1024)
	ObserveArchive("still_running", 0)

	if got := testutil.ToFloat64(archivesTotal.WithLabelValues("archived")); got != before+1 {
		t.Errorf("archives = %f, want %f", got, before+1)
	}
	if n := testutil.CollectAndCount(archiveBytes); n != 1 {
		t.Errorf("expected one snapshot size histogram, got %d", n)
	}
}
