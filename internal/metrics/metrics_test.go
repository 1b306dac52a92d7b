package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordInference(t *testing.T) {
	before := testutil.ToFloat64(InferenceTokensTotal)
	RecordInference(3, 5*time.Millisecond)
	after := testutil.ToFloat64(InferenceTokensTotal)

	if after-before != 3 {
		t.Errorf("expected counter to advance by 3, got %v", after-before)
	}
}

func TestRecordKernel(t *testing.T) {
	// Should not panic for arbitrary kernel labels
	RecordKernel("matvec", time.Millisecond)
	RecordKernel("rmsnorm", time.Microsecond)
	RecordKernel("attention", 2*time.Millisecond)
}

func TestRecordKVCacheStats(t *testing.T) {
	RecordKVCacheStats(4096, 1024)

	if got := testutil.ToFloat64(KVCacheCapacityBytes); got != 4096 {
		t.Errorf("capacity gauge = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(KVCacheUsedBytes); got != 1024 {
		t.Errorf("used gauge = %v, want 1024", got)
	}
}

func TestPageCacheCounters(t *testing.T) {
	before := testutil.ToFloat64(PageFaultsTotal)
	PageFaultsTotal.Inc()
	if got := testutil.ToFloat64(PageFaultsTotal); got != before+1 {
		t.Errorf("fault counter = %v, want %v", got, before+1)
	}

	PinnedFrames.Set(2)
	if got := testutil.ToFloat64(PinnedFrames); got != 2 {
		t.Errorf("pinned frames gauge = %v, want 2", got)
	}
	PinnedFrames.Set(0)
}
