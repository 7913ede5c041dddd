package tracing

import "testing"

func TestNewRequestIDIsTraceable(t *testing.T) {
	id := NewRequestID()
	if len(id) != 36 {
		t.Fatalf("id length = %d: %q", len(id), id)
	}
	if id[uuidVersionIndex] != '4' {
		t.Errorf("version nibble = %c", id[uuidVersionIndex])
	}
	if !Traceable(id) {
		t.Error("fresh id should be traceable")
	}
	if StatusOf(id) != TraceSampled {
		t.Errorf("status = %v, want sampled", StatusOf(id))
	}
}

func TestSetTraceStatus(t *testing.T) {
	id := NewRequestID()

	forced := SetTraceStatus(id, TraceForced)
	if StatusOf(forced) != TraceForced {
		t.Errorf("forced status = %v", StatusOf(forced))
	}
	if !Traceable(forced) {
		t.Error("forced id should be traceable")
	}

	off := SetTraceStatus(id, TraceNo)
	if StatusOf(off) != TraceNo {
		t.Errorf("no-trace status = %v", StatusOf(off))
	}
	if Traceable(off) {
		t.Error("no-trace id should not be traceable")
	}

	back := SetTraceStatus(off, TraceSampled)
	if StatusOf(back) != TraceSampled {
		t.Errorf("sampled status = %v", StatusOf(back))
	}

	// Only the version nibble may change.
	if forced[:14] != id[:14] || forced[15:] != id[15:] {
		t.Errorf("bytes outside the nibble changed: %q vs %q", id, forced)
	}
}

func TestSetTraceStatusMalformed(t *testing.T) {
	if got := SetTraceStatus("short", TraceForced); got != "short" {
		t.Errorf("malformed id rewritten: %q", got)
	}
	if Traceable("not-a-uuid") {
		t.Error("malformed id should not be traceable")
	}
}
