package stream

import (
	"fmt"
	"reflect"
	"testing"

	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/headers"
)

// recordingEncoder captures what reaches the downstream side of the pipeline.
type recordingEncoder struct {
	events []string
}

func (r *recordingEncoder) EncodeHeaders(h *headers.Map, endStream bool) error {
	r.events = append(r.events, fmt.Sprintf("headers end=%v", endStream))
	return nil
}

func (r *recordingEncoder) EncodeData(data *buffer.Buffer, endStream bool) {
	r.events = append(r.events, fmt.Sprintf("data %q end=%v", data.Bytes(), endStream))
}

func (r *recordingEncoder) EncodeTrailers(h *headers.Map) {
	r.events = append(r.events, "trailers")
}

// testFilter records the events it observes into a shared log and returns
// configurable statuses.
type testFilter struct {
	name string
	log  *[]string

	headersStatus  HeadersStatus
	dataStatus     DataStatus
	trailersStatus TrailersStatus

	decCB  DecoderCallbacks
	encCB  EncoderCallbacks
	resets int
}

func newTestFilter(name string, log *[]string) *testFilter {
	return &testFilter{name: name, log: log}
}

func (f *testFilter) record(event string) { *f.log = append(*f.log, f.name+":"+event) }

func (f *testFilter) OnDecodeHeaders(h *headers.Map, endStream bool) HeadersStatus {
	f.record(fmt.Sprintf("decode-headers end=%v", endStream))
	return f.headersStatus
}

func (f *testFilter) OnDecodeData(data *buffer.Buffer, endStream bool) DataStatus {
	f.record(fmt.Sprintf("decode-data %q end=%v", data.Bytes(), endStream))
	return f.dataStatus
}

func (f *testFilter) OnDecodeTrailers(h *headers.Map) TrailersStatus {
	f.record("decode-trailers")
	return f.trailersStatus
}

func (f *testFilter) SetDecoderCallbacks(cb DecoderCallbacks) { f.decCB = cb }

func (f *testFilter) OnEncodeHeaders(h *headers.Map, endStream bool) HeadersStatus {
	f.record(fmt.Sprintf("encode-headers end=%v", endStream))
	return f.headersStatus
}

func (f *testFilter) OnEncodeData(data *buffer.Buffer, endStream bool) DataStatus {
	f.record(fmt.Sprintf("encode-data %q end=%v", data.Bytes(), endStream))
	return f.dataStatus
}

func (f *testFilter) OnEncodeTrailers(h *headers.Map) TrailersStatus {
	f.record("encode-trailers")
	return f.trailersStatus
}

func (f *testFilter) SetEncoderCallbacks(cb EncoderCallbacks) { f.encCB = cb }

func (f *testFilter) OnReset(reason ResetReason) {
	f.resets++
	f.record("reset " + reason.String())
}

func requestHeaders() *headers.Map {
	h := headers.New()
	h.Set(headers.Method, "GET")
	h.Set(headers.Path, "/")
	return h
}

func TestDecoderChainRunsInInsertionOrder(t *testing.T) {
	var log []string
	fm := NewFilterManager(nil, &recordingEncoder{}, nil)
	fm.AddDecoderFilter(newTestFilter("a", &log))
	fm.AddDecoderFilter(newTestFilter("b", &log))

	fm.DecodeHeaders(requestHeaders(), true)

	want := []string{"a:decode-headers end=true", "b:decode-headers end=true"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("got %v, want %v", log, want)
	}
}

func TestEncoderChainRunsInReverseInsertionOrder(t *testing.T) {
	var log []string
	down := &recordingEncoder{}
	fm := NewFilterManager(nil, down, nil)
	fm.AddEncoderFilter(newTestFilter("a", &log))
	fm.AddEncoderFilter(newTestFilter("b", &log))

	fm.EncodeHeaders(headers.New(), true)

	want := []string{"b:encode-headers end=true", "a:encode-headers end=true"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("got %v, want %v", log, want)
	}
	if len(down.events) != 1 {
		t.Errorf("downstream events = %v, want one headers event", down.events)
	}
}

func TestHeadersStopHoldsDataUntilContinue(t *testing.T) {
	var log []string
	fm := NewFilterManager(nil, &recordingEncoder{}, nil)
	stopper := newTestFilter("stop", &log)
	stopper.headersStatus = HeadersStopIteration
	terminal := newTestFilter("terminal", &log)
	fm.AddDecoderFilter(stopper)
	fm.AddDecoderFilter(terminal)

	fm.DecodeHeaders(requestHeaders(), false)

	body := new(buffer.Buffer)
	body.AddString("hello")
	fm.DecodeData(body, true)

	if got := len(log); got != 1 {
		t.Fatalf("terminal saw events before continue: %v", log)
	}
	if buf := stopper.decCB.DecodingBuffer(); buf == nil || string(buf.Bytes()) != "hello" {
		t.Fatalf("held buffer not exposed to stopped filter: %v", buf)
	}

	log = nil
	stopper.decCB.ContinueDecoding()

	want := []string{
		"terminal:decode-headers end=false",
		`terminal:decode-data "hello" end=true`,
	}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("after continue got %v, want %v", log, want)
	}
}

func TestDataStopAndBufferAccumulates(t *testing.T) {
	var log []string
	fm := NewFilterManager(nil, &recordingEncoder{}, nil)
	stopper := newTestFilter("stop", &log)
	stopper.dataStatus = DataStopAndBuffer
	terminal := newTestFilter("terminal", &log)
	fm.AddDecoderFilter(stopper)
	fm.AddDecoderFilter(terminal)

	fm.DecodeHeaders(requestHeaders(), false)

	first := new(buffer.Buffer)
	first.AddString("part1 ")
	fm.DecodeData(first, false)

	second := new(buffer.Buffer)
	second.AddString("part2")
	fm.DecodeData(second, true)

	if buf := stopper.decCB.DecodingBuffer(); buf == nil || string(buf.Bytes()) != "part1 part2" {
		t.Fatalf("buffered = %v, want accumulated body", buf)
	}

	log = nil
	stopper.dataStatus = DataContinue
	stopper.decCB.ContinueDecoding()

	want := []string{`terminal:decode-data "part1 part2" end=true`}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("after continue got %v, want %v", log, want)
	}
}

func TestDataStopNoBufferDiscards(t *testing.T) {
	var log []string
	fm := NewFilterManager(nil, &recordingEncoder{}, nil)
	stopper := newTestFilter("stop", &log)
	stopper.dataStatus = DataStopNoBuffer
	terminal := newTestFilter("terminal", &log)
	fm.AddDecoderFilter(stopper)
	fm.AddDecoderFilter(terminal)

	fm.DecodeHeaders(requestHeaders(), false)

	body := new(buffer.Buffer)
	body.AddString("dropped")
	fm.DecodeData(body, false)

	tail := new(buffer.Buffer)
	tail.AddString("also dropped")
	fm.DecodeData(tail, true)

	if buf := stopper.decCB.DecodingBuffer(); buf != nil && buf.Length() > 0 {
		t.Errorf("data buffered despite no-buffer stop: %q", buf.Bytes())
	}

	log = nil
	stopper.dataStatus = DataContinue
	stopper.decCB.ContinueDecoding()

	// The end-of-stream signal survives even though the bytes were dropped.
	want := []string{`terminal:decode-data "" end=true`}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("after continue got %v, want %v", log, want)
	}
}

func TestTrailersDelivery(t *testing.T) {
	var log []string
	fm := NewFilterManager(nil, &recordingEncoder{}, nil)
	fm.AddDecoderFilter(newTestFilter("a", &log))
	fm.AddDecoderFilter(newTestFilter("b", &log))

	fm.DecodeHeaders(requestHeaders(), false)
	fm.DecodeTrailers(headers.New())

	want := []string{
		"a:decode-headers end=false",
		"b:decode-headers end=false",
		"a:decode-trailers",
		"b:decode-trailers",
	}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("got %v, want %v", log, want)
	}
}

func TestTrailersHeldWhileStopped(t *testing.T) {
	var log []string
	fm := NewFilterManager(nil, &recordingEncoder{}, nil)
	stopper := newTestFilter("stop", &log)
	stopper.dataStatus = DataStopAndBuffer
	terminal := newTestFilter("terminal", &log)
	fm.AddDecoderFilter(stopper)
	fm.AddDecoderFilter(terminal)

	fm.DecodeHeaders(requestHeaders(), false)
	body := new(buffer.Buffer)
	body.AddString("body")
	fm.DecodeData(body, false)
	fm.DecodeTrailers(headers.New())

	log = nil
	stopper.dataStatus = DataContinue
	stopper.decCB.ContinueDecoding()

	// Body is delivered with end=false because trailers follow.
	want := []string{
		`terminal:decode-data "body" end=false`,
		"terminal:decode-trailers",
	}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("after continue got %v, want %v", log, want)
	}
}

func TestDecoderFilterCanAnswerDirectly(t *testing.T) {
	var log []string
	down := &recordingEncoder{}
	fm := NewFilterManager(nil, down, nil)
	responder := newTestFilter("responder", &log)
	encFilter := newTestFilter("enc", &log)
	fm.AddDecoderFilter(responder)
	fm.AddEncoderFilter(encFilter)

	fm.DecodeHeaders(requestHeaders(), true)

	resp := headers.New()
	resp.Set(headers.Status, "404")
	responder.decCB.EncodeHeaders(resp, true)

	if len(down.events) != 1 || down.events[0] != "headers end=true" {
		t.Errorf("downstream = %v, want a single headers event", down.events)
	}
	found := false
	for _, e := range log {
		if e == "enc:encode-headers end=true" {
			found = true
		}
	}
	if !found {
		t.Errorf("encoder filter never saw the local response: %v", log)
	}
}

func TestResetPropagatesOncePerFilter(t *testing.T) {
	var log []string
	var reason ResetReason = -1
	fm := NewFilterManager(nil, &recordingEncoder{}, func(r ResetReason) { reason = r })
	combined := newTestFilter("combined", &log)
	dec := newTestFilter("dec", &log)
	fm.AddFilter(combined)
	fm.AddDecoderFilter(dec)

	fm.OnReset(ResetRemote)
	fm.OnReset(ResetLocal)

	if combined.resets != 1 {
		t.Errorf("combined filter resets = %d, want 1", combined.resets)
	}
	if dec.resets != 1 {
		t.Errorf("decoder filter resets = %d, want 1", dec.resets)
	}
	if reason != ResetRemote {
		t.Errorf("destroy reason = %v, want remote reset", reason)
	}
}

func TestEncoderStopAndContinue(t *testing.T) {
	var log []string
	down := &recordingEncoder{}
	fm := NewFilterManager(nil, down, nil)
	stopper := newTestFilter("stop", &log)
	stopper.headersStatus = HeadersStopIteration
	fm.AddEncoderFilter(stopper)

	fm.EncodeHeaders(headers.New(), false)
	body := new(buffer.Buffer)
	body.AddString("late")
	fm.EncodeData(body, true)

	if len(down.events) != 0 {
		t.Fatalf("downstream saw events while stopped: %v", down.events)
	}

	stopper.headersStatus = HeadersContinue
	stopper.encCB.ContinueEncoding()

	want := []string{"headers end=false", `data "late" end=true`}
	if !reflect.DeepEqual(down.events, want) {
		t.Errorf("downstream = %v, want %v", down.events, want)
	}
}

func TestResponseFlagShortString(t *testing.T) {
	tests := []struct {
		name  string
		flags ResponseFlag
		want  string
	}{
		{"none", 0, "-"},
		{"single", FlagNoHealthyUpstream, "UH"},
		{"multiple in code order", FlagUpstreamConnectionFailure | FlagNoRouteFound, "UF,NR"},
		{"timeout and reset", FlagUpstreamRequestTimeout | FlagLocalReset, "UT,LR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.flags.ShortString(); got != tt.want {
				t.Errorf("ShortString() = %q, want %q", got, tt.want)
			}
		})
	}
}
