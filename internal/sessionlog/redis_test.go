package sessionlog

import (
	"testing"
	"time"

	"github.com/nidhogg/recall/internal/retrieval"
)

func TestEventCodec(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	ev := &retrieval.SurfacedEvent{
		SessionID: "s-42",
		Query:     "what did we decide about the database",
		MemoryIDs: []string{"m1", "m7"},
		Scores:    []float64{0.80, 0.41},
		At:        at,
	}

	values, err := encodeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeEvent(values)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s-42" || len(got.MemoryIDs) != 2 || got.MemoryIDs[1] != "m7" {
		t.Errorf("got %+v", got)
	}
	if !got.At.Equal(at) || got.Scores[0] != 0.80 {
		t.Errorf("got %+v", got)
	}
}

func TestEncodeRequiresSession(t *testing.T) {
	if _, err := encodeEvent(&retrieval.SurfacedEvent{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := encodeEvent(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := decodeEvent(map[string]interface{}{}); err == nil {
		t.Error("missing data accepted")
	}
	if _, err := decodeEvent(map[string]interface{}{"data": "{"}); err == nil {
		t.Error("bad json accepted")
	}
}

func TestStreamKey(t *testing.T) {
	if got := StreamKey("abc"); got != "recall:surfaced:abc" {
		t.Errorf("got %q", got)
	}
}
