package transport

import "testing"

// TestStreamIDGapsOpenIntervening checks that opening stream 8 (bidi)
// without 0 and 4 having been referenced yet must open
// 0 and 4 first, in order, each with its own open callback.
func TestStreamIDGapsOpenIntervening(t *testing.T) {
	var m streamMap
	m.init(16, 16)

	var openedIDs []uint64
	st, err := m.openPeer(8, true, 16, func(s *Stream) { openedIDs = append(openedIDs, s.id) })
	if err != nil {
		t.Fatalf("openPeer: %v", err)
	}
	if st == nil || st.id != 8 {
		t.Fatalf("openPeer returned %+v, want stream 8", st)
	}
	if want := []uint64{0, 4, 8}; !equalU64(openedIDs, want) {
		t.Fatalf("opened order = %v, want %v", openedIDs, want)
	}
	for _, id := range []uint64{0, 4, 8} {
		if m.get(id) == nil {
			t.Fatalf("stream %d not registered in the map", id)
		}
	}
}

func TestStreamIDGapReapedLowerIDIsNoop(t *testing.T) {
	var m streamMap
	m.init(16, 16)
	var opens int
	m.openPeer(4, true, 16, func(*Stream) { opens++ })
	if opens != 2 { // opens 0 and 4
		t.Fatalf("first openPeer(4) opened %d streams, want 2", opens)
	}
	// Simulate the connection having reaped stream 0 after it finished,
	// while nextPeerBidi still remembers it was already passed.
	delete(m.streams, 0)

	st, err := m.openPeer(0, true, 16, func(*Stream) { opens++ })
	if err != nil {
		t.Fatalf("openPeer: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil for an already-passed, reaped lower stream id, got %+v", st)
	}
	if opens != 2 {
		t.Fatalf("re-referencing a reaped lower id must not fire more opens, opens=%d", opens)
	}
}

func TestStreamIDGapRejectsBeyondLimit(t *testing.T) {
	var m streamMap
	m.init(16, 16)
	_, err := m.openPeer(40, true, 2, func(*Stream) {}) // streamIndex(40)=10 >= localLimit(2)
	if err == nil {
		t.Fatal("expected a stream-limit error")
	}
}

func TestStreamWriteThenClose(t *testing.T) {
	st := newStream(makeStreamID(0, true, true), true, true)
	n, err := st.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("Write returned n=%d, want 5", n)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !st.finWritten {
		t.Fatal("Close must mark finWritten")
	}
	// A second Close is a harmless no-op.
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	// Writing after Close must fail.
	if _, err := st.Write([]byte("more")); err == nil {
		t.Fatal("expected write-after-close to fail")
	}
}

func TestStreamWriteRejectsReceiveOnlyDirection(t *testing.T) {
	// A peer-initiated unidirectional stream cannot be sent on locally.
	st := newStream(makeStreamID(0, false, false), false, false)
	if st.canSendData() {
		t.Fatal("peer-initiated uni stream must not be locally sendable")
	}
	if _, err := st.Write([]byte("x")); err == nil {
		t.Fatal("expected Write to fail on a receive-only stream")
	}
}

func equalU64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
