package control

import (
	"io"
	"log/slog"
	"testing"

	"github.com/brandobull/wonderland-master/idalloc"
	"github.com/brandobull/wonderland-master/instance"
	"github.com/brandobull/wonderland-master/internal/wire"
	"github.com/brandobull/wonderland-master/session"
	"github.com/brandobull/wonderland-master/spawner"
	"github.com/brandobull/wonderland-master/store"
	"github.com/brandobull/wonderland-master/transport"
)

type fakeBackend struct{ v uint32 }

func (f *fakeBackend) LoadAllocatorHighWater() (uint32, error) { return f.v, nil }
func (f *fakeBackend) SaveAllocatorHighWater(v uint32) error   { f.v = v; return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	log := testLogger()
	tr := transport.New(log)
	sessions := session.NewRegistry()
	reg := instance.NewRegistry()
	sp := spawner.New(log, "/bin/echo")
	mgr := instance.NewManager(log, instance.Config{ChildIP: "10.0.0.5", BasePort: 9100, WorldBinPath: "/bin/echo"}, reg, sp)
	alloc, err := idalloc.Load(&fakeBackend{})
	if err != nil {
		t.Fatalf("load allocator: %v", err)
	}
	db, err := store.Open(":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(log, tr, sessions, mgr, alloc, sp, db)
}

func TestDispatchRequestPersistentIDAllocates(t *testing.T) {
	l := newTestLoop(t)
	peer := transport.SysAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}

	payload := &byteWriterHelper{}
	payload.putU64(7)
	frame := wire.Pack(wire.KindRequestPersistentID, 0, payload.buf)

	before := l.allocator.HighWater()
	l.dispatch(peer, frame)
	after := l.allocator.HighWater()

	if after != before+1 {
		t.Fatalf("expected allocator to advance by 1, got before=%d after=%d", before, after)
	}
}

func TestDispatchSetSessionKeyThenQuery(t *testing.T) {
	l := newTestLoop(t)
	peer := transport.SysAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}

	w := &byteWriterHelper{}
	w.putU32(100)
	w.putFixedString("alice", 12)
	l.dispatch(peer, wire.Pack(wire.KindSetSessionKey, 0, w.buf))

	key, ok := l.sessions.Query("alice")
	if !ok || key != 100 {
		t.Fatalf("expected session registered, got key=%d ok=%v", key, ok)
	}
}

func TestDispatchUnknownSubsystemIgnored(t *testing.T) {
	l := newTestLoop(t)
	peer := transport.SysAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}

	frame := wire.EncodeHeader(wire.Header{Subsystem: 0xFF, Kind: wire.KindRequestPersistentID, Seq: 0})
	before := l.allocator.HighWater()
	l.dispatch(peer, frame)
	if l.allocator.HighWater() != before {
		t.Fatal("expected frame for unknown subsystem to be dropped")
	}
}

func TestDispatchShutdownUniverseSetsFlag(t *testing.T) {
	l := newTestLoop(t)
	peer := transport.SysAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}

	l.dispatch(peer, wire.Pack(wire.KindShutdownUniverse, 0, nil))
	if !l.universeShutdown {
		t.Fatal("expected universeShutdown to be set")
	}
}

func TestDispatchMalformedFrameDropsWithoutPanic(t *testing.T) {
	l := newTestLoop(t)
	peer := transport.SysAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}

	// A frame shorter than the header itself.
	l.dispatch(peer, []byte{1, 2, 3})
}

// TestScenarioS6UniverseShutdownCountdown drives tick() directly (bypassing
// the real-time ticker Run uses) to confirm the loop reports done exactly at
// universeShutdownLimit ticks after SHUTDOWN_UNIVERSE, not before.
func TestScenarioS6UniverseShutdownCountdown(t *testing.T) {
	l := newTestLoop(t)
	peer := transport.SysAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	l.dispatch(peer, wire.Pack(wire.KindShutdownUniverse, 0, nil))

	for i := 0; i < universeShutdownLimit-1; i++ {
		if l.tick() {
			t.Fatalf("tick() reported done early, at iteration %d", i)
		}
	}
	if !l.tick() {
		t.Fatal("expected tick() to report done at universeShutdownLimit")
	}
}

// TestTickPeriodicallySavesAllocator confirms tick() checkpoints the
// Persistent-ID Allocator at allocatorSaveInterval, not only during the
// Shutdown Coordinator's drain — a hard crash between graceful shutdowns
// must not lose more than one interval's worth of allocated IDs.
func TestTickPeriodicallySavesAllocator(t *testing.T) {
	log := testLogger()
	tr := transport.New(log)
	sessions := session.NewRegistry()
	reg := instance.NewRegistry()
	sp := spawner.New(log, "/bin/echo")
	mgr := instance.NewManager(log, instance.Config{ChildIP: "10.0.0.5", BasePort: 9100, WorldBinPath: "/bin/echo"}, reg, sp)
	backend := &fakeBackend{}
	alloc, err := idalloc.Load(backend)
	if err != nil {
		t.Fatalf("load allocator: %v", err)
	}
	db, err := store.Open(":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	l := New(log, tr, sessions, mgr, alloc, sp, db)

	alloc.Allocate()
	alloc.Allocate()
	alloc.Allocate()

	if backend.v != 0 {
		t.Fatalf("expected no save yet, backend at %d", backend.v)
	}

	// Force the interval to have already elapsed without sleeping the test.
	l.lastAllocatorSave = l.lastAllocatorSave.Add(-allocatorSaveInterval - 1)
	l.tick()

	if backend.v != alloc.HighWater() {
		t.Fatalf("expected periodic tick to save high-water mark %d, backend has %d", alloc.HighWater(), backend.v)
	}

	savedAt := l.lastAllocatorSave
	alloc.Allocate()
	l.tick()
	if backend.v != 3 {
		t.Fatalf("expected no save before the next interval elapses, backend advanced to %d", backend.v)
	}
	if !l.lastAllocatorSave.Equal(savedAt) {
		t.Fatal("expected lastAllocatorSave to stay put until the interval elapses again")
	}
}

type fakePublisher struct{ events []instance.Event }

func (f *fakePublisher) Publish(ev instance.Event) { f.events = append(f.events, ev) }

// TestTickForwardsInstanceEventsToPublisher confirms the /instances/watch
// dashboard feed actually fires: a CREATE_PRIVATE_ZONE dispatch launches an
// instance, and the following tick must drain that EventAdded out to
// whatever EventPublisher was wired in with SetPublisher.
func TestTickForwardsInstanceEventsToPublisher(t *testing.T) {
	l := newTestLoop(t)
	pub := &fakePublisher{}
	l.SetPublisher(pub)

	peer := transport.SysAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	w := &byteWriterHelper{}
	w.putU32(1300)
	w.putU32(5)
	w.putU32String("hunter2")
	l.dispatch(peer, wire.Pack(wire.KindCreatePrivateZone, 0, w.buf))

	l.tick()

	if len(pub.events) != 1 || pub.events[0].Kind != instance.EventAdded {
		t.Fatalf("expected exactly one EventAdded forwarded to the publisher, got %+v", pub.events)
	}

	// With no publisher configured, the channel must still drain rather
	// than fill up and start silently dropping events once a dashboard
	// does connect.
	l2 := newTestLoop(t)
	w2 := &byteWriterHelper{}
	w2.putU32(1301)
	w2.putU32(5)
	w2.putU32String("hunter3")
	l2.dispatch(peer, wire.Pack(wire.KindCreatePrivateZone, 0, w2.buf))
	l2.tick()
	select {
	case ev := <-l2.instances.Events():
		t.Fatalf("expected event channel already drained by tick(), got %+v", ev)
	default:
	}
}

// byteWriterHelper mirrors the wire package's private encoding helpers so
// tests can build payloads without exporting internal codec plumbing.
type byteWriterHelper struct{ buf []byte }

func (w *byteWriterHelper) putU32(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (w *byteWriterHelper) putU64(v uint64) {
	for i := 0; i < 8; i++ {
		w.buf = append(w.buf, byte(v>>(8*i)))
	}
}

func (w *byteWriterHelper) putFixedString(s string, n int) {
	raw := make([]byte, n)
	copy(raw, s)
	w.buf = append(w.buf, raw...)
}

func (w *byteWriterHelper) putU32String(s string) {
	w.putU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}
