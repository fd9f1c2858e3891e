package spawner

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLaunchPostsExitEventOnCleanExit(t *testing.T) {
	s := New(testLogger(), "/bin/echo")
	if err := s.Launch(Args{IP: "127.0.0.1", Port: 9100, MapID: 1200, InstanceID: 3, CloneID: 0, MaxPlayers: 12}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.MapID != 1200 || ev.InstanceID != 3 {
			t.Fatalf("unexpected exit event: %+v", ev)
		}
		if ev.Err != nil {
			t.Fatalf("expected clean exit, got %v", ev.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestLaunchUnknownBinaryReturnsError(t *testing.T) {
	s := New(testLogger(), "/no/such/binary-should-not-exist")
	err := s.Launch(Args{IP: "127.0.0.1", Port: 9100, MapID: 1, InstanceID: 1, CloneID: 0, MaxPlayers: 1})
	if err == nil {
		t.Fatal("expected error launching nonexistent binary")
	}
}

func TestPackKeyDistinguishesMapAndInstance(t *testing.T) {
	a := packKey(1200, 3)
	b := packKey(1200, 4)
	c := packKey(1300, 3)
	if a == b || a == c || b == c {
		t.Fatalf("expected distinct keys, got a=%d b=%d c=%d", a, b, c)
	}
}
