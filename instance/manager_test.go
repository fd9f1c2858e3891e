package instance

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/brandobull/wonderland-master/internal/wire"
	"github.com/brandobull/wonderland-master/spawner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *Registry) {
	t.Helper()
	reg := NewRegistry()
	sp := spawner.New(testLogger(), "/bin/echo")
	mgr := NewManager(testLogger(), Config{ChildIP: "10.0.0.5", BasePort: 9100, WorldBinPath: "/bin/echo"}, reg, sp)
	return mgr, reg
}

// TestScenarioS1ColdZoneTransfer exercises a cold zone transfer: no
// existing instance, so one is launched and the request queues until
// WORLD_READY arrives.
func TestScenarioS1ColdZoneTransfer(t *testing.T) {
	mgr, reg := newTestManager(t)
	requester := addrN(9)

	out, err := mgr.HandleRequestZoneTransfer(requester, wire.RequestZoneTransfer{RequestID: 7, MythranShift: false, ZoneID: 1200, CloneID: 0})
	if err != nil {
		t.Fatalf("request zone transfer: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no immediate outbound while instance is not ready, got %+v", out)
	}

	insts := reg.FindByMapID(1200)
	if len(insts) != 1 {
		t.Fatalf("expected one spawned instance, got %d", len(insts))
	}
	inst := insts[0]
	if len(inst.PendingRequests) != 1 {
		t.Fatalf("expected request to sit in pendingRequests, got %d", len(inst.PendingRequests))
	}

	childPeer := addrN(50)
	out = mgr.HandleWorldReady(childPeer, wire.WorldReady{ZoneID: 1200, InstanceID: inst.InstanceID})
	if len(out) != 1 || out[0].Kind != wire.KindPrepZone {
		t.Fatalf("expected PREP_ZONE sent to the instance, got %+v", out)
	}
	if out[0].Peer != childPeer {
		t.Fatalf("expected PREP_ZONE addressed to the instance's sysAddr, got %+v", out[0].Peer)
	}
	if len(inst.PendingRequests) != 0 {
		t.Fatalf("pendingRequests should be drained after WORLD_READY, got %d", len(inst.PendingRequests))
	}
	if len(inst.PendingAffirmations) != 1 {
		t.Fatalf("expected request moved to pendingAffirmations, got %d", len(inst.PendingAffirmations))
	}

	out = mgr.HandleAffirmTransferResponse(childPeer, wire.AffirmTransferResponse{RequestID: 7})
	if len(out) != 1 || out[0].Kind != wire.KindZoneTransferResponse {
		t.Fatalf("expected ZONE_TRANSFER_RESPONSE, got %+v", out)
	}
	if out[0].Peer != requester {
		t.Fatalf("expected response sent to original requester, got %+v", out[0].Peer)
	}
}

// TestScenarioS3PrivateZone exercises private-zone creation and
// resolution by password, bypassing the affirmation handshake.
func TestScenarioS3PrivateZone(t *testing.T) {
	mgr, reg := newTestManager(t)

	if err := mgr.HandleCreatePrivateZone(wire.CreatePrivateZone{MapID: 1300, CloneID: 5, Password: "hunter2"}); err != nil {
		t.Fatalf("create private zone: %v", err)
	}
	inst, ok := reg.FindPrivate("hunter2")
	if !ok {
		t.Fatal("expected private instance to be registered under its password")
	}
	if inst.CloneID != 5 {
		t.Fatalf("expected cloneID 5, got %d", inst.CloneID)
	}

	requester := addrN(11)
	out := mgr.HandleRequestPrivateZone(requester, wire.RequestPrivateZone{RequestID: 9, MythranShift: true, Password: "hunter2"})
	if len(out) != 1 || out[0].Kind != wire.KindZoneTransferResponse {
		t.Fatalf("expected ZONE_TRANSFER_RESPONSE without affirmation, got %+v", out)
	}
}

func TestRequestPrivateZoneMissingPasswordDropsSilently(t *testing.T) {
	mgr, _ := newTestManager(t)
	out := mgr.HandleRequestPrivateZone(addrN(1), wire.RequestPrivateZone{RequestID: 1, Password: "nope"})
	if out != nil {
		t.Fatalf("expected nil outbound for missing private zone, got %+v", out)
	}
}

// TestScenarioS4AffirmationWedge exercises the affirmation-wedge
// detection and redirect path.
func TestScenarioS4AffirmationWedge(t *testing.T) {
	mgr, reg := newTestManager(t)
	requester := addrN(9)

	mgr.HandleRequestZoneTransfer(requester, wire.RequestZoneTransfer{RequestID: 7, MythranShift: false, ZoneID: 1200, CloneID: 0})
	inst := reg.FindByMapID(1200)[0]
	childPeer := addrN(50)
	mgr.HandleWorldReady(childPeer, wire.WorldReady{ZoneID: 1200, InstanceID: inst.InstanceID})

	if len(inst.PendingAffirmations) != 1 {
		t.Fatalf("expected pending affirmation before wedge, got %d", len(inst.PendingAffirmations))
	}

	var lastOut []Outbound
	for i := 0; i < AffirmationTimeoutTicks; i++ {
		out, err := mgr.Tick()
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if len(out) > 0 {
			lastOut = out
		}
	}

	if inst.AffirmationTimeout < AffirmationTimeoutTicks {
		t.Fatalf("expected affirmation timeout to reach threshold, got %d", inst.AffirmationTimeout)
	}
	if !inst.ShuttingDown {
		t.Fatal("expected wedged instance to be marked shutting down")
	}

	foundShutdown := false
	for _, o := range lastOut {
		if o.Peer == inst.SysAddr && o.Kind == wire.KindShutdown {
			foundShutdown = true
		}
	}
	if !foundShutdown {
		t.Fatalf("expected SHUTDOWN sent to the wedged instance, got %+v", lastOut)
	}

	newInsts := reg.FindByMapID(1200)
	if len(newInsts) != 2 {
		t.Fatalf("expected a replacement instance to be spawned for map 1200, got %d instances", len(newInsts))
	}
	var replacement *Instance
	for _, i := range newInsts {
		if i != inst {
			replacement = i
		}
	}
	if replacement == nil {
		t.Fatal("expected to find the replacement instance")
	}
	if len(replacement.PendingRequests) != 1 || replacement.PendingRequests[0].RequestID != 7 {
		t.Fatalf("expected redirected request to preserve requestID 7, got %+v", replacement.PendingRequests)
	}
	if replacement.PendingRequests[0].Requester != requester {
		t.Fatal("expected redirected request to preserve original requester")
	}
}

// TestScenarioS5CrashRecovery exercises instance reconstruction from an
// unexpected SERVER_INFO after a crash.
func TestScenarioS5CrashRecovery(t *testing.T) {
	mgr, reg := newTestManager(t)
	peer := addrN(77)

	mgr.HandleServerInfo(peer, wire.ServerInfo{Port: 9100, ZoneID: 1200, InstanceID: 3, ServerType: uint32(ServerTypeWorld), IP: "10.0.0.5"})

	inst, ok := reg.FindByMapAndInstance(1200, 3)
	if !ok {
		t.Fatal("expected SERVER_INFO to reconstruct the instance")
	}
	if inst.IP != "10.0.0.5" || inst.Port != 9100 {
		t.Fatalf("unexpected reconstructed instance: %+v", inst)
	}
	if !inst.Ready {
		t.Fatal("a reconnecting world should be considered ready immediately")
	}
}

func TestServerInfoRefreshesKnownInstanceWithoutDuplication(t *testing.T) {
	mgr, reg := newTestManager(t)
	peer1 := addrN(1)
	peer2 := addrN(2)

	mgr.HandleServerInfo(peer1, wire.ServerInfo{Port: 9100, ZoneID: 1200, InstanceID: 3, ServerType: uint32(ServerTypeWorld), IP: "10.0.0.5"})
	mgr.HandleServerInfo(peer2, wire.ServerInfo{Port: 9100, ZoneID: 1200, InstanceID: 3, ServerType: uint32(ServerTypeWorld), IP: "10.0.0.5"})

	if reg.Len() != 1 {
		t.Fatalf("expected exactly one instance after a refresh, got %d", reg.Len())
	}
	inst, ok := reg.GetBySysAddr(peer2)
	if !ok {
		t.Fatal("expected the instance to be reachable at the refreshed sysAddr")
	}
	if _, ok := reg.GetBySysAddr(peer1); ok {
		t.Fatal("old sysAddr should no longer resolve after refresh")
	}
	if inst.MapID != 1200 {
		t.Fatalf("unexpected instance after refresh: %+v", inst)
	}
}

func TestPlayerCountTrackingAffectsResolution(t *testing.T) {
	mgr, _ := newTestManager(t)
	inst, err := mgr.launch(1400, 0, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	inst.Ready = true

	for i := 0; i < inst.SoftCap; i++ {
		mgr.HandlePlayerAdded(wire.PlayerCount{MapID: 1400, InstanceID: inst.InstanceID})
	}
	if inst.PlayerCount != inst.SoftCap {
		t.Fatalf("expected player count to reach soft cap, got %d", inst.PlayerCount)
	}

	// getInstance should now spawn a second instance since the first is full.
	got, err := mgr.getInstance(1400, 0)
	if err != nil {
		t.Fatalf("getInstance: %v", err)
	}
	if got == inst {
		t.Fatal("expected a new instance once the existing one reached soft cap")
	}

	mgr.HandlePlayerRemoved(wire.PlayerCount{MapID: 1400, InstanceID: inst.InstanceID})
	if inst.PlayerCount != inst.SoftCap-1 {
		t.Fatalf("expected decrement, got %d", inst.PlayerCount)
	}
}

func TestGetInstancesFiltersByZoneAndRespondsToRequester(t *testing.T) {
	mgr, reg := newTestManager(t)
	responderPeer := addrN(5)
	reg.Add(&Instance{MapID: 9, InstanceID: 1, SysAddr: responderPeer, PendingAffirmations: map[uint64]TransferRequest{}})
	reg.Add(&Instance{MapID: 1200, CloneID: 0, InstanceID: 2, SysAddr: addrN(6), PendingAffirmations: map[uint64]TransferRequest{}})
	reg.Add(&Instance{MapID: 1300, CloneID: 0, InstanceID: 3, SysAddr: addrN(7), PendingAffirmations: map[uint64]TransferRequest{}})

	out := mgr.HandleGetInstances(wire.GetInstances{ObjectID: 55, HasZoneID: true, ZoneID: 1200, RespondingZoneID: 9, RespondingInstance: 1})
	if len(out) != 1 {
		t.Fatalf("expected one response, got %d", len(out))
	}
	if out[0].Peer != responderPeer {
		t.Fatalf("expected response sent to responder's sysAddr, got %+v", out[0].Peer)
	}
	if out[0].Kind != wire.KindRespondInstances {
		t.Fatalf("expected RESPOND_INSTANCES, got %v", out[0].Kind)
	}
	// Payload is objectID:u64 then count:u32; only the map-1200 instance matches.
	if n := binary.LittleEndian.Uint32(out[0].Payload[8:12]); n != 1 {
		t.Fatalf("expected only the map-1200 instance in the response, got %d", n)
	}
}

func TestReclamationRemovesShutdownCompleteInstances(t *testing.T) {
	mgr, reg := newTestManager(t)
	inst := &Instance{MapID: 1200, InstanceID: 1, SysAddr: addrN(1), ShutdownComplete: true, PendingAffirmations: map[uint64]TransferRequest{}}
	reg.Add(inst)

	if _, err := mgr.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected shutdown-complete instance to be reclaimed, got %d remaining", reg.Len())
	}
}

func TestDisconnectRemovesInstance(t *testing.T) {
	mgr, reg := newTestManager(t)
	peer := addrN(3)
	reg.Add(&Instance{MapID: 1200, InstanceID: 1, SysAddr: peer, PendingAffirmations: map[uint64]TransferRequest{}})

	mgr.HandleDisconnect(peer)
	if reg.Len() != 0 {
		t.Fatalf("expected instance removed on disconnect, got %d", reg.Len())
	}
}

func TestShutdownAllMarksEveryInstanceAndSkipsAlreadyShuttingDown(t *testing.T) {
	mgr, reg := newTestManager(t)
	reg.Add(&Instance{MapID: 1, InstanceID: 1, SysAddr: addrN(1), PendingAffirmations: map[uint64]TransferRequest{}})
	reg.Add(&Instance{MapID: 2, InstanceID: 1, SysAddr: addrN(2), ShuttingDown: true, PendingAffirmations: map[uint64]TransferRequest{}})

	out := mgr.ShutdownAll()
	if len(out) != 1 {
		t.Fatalf("expected exactly one SHUTDOWN sent (the other already shutting down), got %d", len(out))
	}
}

func TestAllShutdownCompleteReportsFalseUntilEveryInstanceDone(t *testing.T) {
	mgr, reg := newTestManager(t)
	reg.Add(&Instance{MapID: 1, InstanceID: 1, SysAddr: addrN(1), PendingAffirmations: map[uint64]TransferRequest{}})
	if mgr.AllShutdownComplete() {
		t.Fatal("expected false while an instance is still live")
	}
	reg.All()[0].ShutdownComplete = true
	if !mgr.AllShutdownComplete() {
		t.Fatal("expected true once every instance reports shutdownComplete")
	}
}

func drainEvents(mgr *Manager) []Event {
	var out []Event
	for {
		select {
		case ev := <-mgr.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// TestEventsFireOnLaunchReadyAndRemoval confirms the admin dashboard feed's
// event source actually produces events across an instance's lifecycle:
// launch, first WORLD_READY, and disconnect-removal.
func TestEventsFireOnLaunchReadyAndRemoval(t *testing.T) {
	mgr, _ := newTestManager(t)
	requester := addrN(9)

	if _, err := mgr.HandleRequestZoneTransfer(requester, wire.RequestZoneTransfer{RequestID: 1, ZoneID: 1200, CloneID: 0}); err != nil {
		t.Fatalf("request zone transfer: %v", err)
	}
	evs := drainEvents(mgr)
	if len(evs) != 1 || evs[0].Kind != EventAdded {
		t.Fatalf("expected exactly one EventAdded after launch, got %+v", evs)
	}

	worldPeer := addrN(20)
	mgr.HandleWorldReady(worldPeer, wire.WorldReady{ZoneID: 1200, InstanceID: evs[0].Instance.InstanceID})
	evs = drainEvents(mgr)
	if len(evs) != 1 || evs[0].Kind != EventReady {
		t.Fatalf("expected exactly one EventReady after first WORLD_READY, got %+v", evs)
	}

	// A second WORLD_READY for the same instance must not re-fire EventReady
	// — ready is monotonic, and so is the event stream describing it.
	mgr.HandleWorldReady(worldPeer, wire.WorldReady{ZoneID: 1200, InstanceID: evs[0].Instance.InstanceID})
	if evs := drainEvents(mgr); len(evs) != 0 {
		t.Fatalf("expected no event on a repeat WORLD_READY, got %+v", evs)
	}

	mgr.HandleDisconnect(worldPeer)
	evs = drainEvents(mgr)
	if len(evs) != 1 || evs[0].Kind != EventRemoved {
		t.Fatalf("expected exactly one EventRemoved after disconnect, got %+v", evs)
	}
}
