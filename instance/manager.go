package instance

import (
	"fmt"
	"log/slog"

	"github.com/brandobull/wonderland-master/internal/wire"
	"github.com/brandobull/wonderland-master/spawner"
	"github.com/brandobull/wonderland-master/transport"
)

// Outbound is one message the Manager wants sent, destined either for a
// single peer or for every live instance.
type Outbound struct {
	Peer      transport.SysAddr
	Broadcast bool
	Kind      wire.Kind
	Payload   []byte
}

func toPeer(peer transport.SysAddr, kind wire.Kind, payload []byte) Outbound {
	return Outbound{Peer: peer, Kind: kind, Payload: payload}
}

// EventKind identifies what changed about an instance, for admin dashboard
// feeds such as internal/adminapi's /instances/watch.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventReady   EventKind = "ready"
)

// Event is posted whenever an instance transitions in a way a connected
// dashboard would want to know about. Instance is the live registry entry
// at the moment of the transition; consumers must treat it as read-only
// and not retain it past the current tick, same as Manager.Instances.
type Event struct {
	Kind     EventKind
	Instance *Instance
}

// Config carries the Instance Manager's launch-time parameters.
type Config struct {
	ChildIP      string
	BasePort     uint16
	PortSpan     int // defaults to 1000
	WorldBinPath string
	MaxPlayers   int // defaults to DefaultHardCap
}

// Manager is the core of the system. It resolves zone requests against
// the Registry, launches new world processes through a Spawner, runs the
// ready-gate and two-phase affirmation handshake, and reclaims instances
// that finish shutting down.
type Manager struct {
	log      *slog.Logger
	cfg      Config
	registry *Registry
	spawn    *spawner.Spawner

	nextInstanceID uint16

	// chatPeer remembers the currently-registered chat relay. A nil value
	// means no chat relay is currently known.
	chatPeer         *transport.SysAddr
	universeShutdown bool

	events chan Event
}

// NewManager wires a Manager around an existing Registry and Spawner.
func NewManager(log *slog.Logger, cfg Config, registry *Registry, spawn *spawner.Spawner) *Manager {
	if cfg.PortSpan <= 0 {
		cfg.PortSpan = 1000
	}
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = DefaultHardCap
	}
	return &Manager{log: log, cfg: cfg, registry: registry, spawn: spawn, events: make(chan Event, 64)}
}

// Events returns the channel of instance lifecycle events. The Control Loop
// drains it alongside the transport's and spawner's inbound channels each
// tick and forwards what it finds to the admin dashboard feed, if one is
// configured.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// emit posts ev best-effort: a dashboard feed that isn't keeping up just
// misses an update, the same tradeoff Server.Publish already makes for its
// subscribers.
func (m *Manager) emit(kind EventKind, inst *Instance) {
	select {
	case m.events <- Event{Kind: kind, Instance: inst}:
	default:
	}
}

// SetUniverseShutdown records that SHUTDOWN_UNIVERSE has been received, so
// chat-peer-loss recovery knows not to spawn a replacement.
func (m *Manager) SetUniverseShutdown() {
	m.universeShutdown = true
}

// Instances exposes the live registry list for read-only callers such as
// the admin HTTP surface. Callers must not retain the slice past the
// current tick or mutate the instances it points to.
func (m *Manager) Instances() []*Instance {
	return m.registry.All()
}

func (m *Manager) freePort() (uint16, error) {
	for p := 0; p < m.cfg.PortSpan; p++ {
		candidate := m.cfg.BasePort + uint16(p)
		if !m.registry.IsPortInUse(candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("instance: no free port in range [%d, %d)", m.cfg.BasePort, int(m.cfg.BasePort)+m.cfg.PortSpan)
}

func (m *Manager) allocateInstanceID() uint16 {
	m.nextInstanceID++
	return m.nextInstanceID
}

// launch spawns a new world-server process for (mapID, cloneID) and
// inserts a not-ready Instance into the registry.
func (m *Manager) launch(mapID uint16, cloneID uint32, privatePassword string) (*Instance, error) {
	port, err := m.freePort()
	if err != nil {
		return nil, err
	}
	instanceID := m.allocateInstanceID()

	if err := m.spawn.Launch(spawner.Args{
		IP:         m.cfg.ChildIP,
		Port:       port,
		MapID:      mapID,
		InstanceID: instanceID,
		CloneID:    cloneID,
		MaxPlayers: m.cfg.MaxPlayers,
	}); err != nil {
		return nil, err
	}

	inst := &Instance{
		MapID:               mapID,
		CloneID:             cloneID,
		InstanceID:          instanceID,
		Port:                port,
		IP:                  m.cfg.ChildIP,
		Ready:               false,
		SoftCap:             DefaultSoftCap,
		HardCap:             DefaultHardCap,
		PendingAffirmations: make(map[uint64]TransferRequest),
		PrivatePassword:     privatePassword,
	}
	// The instance's sysAddr is unknown until it connects to the transport
	// and its first message arrives; it's keyed on the zero SysAddr until
	// then. A SERVER_INFO from this child (even on first connect, not just
	// crash-recovery reconnect) refreshes it, the same path used for
	// crash recovery.
	m.registry.Add(inst)
	m.emit(EventAdded, inst)

	m.log.Info("instance: launched", "map_id", mapID, "instance_id", instanceID, "clone_id", cloneID, "port", port, "private", privatePassword != "")
	return inst, nil
}

// getInstance finds an eligible running instance for (mapID, cloneID), or
// launches one.
func (m *Manager) getInstance(mapID uint16, cloneID uint32) (*Instance, error) {
	for _, inst := range m.registry.FindByMapID(mapID) {
		if inst.ShuttingDown || inst.PrivatePassword != "" {
			continue
		}
		if inst.PlayerCount < inst.SoftCap {
			return inst, nil
		}
	}
	return m.launch(mapID, cloneID, "")
}

// HandleRequestZoneTransfer implements REQUEST_ZONE_TRANSFER.
func (m *Manager) HandleRequestZoneTransfer(requester transport.SysAddr, msg wire.RequestZoneTransfer) ([]Outbound, error) {
	inst, err := m.getInstance(uint16(msg.ZoneID), msg.CloneID)
	if err != nil {
		return nil, err
	}

	req := TransferRequest{RequestID: msg.RequestID, MythranShift: msg.MythranShift, Requester: requester}
	if !inst.Ready {
		inst.PendingRequests = append(inst.PendingRequests, req)
		return nil, nil
	}
	return m.requestAffirmation(inst, req), nil
}

// requestAffirmation implements step 1 of the two-phase affirmation
// handshake: send PREP_ZONE and record the pending affirmation.
func (m *Manager) requestAffirmation(inst *Instance, req TransferRequest) []Outbound {
	inst.PendingAffirmations[req.RequestID] = req
	payload := wire.EncodePrepZone(wire.PrepZone{ZoneID: int32(inst.MapID)})
	return []Outbound{toPeer(inst.SysAddr, wire.KindPrepZone, payload)}
}

// HandleWorldReady implements WORLD_READY: mark the instance
// ready, drain pendingRequests, and move every drained request into the
// affirmation flow. peer is the transport address WORLD_READY arrived
// from; a freshly launched instance has no sysAddr until this first
// message, so it is bound here exactly like a SERVER_INFO reconnect.
func (m *Manager) HandleWorldReady(peer transport.SysAddr, msg wire.WorldReady) []Outbound {
	inst, ok := m.registry.FindByMapAndInstance(msg.ZoneID, msg.InstanceID)
	if !ok {
		m.log.Debug("instance: WORLD_READY for unknown instance", "zone_id", msg.ZoneID, "instance_id", msg.InstanceID)
		return nil
	}
	if inst.SysAddr != peer {
		m.registry.RefreshSysAddr(inst, peer)
	}
	wasReady := inst.Ready
	inst.Ready = true
	if !wasReady {
		m.emit(EventReady, inst)
	}

	pending := inst.PendingRequests
	inst.PendingRequests = nil

	var out []Outbound
	for _, req := range pending {
		out = append(out, m.requestAffirmation(inst, req)...)
	}
	return out
}

// HandleAffirmTransferResponse implements AFFIRM_TRANSFER_RESPONSE: remove
// from pendingAffirmations and reply ZONE_TRANSFER_RESPONSE to the
// original requester.
func (m *Manager) HandleAffirmTransferResponse(peer transport.SysAddr, msg wire.AffirmTransferResponse) []Outbound {
	inst, ok := m.registry.GetBySysAddr(peer)
	if !ok {
		// Unknown peer: ignore silently; stale replies after reclamation are
		// expected.
		return nil
	}
	req, ok := inst.PendingAffirmations[msg.RequestID]
	if !ok {
		return nil
	}
	delete(inst.PendingAffirmations, msg.RequestID)

	resp := wire.EncodeZoneTransferResponse(wire.ZoneTransferResponse{
		RequestID:    req.RequestID,
		MythranShift: req.MythranShift,
		MapID:        inst.MapID,
		InstanceID:   inst.InstanceID,
		CloneID:      inst.CloneID,
		IP:           inst.IP,
		Port:         inst.Port,
	})
	return []Outbound{toPeer(req.Requester, wire.KindZoneTransferResponse, resp)}
}

// HandleCreatePrivateZone implements CREATE_PRIVATE_ZONE.
func (m *Manager) HandleCreatePrivateZone(msg wire.CreatePrivateZone) error {
	_, err := m.launch(uint16(msg.MapID), msg.CloneID, msg.Password)
	return err
}

// HandleRequestPrivateZone implements REQUEST_PRIVATE_ZONE: private zones
// skip affirmation entirely; a missing password is silently dropped and
// the client is expected to time out.
func (m *Manager) HandleRequestPrivateZone(requester transport.SysAddr, msg wire.RequestPrivateZone) []Outbound {
	inst, ok := m.registry.FindPrivate(msg.Password)
	if !ok {
		return nil
	}
	resp := wire.EncodeZoneTransferResponse(wire.ZoneTransferResponse{
		RequestID:    msg.RequestID,
		MythranShift: msg.MythranShift,
		MapID:        inst.MapID,
		InstanceID:   inst.InstanceID,
		CloneID:      inst.CloneID,
		IP:           inst.IP,
		Port:         inst.Port,
	})
	return []Outbound{toPeer(requester, wire.KindZoneTransferResponse, resp)}
}

// HandlePlayerAdded implements PLAYER_ADDED.
func (m *Manager) HandlePlayerAdded(msg wire.PlayerCount) {
	inst, ok := m.registry.FindByMapAndInstance(msg.MapID, msg.InstanceID)
	if !ok {
		m.log.Debug("instance: PLAYER_ADDED for unknown instance", "map_id", msg.MapID, "instance_id", msg.InstanceID)
		return
	}
	inst.PlayerCount++
}

// HandlePlayerRemoved implements PLAYER_REMOVED.
func (m *Manager) HandlePlayerRemoved(msg wire.PlayerCount) {
	inst, ok := m.registry.FindByMapAndInstance(msg.MapID, msg.InstanceID)
	if !ok {
		m.log.Debug("instance: PLAYER_REMOVED for unknown instance", "map_id", msg.MapID, "instance_id", msg.InstanceID)
		return
	}
	if inst.PlayerCount > 0 {
		inst.PlayerCount--
	}
}

// HandleShutdownInstance implements the SHUTDOWN_INSTANCE slash command.
// Access control for who may issue it is out of scope here.
func (m *Manager) HandleShutdownInstance(msg wire.ShutdownInstance) []Outbound {
	inst, ok := m.registry.FindByMapAndInstance(uint16(msg.ZoneID), msg.InstanceID)
	if !ok {
		return nil
	}
	inst.ShuttingDown = true
	return []Outbound{toPeer(inst.SysAddr, wire.KindShutdown, nil)}
}

// HandleShutdownResponse implements SHUTDOWN_RESPONSE: marks the instance
// fully torn down so the next tick's reclamation pass removes it.
func (m *Manager) HandleShutdownResponse(peer transport.SysAddr) {
	inst, ok := m.registry.GetBySysAddr(peer)
	if !ok {
		return
	}
	inst.ShutdownComplete = true
}

// HandleServerInfo implements SERVER_INFO crash recovery: reconstruct an
// Instance when the (mapID, instanceID) pair is
// unknown, otherwise just refresh its sysAddr. A chat-type SERVER_INFO
// updates the remembered chat peer instead.
func (m *Manager) HandleServerInfo(peer transport.SysAddr, msg wire.ServerInfo) {
	if ServerType(msg.ServerType) == ServerTypeChat {
		addr := peer
		m.chatPeer = &addr
		return
	}

	mapID := uint16(msg.ZoneID)
	instanceID := uint16(msg.InstanceID)

	if inst, ok := m.registry.FindByMapAndInstance(mapID, instanceID); ok {
		m.registry.RefreshSysAddr(inst, peer)
		inst.IP = msg.IP
		inst.Port = uint16(msg.Port)
		return
	}

	inst := &Instance{
		MapID:               mapID,
		InstanceID:          instanceID,
		Port:                uint16(msg.Port),
		IP:                  msg.IP,
		SysAddr:             peer,
		Ready:               true, // a reconnecting world is already running
		SoftCap:             DefaultSoftCap,
		HardCap:             DefaultHardCap,
		PendingAffirmations: make(map[uint64]TransferRequest),
	}
	if m.registry.Add(inst) {
		m.emit(EventAdded, inst)
		m.log.Info("instance: reconstructed from SERVER_INFO", "map_id", mapID, "instance_id", instanceID)
	}
	if instanceID >= m.nextInstanceID {
		m.nextInstanceID = instanceID
	}
}

// HandleGetInstances implements GET_INSTANCES / RESPOND_INSTANCES: collect
// matching (mapID, cloneID, instanceID) triples and send the
// response directly to the responding instance's sysAddr.
func (m *Manager) HandleGetInstances(msg wire.GetInstances) []Outbound {
	responder, ok := m.registry.FindByMapAndInstance(msg.RespondingZoneID, msg.RespondingInstance)
	if !ok {
		m.log.Debug("instance: GET_INSTANCES responder unknown", "zone_id", msg.RespondingZoneID, "instance_id", msg.RespondingInstance)
		return nil
	}

	var triples []wire.InstanceTriple
	for _, inst := range m.registry.All() {
		if msg.HasZoneID && inst.MapID != msg.ZoneID {
			continue
		}
		triples = append(triples, wire.InstanceTriple{MapID: inst.MapID, CloneID: inst.CloneID, InstanceID: inst.InstanceID})
	}

	payload := wire.EncodeRespondInstances(wire.RespondInstances{ObjectID: msg.ObjectID, Instances: triples})
	return []Outbound{toPeer(responder.SysAddr, wire.KindRespondInstances, payload)}
}

// HandleDisconnect handles a lost transport connection: the instance
// backing peer is removed, and if peer was the remembered chat peer and no
// universe shutdown is underway, a replacement chat relay is spawned.
// Pending requests against a removed instance are not retried automatically
// — the next zone request for that (mapID, cloneID) resolves fresh per the
// normal path.
func (m *Manager) HandleDisconnect(peer transport.SysAddr) {
	if inst, ok := m.registry.GetBySysAddr(peer); ok {
		m.registry.Remove(inst)
		m.emit(EventRemoved, inst)
		m.log.Info("instance: removed on disconnect", "map_id", inst.MapID, "instance_id", inst.InstanceID)
	}

	if m.chatPeer != nil && *m.chatPeer == peer {
		m.chatPeer = nil
		if !m.universeShutdown {
			m.log.Info("instance: chat peer lost, spawning replacement")
			// The chat relay has no real mapID/cloneID; this respawns the
			// same binary the Instance Manager already knows how to launch,
			// with mapID 0 reserved for "not a world zone".
			if _, err := m.launch(0, 0, ""); err != nil {
				m.log.Error("instance: failed to respawn chat peer", "error", err)
			}
		}
	}
}

// Tick advances affirmation timeouts and reaps shut-down instances.
// Wedged instances (affirmationTimeout == 1000) are shut down and every
// pending request against them is redirected to a freshly resolved
// instance for the same (mapID, cloneID), preserving requestID and
// requester so the client is oblivious.
func (m *Manager) Tick() ([]Outbound, error) {
	var out []Outbound
	var reclaimed []*Instance

	for _, inst := range m.registry.All() {
		if inst.ShutdownComplete {
			reclaimed = append(reclaimed, inst)
			continue
		}

		if len(inst.PendingAffirmations) > 0 {
			inst.AffirmationTimeout++
		} else {
			inst.AffirmationTimeout = 0
		}

		if inst.AffirmationTimeout >= AffirmationTimeoutTicks && !inst.ShuttingDown {
			redirectOut, err := m.redirectWedgedInstance(inst)
			if err != nil {
				return out, err
			}
			out = append(out, redirectOut...)
		}
	}

	for _, inst := range reclaimed {
		m.registry.Remove(inst)
		m.emit(EventRemoved, inst)
		m.log.Info("instance: reclaimed after shutdown complete", "map_id", inst.MapID, "instance_id", inst.InstanceID)
	}

	return out, nil
}

func (m *Manager) redirectWedgedInstance(inst *Instance) ([]Outbound, error) {
	inst.ShuttingDown = true
	out := []Outbound{toPeer(inst.SysAddr, wire.KindShutdown, nil)}

	toRedirect := make([]TransferRequest, 0, len(inst.PendingAffirmations)+len(inst.PendingRequests))
	for _, req := range inst.PendingAffirmations {
		toRedirect = append(toRedirect, req)
	}
	inst.PendingAffirmations = make(map[uint64]TransferRequest)
	toRedirect = append(toRedirect, inst.PendingRequests...)
	inst.PendingRequests = nil

	m.log.Info("instance: wedged, redirecting pending requests", "map_id", inst.MapID, "instance_id", inst.InstanceID, "count", len(toRedirect))

	for _, req := range toRedirect {
		target, err := m.getInstance(inst.MapID, inst.CloneID)
		if err != nil {
			return out, err
		}
		if !target.Ready {
			target.PendingRequests = append(target.PendingRequests, req)
			continue
		}
		out = append(out, m.requestAffirmation(target, req)...)
	}
	return out, nil
}

// ShutdownAll broadcasts SHUTDOWN to every live instance, for the Shutdown
// Coordinator.
func (m *Manager) ShutdownAll() []Outbound {
	var out []Outbound
	for _, inst := range m.registry.All() {
		if inst.ShuttingDown {
			continue
		}
		inst.ShuttingDown = true
		out = append(out, toPeer(inst.SysAddr, wire.KindShutdown, nil))
	}
	return out
}

// AllShutdownComplete reports whether every known instance has finished
// shutting down, for the Shutdown Coordinator's drain loop.
func (m *Manager) AllShutdownComplete() bool {
	for _, inst := range m.registry.All() {
		if !inst.ShutdownComplete {
			return false
		}
	}
	return true
}
