// Package control implements the Control Loop and Shutdown Coordinator:
// the fixed-tick driver that dispatches inbound transport messages to the
// Session Registry, Instance Manager, and Persistent-ID Allocator, and the
// idempotent orderly-drain shutdown path.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandobull/wonderland-master/idalloc"
	"github.com/brandobull/wonderland-master/instance"
	"github.com/brandobull/wonderland-master/internal/wire"
	"github.com/brandobull/wonderland-master/session"
	"github.com/brandobull/wonderland-master/spawner"
	"github.com/brandobull/wonderland-master/store"
	"github.com/brandobull/wonderland-master/transport"
)

// TickRate is the fixed drive rate, matching the game's 60 Hz cadence.
const TickRate = 60

const tickInterval = time.Second / TickRate

const (
	logFlushInterval      = 15 * time.Second
	sqlKeepaliveInterval  = 10 * time.Minute
	allocatorSaveInterval = 30 * time.Second
	universeShutdownLimit = 10 * 60 * TickRate // ~10 minutes, counted in ticks
	shutdownDrainTimeout  = 60 * time.Second
)

// EventPublisher is notified of instance lifecycle events (add/remove/
// ready transitions) worth surfacing to an out-of-band dashboard feed, such
// as internal/adminapi's /instances/watch. Implemented by an adapter in
// cmd/masterd; left nil when no admin surface is configured.
type EventPublisher interface {
	Publish(instance.Event)
}

// Loop owns every component the core wires together and runs the fixed-
// tick dispatch loop.
type Loop struct {
	log       *slog.Logger
	transport *transport.Adapter
	sessions  *session.Registry
	instances *instance.Manager
	allocator *idalloc.Allocator
	spawn     *spawner.Spawner
	db        *store.Store
	publisher EventPublisher

	universeShutdown      bool
	universeShutdownTicks int
	shutdownStarted       bool

	lastLogFlush      time.Time
	lastSQLKeepalive  time.Time
	lastAllocatorSave time.Time
}

// New wires a Loop around its already-constructed components.
func New(log *slog.Logger, t *transport.Adapter, sessions *session.Registry, instances *instance.Manager, allocator *idalloc.Allocator, spawn *spawner.Spawner, db *store.Store) *Loop {
	return &Loop{
		log:               log,
		transport:         t,
		sessions:          sessions,
		instances:         instances,
		allocator:         allocator,
		spawn:             spawn,
		db:                db,
		lastLogFlush:      timeNow(),
		lastSQLKeepalive:  timeNow(),
		lastAllocatorSave: timeNow(),
	}
}

// timeNow exists as a single seam so a future clock injection doesn't touch
// every call site; today it's just time.Now.
func timeNow() time.Time { return time.Now() }

// SetPublisher wires an admin dashboard feed into the loop. It must be
// called before Run; nil (the default) makes instance-event publishing a
// no-op.
func (l *Loop) SetPublisher(p EventPublisher) {
	l.publisher = p
}

// Run drives the fixed-tick loop until ctx is cancelled (SIGINT/SIGTERM) or
// the universe shutdown countdown elapses. It always ends by running the
// Shutdown Coordinator.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.shutdown()
		case <-ticker.C:
			if done := l.tick(); done {
				return l.shutdown()
			}
		}
	}
}

// tick runs exactly one fixed-rate tick: drain inbound messages, advance
// affirmation timeouts, reap shut-down instances, periodic log flush, SQL
// keepalive, and Persistent-ID Allocator checkpoint, and the universe-
// shutdown countdown. Returns true when the loop should exit (universe
// shutdown countdown elapsed).
func (l *Loop) tick() bool {
	l.drainSpawnerEvents()
	l.drainTransport()

	out, err := l.instances.Tick()
	if err != nil {
		l.log.Error("control: instance tick failed", "error", err)
	}
	l.sendAll(out)
	l.drainInstanceEvents()

	now := timeNow()
	if now.Sub(l.lastLogFlush) >= logFlushInterval {
		l.lastLogFlush = now
		// slog has no buffered handler to flush in this codebase's default
		// configuration, but the hook stays here so a future buffered
		// handler has somewhere to plug in without touching the tick loop.
	}
	if now.Sub(l.lastSQLKeepalive) >= sqlKeepaliveInterval {
		l.lastSQLKeepalive = now
		if err := l.db.Ping(); err != nil {
			l.log.Warn("control: SQL keepalive failed", "error", err)
		}
	}
	if now.Sub(l.lastAllocatorSave) >= allocatorSaveInterval {
		l.lastAllocatorSave = now
		if err := l.allocator.Save(); err != nil {
			l.log.Error("control: periodic allocator save failed", "error", err)
		}
	}

	if l.universeShutdown {
		l.universeShutdownTicks++
		if l.universeShutdownTicks >= universeShutdownLimit {
			return true
		}
	}
	return false
}

func (l *Loop) drainSpawnerEvents() {
	for {
		select {
		case ev := <-l.spawn.Events():
			l.log.Info("control: child process exited", "map_id", ev.MapID, "instance_id", ev.InstanceID, "error", ev.Err)
			// The exit is only logged. An instance that connected and then
			// crashed is removed via the transport CONNECTION_LOST path
			// below; an instance whose child exits before it ever connects
			// stays in the Instance Registry, not ready, and nothing here
			// removes it.
		default:
			return
		}
	}
}

// drainInstanceEvents forwards instance lifecycle events (add/remove/ready)
// accumulated so far this tick to the admin dashboard feed, if one is
// configured. A nil publisher just drains the channel so it never fills up
// and starts dropping events once a subscriber does connect.
func (l *Loop) drainInstanceEvents() {
	for {
		select {
		case ev := <-l.instances.Events():
			if l.publisher != nil {
				l.publisher.Publish(ev)
			}
		default:
			return
		}
	}
}

func (l *Loop) drainTransport() {
	for {
		pkt, ok := l.transport.Receive()
		if !ok {
			return
		}
		switch pkt.Kind {
		case transport.EventDisconnect, transport.EventConnectionLost:
			l.instances.HandleDisconnect(pkt.Peer)
		case transport.EventPacket:
			l.dispatch(pkt.Peer, pkt.Body)
		}
	}
}

// dispatch decodes one frame body and routes it to the owning component,
// via Transport → Codec → Control Loop → dispatch to (Session Registry |
// Instance Manager | Allocator).
func (l *Loop) dispatch(peer transport.SysAddr, body []byte) {
	header, payload, err := wire.Unpack(body)
	if err != nil {
		l.log.Debug("control: malformed frame, dropping", "error", err)
		return
	}
	if header.Subsystem != wire.SubsystemMaster {
		l.log.Debug("control: frame for unknown subsystem, dropping", "subsystem", header.Subsystem)
		return
	}

	switch header.Kind {
	case wire.KindRequestPersistentID:
		msg, err := wire.DecodeRequestPersistentID(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		objID := l.allocator.Allocate()
		resp := wire.EncodePersistentIDResponse(wire.PersistentIDResponse{RequestID: msg.RequestID, ObjID: objID})
		l.send(peer, wire.KindPersistentIDResponse, resp)

	case wire.KindRequestZoneTransfer:
		msg, err := wire.DecodeRequestZoneTransfer(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		out, err := l.instances.HandleRequestZoneTransfer(peer, msg)
		if err != nil {
			l.log.Error("control: zone transfer resolution failed", "error", err)
			return
		}
		l.sendAll(out)

	case wire.KindServerInfo:
		msg, err := wire.DecodeServerInfo(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		l.instances.HandleServerInfo(peer, msg)

	case wire.KindSetSessionKey:
		msg, err := wire.DecodeSetSessionKey(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		res := l.sessions.Set(msg.SessionKey, msg.Username)
		if res.Displaced {
			alert := wire.EncodeNewSessionAlert(wire.NewSessionAlert{SessionKey: msg.SessionKey, Username: msg.Username})
			l.transport.Broadcast(wire.Pack(wire.KindNewSessionAlert, 0, alert))
		}

	case wire.KindRequestSessionKey:
		msg, err := wire.DecodeRequestSessionKey(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		if key, ok := l.sessions.Query(msg.Username); ok {
			resp := wire.EncodeSessionKeyResponse(wire.SessionKeyResponse{SessionKey: key, Username: msg.Username})
			l.send(peer, wire.KindSessionKeyResponse, resp)
		}

	case wire.KindPlayerAdded:
		msg, err := wire.DecodePlayerCount(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		l.instances.HandlePlayerAdded(msg)

	case wire.KindPlayerRemoved:
		msg, err := wire.DecodePlayerCount(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		l.instances.HandlePlayerRemoved(msg)

	case wire.KindCreatePrivateZone:
		msg, err := wire.DecodeCreatePrivateZone(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		if err := l.instances.HandleCreatePrivateZone(msg); err != nil {
			l.log.Error("control: create private zone failed", "error", err)
		}

	case wire.KindRequestPrivateZone:
		msg, err := wire.DecodeRequestPrivateZone(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		l.sendAll(l.instances.HandleRequestPrivateZone(peer, msg))

	case wire.KindWorldReady:
		msg, err := wire.DecodeWorldReady(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		l.sendAll(l.instances.HandleWorldReady(peer, msg))

	case wire.KindAffirmTransferResponse:
		msg, err := wire.DecodeAffirmTransferResponse(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		l.sendAll(l.instances.HandleAffirmTransferResponse(peer, msg))

	case wire.KindShutdownResponse:
		l.instances.HandleShutdownResponse(peer)

	case wire.KindShutdownUniverse:
		l.universeShutdown = true
		l.instances.SetUniverseShutdown()
		l.log.Info("control: universe shutdown requested")

	case wire.KindShutdownInstance:
		msg, err := wire.DecodeShutdownInstance(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		l.sendAll(l.instances.HandleShutdownInstance(msg))

	case wire.KindGetInstances:
		msg, err := wire.DecodeGetInstances(payload)
		if err != nil {
			l.logMalformed(header.Kind, err)
			return
		}
		l.sendAll(l.instances.HandleGetInstances(msg))

	default:
		l.log.Debug("control: unhandled message kind, dropping", "kind", header.Kind)
	}
}

func (l *Loop) logMalformed(kind wire.Kind, err error) {
	l.log.Debug("control: malformed payload, dropping", "kind", kind, "error", err)
}

func (l *Loop) send(peer transport.SysAddr, kind wire.Kind, payload []byte) {
	if err := l.transport.Send(peer, wire.Pack(kind, 0, payload), true); err != nil {
		l.log.Debug("control: send failed", "peer", peer.String(), "kind", kind, "error", err)
	}
}

func (l *Loop) sendAll(out []instance.Outbound) {
	for _, o := range out {
		if o.Broadcast {
			l.transport.Broadcast(wire.Pack(o.Kind, 0, o.Payload))
			continue
		}
		l.send(o.Peer, o.Kind, o.Payload)
	}
}

// shutdown runs the Shutdown Coordinator: idempotent, broadcasts SHUTDOWN
// to every live instance, flushes the Persistent-ID Allocator, then drains
// — still servicing inbound protocol — until every instance reports
// shutdownComplete or 60 s elapse.
func (l *Loop) shutdown() error {
	if l.shutdownStarted {
		return nil
	}
	l.shutdownStarted = true
	l.log.Info("control: shutdown coordinator starting")

	l.sendAll(l.instances.ShutdownAll())

	if err := l.allocator.Save(); err != nil {
		l.log.Error("control: failed to flush allocator during shutdown", "error", err)
	}

	deadline := timeNow().Add(shutdownDrainTimeout)
	drainTicker := time.NewTicker(tickInterval)
	defer drainTicker.Stop()

	for timeNow().Before(deadline) {
		<-drainTicker.C
		l.drainTransport()
		out, err := l.instances.Tick()
		if err != nil {
			l.log.Error("control: instance tick failed during drain", "error", err)
		}
		l.sendAll(out)
		l.drainInstanceEvents()
		if l.instances.AllShutdownComplete() {
			break
		}
	}

	l.transport.Close()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("control: close store: %w", err)
	}
	l.log.Info("control: shutdown coordinator finished")
	return nil
}
