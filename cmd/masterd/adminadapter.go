package main

import (
	"github.com/brandobull/wonderland-master/idalloc"
	"github.com/brandobull/wonderland-master/instance"
	"github.com/brandobull/wonderland-master/internal/adminapi"
	"github.com/brandobull/wonderland-master/session"
)

// adminSnapshot implements adminapi.Snapshotter by reading through the
// three components the admin surface is allowed to see. Every method
// copies data into plain values before returning — nothing here hands an
// HTTP handler goroutine a pointer into live Control Loop state.
type adminSnapshot struct {
	instances *instance.Manager
	sessions  *session.Registry
	allocator *idalloc.Allocator
}

func (a *adminSnapshot) Instances() []adminapi.InstanceSnapshot {
	live := a.instances.Instances()
	out := make([]adminapi.InstanceSnapshot, 0, len(live))
	for _, inst := range live {
		out = append(out, toInstanceSnapshot(inst))
	}
	return out
}

func (a *adminSnapshot) SessionCount() int { return a.sessions.Count() }

func (a *adminSnapshot) AllocatorHighWater() uint32 { return a.allocator.HighWater() }

func toInstanceSnapshot(inst *instance.Instance) adminapi.InstanceSnapshot {
	return adminapi.InstanceSnapshot{
		MapID:        inst.MapID,
		CloneID:      inst.CloneID,
		InstanceID:   inst.InstanceID,
		Port:         inst.Port,
		IP:           inst.IP,
		Ready:        inst.Ready,
		ShuttingDown: inst.ShuttingDown,
		PlayerCount:  inst.PlayerCount,
		SoftCap:      inst.SoftCap,
		Private:      inst.PrivatePassword != "",
	}
}

// adminPublisher adapts instance.Event into adminapi.Event and forwards it
// to the admin HTTP surface's /instances/watch subscribers, the other half
// of the Control Loop's EventPublisher wiring in control.Loop.SetPublisher.
type adminPublisher struct {
	server *adminapi.Server
}

func (p *adminPublisher) Publish(ev instance.Event) {
	p.server.Publish(adminapi.Event{
		Type:     string(ev.Kind),
		Instance: toInstanceSnapshot(ev.Instance),
	})
}
