// Package instance implements the Instance Registry and Instance Manager:
// the set of known world-server instances and the logic that resolves
// zone requests against them, launches new ones, gates readiness, and
// runs the two-phase affirmation handshake.
package instance

import (
	"github.com/brandobull/wonderland-master/transport"
)

// TransferRequest is created when a world (or client, via the frontend)
// asks to move a client into a zone.
type TransferRequest struct {
	RequestID    uint64
	MythranShift bool
	Requester    transport.SysAddr
}

// ServerType values carried in SERVER_INFO: the two values the core
// distinguishes.
type ServerType uint32

const (
	ServerTypeWorld ServerType = 0
	ServerTypeChat  ServerType = 1
)

// Instance represents one running world-server process.
type Instance struct {
	MapID      uint16
	CloneID    uint32
	InstanceID uint16
	Port       uint16
	IP         string
	SysAddr    transport.SysAddr

	Ready            bool
	ShuttingDown     bool
	ShutdownComplete bool

	SoftCap int
	HardCap int

	PlayerCount int

	PendingRequests     []TransferRequest
	PendingAffirmations map[uint64]TransferRequest

	AffirmationTimeout uint32

	PrivatePassword string // empty when not a private instance
}

const (
	// DefaultSoftCap and DefaultHardCap use a 12/12 default player count.
	DefaultSoftCap = 12
	DefaultHardCap = 12

	// AffirmationTimeoutTicks is the affirmation-wedge detection threshold.
	AffirmationTimeoutTicks = 1000
)

func tripleKey(mapID uint16, cloneID uint32, instanceID uint16) uint64 {
	return uint64(mapID)<<48 | uint64(cloneID)<<16 | uint64(instanceID)
}

func findKey(mapID, instanceID uint16) uint32 {
	return uint32(mapID)<<16 | uint32(instanceID)
}

// Registry is a primary insertion-order list plus the three lookup
// indexes the core needs. It is mutated only from the Control Loop
// thread; no internal locking.
type Registry struct {
	list        []*Instance
	bySysAddr   map[transport.SysAddr]*Instance
	byFindKey   map[uint32]*Instance // (mapID, instanceID) -> instance
	byPassword  map[string]*Instance
	byTripleKey map[uint64]bool // (mapID, cloneID, instanceID) uniqueness set
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		bySysAddr:   make(map[transport.SysAddr]*Instance),
		byFindKey:   make(map[uint32]*Instance),
		byPassword:  make(map[string]*Instance),
		byTripleKey: make(map[uint64]bool),
	}
}

// Add inserts inst into every index. Returns false if its
// (mapID, cloneID, instanceID) triple is already present, preserving the
// uniqueness invariant.
func (r *Registry) Add(inst *Instance) bool {
	tk := tripleKey(inst.MapID, inst.CloneID, inst.InstanceID)
	if r.byTripleKey[tk] {
		return false
	}
	r.byTripleKey[tk] = true
	r.list = append(r.list, inst)
	r.bySysAddr[inst.SysAddr] = inst
	r.byFindKey[findKey(inst.MapID, inst.InstanceID)] = inst
	if inst.PrivatePassword != "" {
		r.byPassword[inst.PrivatePassword] = inst
	}
	return true
}

// Remove deletes inst from every index.
func (r *Registry) Remove(inst *Instance) {
	tk := tripleKey(inst.MapID, inst.CloneID, inst.InstanceID)
	delete(r.byTripleKey, tk)
	delete(r.bySysAddr, inst.SysAddr)
	if cur, ok := r.byFindKey[findKey(inst.MapID, inst.InstanceID)]; ok && cur == inst {
		delete(r.byFindKey, findKey(inst.MapID, inst.InstanceID))
	}
	if inst.PrivatePassword != "" {
		if cur, ok := r.byPassword[inst.PrivatePassword]; ok && cur == inst {
			delete(r.byPassword, inst.PrivatePassword)
		}
	}
	for i, x := range r.list {
		if x == inst {
			r.list = append(r.list[:i], r.list[i+1:]...)
			break
		}
	}
}

// RefreshSysAddr updates the sysAddr index when an instance reconnects at a
// new transport address without changing identity.
func (r *Registry) RefreshSysAddr(inst *Instance, newAddr transport.SysAddr) {
	delete(r.bySysAddr, inst.SysAddr)
	inst.SysAddr = newAddr
	r.bySysAddr[newAddr] = inst
}

// GetBySysAddr looks up an instance by its transport peer identity.
func (r *Registry) GetBySysAddr(addr transport.SysAddr) (*Instance, bool) {
	inst, ok := r.bySysAddr[addr]
	return inst, ok
}

// FindByMapAndInstance looks up a running instance by (mapID, instanceID).
// cloneID is deliberately excluded from this key: the caller addresses a
// running instance, not a reservation slot.
func (r *Registry) FindByMapAndInstance(mapID, instanceID uint16) (*Instance, bool) {
	inst, ok := r.byFindKey[findKey(mapID, instanceID)]
	return inst, ok
}

// FindByMapID returns every known instance for mapID, in registry order.
func (r *Registry) FindByMapID(mapID uint16) []*Instance {
	var out []*Instance
	for _, inst := range r.list {
		if inst.MapID == mapID {
			out = append(out, inst)
		}
	}
	return out
}

// FindPrivate looks up an instance by its private-zone password.
func (r *Registry) FindPrivate(password string) (*Instance, bool) {
	inst, ok := r.byPassword[password]
	return inst, ok
}

// IsPortInUse reports whether any known instance is already bound to port.
func (r *Registry) IsPortInUse(port uint16) bool {
	for _, inst := range r.list {
		if inst.Port == port {
			return true
		}
	}
	return false
}

// All returns the primary insertion-order list, for Control Loop tick
// iteration. Callers must not retain the slice past the current tick.
func (r *Registry) All() []*Instance {
	return r.list
}

// Len reports the number of known instances.
func (r *Registry) Len() int {
	return len(r.list)
}
