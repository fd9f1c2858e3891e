// Package wire implements the master orchestrator's bit-packed wire
// protocol: the fixed 8-byte header every message carries, and the
// kind-specific payload codecs for the message table the core handles.
//
// Framing is length-prefixed (u32 length, little-endian) followed by that
// many payload bytes, so a bufio.Reader can delimit messages without a
// custom state machine — the same role a bufio.Reader plays in framing
// newline-delimited control messages elsewhere in this codebase.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SubsystemMaster is the byte 1 subsystem tag carried by every message this
// core emits or accepts.
const SubsystemMaster byte = 0x01

// HeaderSize is the fixed header length in bytes.
const HeaderSize = 8

// MaxFrameSize bounds a single frame's payload to guard against a corrupt or
// hostile length prefix forcing an unbounded allocation.
const MaxFrameSize = 1 << 20 // 1 MiB

// Kind identifies a message's payload shape (header byte 3).
type Kind byte

const (
	KindRequestPersistentID    Kind = 1
	KindPersistentIDResponse   Kind = 2
	KindRequestZoneTransfer    Kind = 3
	KindZoneTransferResponse   Kind = 4
	KindServerInfo             Kind = 5
	KindSetSessionKey          Kind = 6
	KindNewSessionAlert        Kind = 7
	KindRequestSessionKey      Kind = 8
	KindSessionKeyResponse     Kind = 9
	KindPlayerAdded            Kind = 10
	KindPlayerRemoved          Kind = 11
	KindCreatePrivateZone      Kind = 12
	KindRequestPrivateZone     Kind = 13
	KindWorldReady             Kind = 14
	KindPrepZone               Kind = 15
	KindAffirmTransferResponse Kind = 16
	KindShutdown               Kind = 17
	KindShutdownResponse       Kind = 18
	KindShutdownUniverse       Kind = 19
	KindShutdownInstance       Kind = 20
	KindGetInstances           Kind = 21
	KindRespondInstances       Kind = 22
)

// Header is the fixed 8-byte envelope prepended to every payload.
type Header struct {
	Subsystem byte
	Kind      Kind
	Seq       uint32
}

// EncodeHeader writes the 8-byte header to buf[0:8].
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = 0
	buf[1] = h.Subsystem
	buf[2] = 0
	buf[3] = byte(h.Kind)
	binary.LittleEndian.PutUint32(buf[4:8], h.Seq)
	return buf
}

// DecodeHeader parses the 8-byte header. Returns an error if buf is short.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	return Header{
		Subsystem: buf[1],
		Kind:      Kind(buf[3]),
		Seq:       binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ReadFrame reads one length-prefixed frame from r: a little-endian u32
// length followed by that many bytes. It does not interpret the header or
// payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes a length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Pack prepends the header to a kind-specific payload, producing one frame
// body ready for WriteFrame.
func Pack(kind Kind, seq uint32, payload []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, EncodeHeader(Header{Subsystem: SubsystemMaster, Kind: kind, Seq: seq})...)
	out = append(out, payload...)
	return out
}

// Unpack splits a frame body into its header and remaining payload bytes.
func Unpack(frame []byte) (Header, []byte, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	return h, frame[HeaderSize:], nil
}

// --- payload codecs -------------------------------------------------------
//
// Fixed-width integer fields are little-endian. string@N fields are
// NUL-padded to exactly N bytes on the wire; variable-length strings are
// length-prefixed with a u32.

type byteReader struct {
	buf []byte
	off int
}

func newByteReader(buf []byte) *byteReader { return &byteReader{buf: buf} }

func (r *byteReader) u8() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if r.off+2 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// fixedString reads exactly n bytes and trims trailing NULs.
func (r *byteReader) fixedString(n int) (string, error) {
	if r.off+n > len(r.buf) {
		return "", io.ErrUnexpectedEOF
	}
	raw := r.buf[r.off : r.off+n]
	r.off += n
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end]), nil
}

// u32String reads a u32 length prefix followed by that many bytes, for the
// messages whose table entry spells out `len:u32` rather than leaving the
// length field's width implicit.
func (r *byteReader) u32String() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if r.off+int(n) > len(r.buf) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

type byteWriter struct{ buf []byte }

func (w *byteWriter) putU8(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) putU16(v uint16)  { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *byteWriter) putU32(v uint32)  { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) putU64(v uint64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *byteWriter) putFixedString(s string, n int) {
	raw := make([]byte, n)
	copy(raw, s)
	w.buf = append(w.buf, raw...)
}

// putU32String writes a u32 length prefix followed by s's bytes, for the
// messages whose table entry spells out `len:u32`.
func (w *byteWriter) putU32String(s string) {
	w.putU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// RequestPersistentID is the REQUEST_PERSISTENT_ID payload.
type RequestPersistentID struct {
	RequestID uint64
}

func DecodeRequestPersistentID(b []byte) (RequestPersistentID, error) {
	r := newByteReader(b)
	v, err := r.u64()
	return RequestPersistentID{RequestID: v}, err
}

// PersistentIDResponse is the PERSISTENT_ID_RESPONSE payload.
type PersistentIDResponse struct {
	RequestID uint64
	ObjID     uint32
}

func EncodePersistentIDResponse(m PersistentIDResponse) []byte {
	w := &byteWriter{}
	w.putU64(m.RequestID)
	w.putU32(m.ObjID)
	return w.buf
}

// RequestZoneTransfer is the REQUEST_ZONE_TRANSFER payload.
type RequestZoneTransfer struct {
	RequestID    uint64
	MythranShift bool
	ZoneID       uint32
	CloneID      uint32
}

func DecodeRequestZoneTransfer(b []byte) (RequestZoneTransfer, error) {
	r := newByteReader(b)
	var m RequestZoneTransfer
	var err error
	if m.RequestID, err = r.u64(); err != nil {
		return m, err
	}
	shift, err := r.u8()
	if err != nil {
		return m, err
	}
	m.MythranShift = shift != 0
	if m.ZoneID, err = r.u32(); err != nil {
		return m, err
	}
	m.CloneID, err = r.u32()
	return m, err
}

// ZoneTransferResponse is the ZONE_TRANSFER_RESPONSE payload.
type ZoneTransferResponse struct {
	RequestID    uint64
	MythranShift bool
	MapID        uint16
	InstanceID   uint16
	CloneID      uint32
	IP           string
	Port         uint16
}

func EncodeZoneTransferResponse(m ZoneTransferResponse) []byte {
	w := &byteWriter{}
	w.putU64(m.RequestID)
	if m.MythranShift {
		w.putU8(1)
	} else {
		w.putU8(0)
	}
	w.putU16(m.MapID)
	w.putU16(m.InstanceID)
	w.putU32(m.CloneID)
	w.putFixedString(m.IP, 24)
	w.putU16(m.Port)
	return w.buf
}

// ServerInfo is the SERVER_INFO payload.
type ServerInfo struct {
	Port       uint32
	ZoneID     uint32
	InstanceID uint32
	ServerType uint32
	IP         string
}

func DecodeServerInfo(b []byte) (ServerInfo, error) {
	r := newByteReader(b)
	var m ServerInfo
	var err error
	if m.Port, err = r.u32(); err != nil {
		return m, err
	}
	if m.ZoneID, err = r.u32(); err != nil {
		return m, err
	}
	if m.InstanceID, err = r.u32(); err != nil {
		return m, err
	}
	if m.ServerType, err = r.u32(); err != nil {
		return m, err
	}
	m.IP, err = r.fixedString(24)
	return m, err
}

// SetSessionKey is the SET_SESSION_KEY payload.
type SetSessionKey struct {
	SessionKey uint32
	Username   string
}

func DecodeSetSessionKey(b []byte) (SetSessionKey, error) {
	r := newByteReader(b)
	var m SetSessionKey
	var err error
	if m.SessionKey, err = r.u32(); err != nil {
		return m, err
	}
	m.Username, err = r.fixedString(12)
	return m, err
}

// NewSessionAlert is the NEW_SESSION_ALERT broadcast payload.
type NewSessionAlert struct {
	SessionKey uint32
	Username   string
}

func EncodeNewSessionAlert(m NewSessionAlert) []byte {
	w := &byteWriter{}
	w.putU32(m.SessionKey)
	w.putU32String(m.Username)
	return w.buf
}

// RequestSessionKey is the REQUEST_SESSION_KEY payload.
type RequestSessionKey struct {
	Username string
}

func DecodeRequestSessionKey(b []byte) (RequestSessionKey, error) {
	r := newByteReader(b)
	u, err := r.fixedString(8)
	return RequestSessionKey{Username: u}, err
}

// SessionKeyResponse is the SESSION_KEY_RESPONSE payload.
type SessionKeyResponse struct {
	SessionKey uint32
	Username   string
}

func EncodeSessionKeyResponse(m SessionKeyResponse) []byte {
	w := &byteWriter{}
	w.putU32(m.SessionKey)
	w.putFixedString(m.Username, 64)
	return w.buf
}

// PlayerCount is the shared PLAYER_ADDED / PLAYER_REMOVED payload.
type PlayerCount struct {
	MapID      uint16
	InstanceID uint16
}

func DecodePlayerCount(b []byte) (PlayerCount, error) {
	r := newByteReader(b)
	var m PlayerCount
	var err error
	if m.MapID, err = r.u16(); err != nil {
		return m, err
	}
	m.InstanceID, err = r.u16()
	return m, err
}

// CreatePrivateZone is the CREATE_PRIVATE_ZONE payload.
type CreatePrivateZone struct {
	MapID    uint32
	CloneID  uint32
	Password string
}

func DecodeCreatePrivateZone(b []byte) (CreatePrivateZone, error) {
	r := newByteReader(b)
	var m CreatePrivateZone
	var err error
	if m.MapID, err = r.u32(); err != nil {
		return m, err
	}
	if m.CloneID, err = r.u32(); err != nil {
		return m, err
	}
	m.Password, err = r.u32String()
	return m, err
}

// RequestPrivateZone is the REQUEST_PRIVATE_ZONE payload.
type RequestPrivateZone struct {
	RequestID    uint64
	MythranShift bool
	Password     string
}

func DecodeRequestPrivateZone(b []byte) (RequestPrivateZone, error) {
	r := newByteReader(b)
	var m RequestPrivateZone
	var err error
	if m.RequestID, err = r.u64(); err != nil {
		return m, err
	}
	shift, err := r.u8()
	if err != nil {
		return m, err
	}
	m.MythranShift = shift != 0
	m.Password, err = r.u32String()
	return m, err
}

// WorldReady is the WORLD_READY payload.
type WorldReady struct {
	ZoneID     uint16
	InstanceID uint16
}

func DecodeWorldReady(b []byte) (WorldReady, error) {
	r := newByteReader(b)
	var m WorldReady
	var err error
	if m.ZoneID, err = r.u16(); err != nil {
		return m, err
	}
	m.InstanceID, err = r.u16()
	return m, err
}

// PrepZone is the PREP_ZONE payload.
type PrepZone struct {
	ZoneID int32
}

func EncodePrepZone(m PrepZone) []byte {
	w := &byteWriter{}
	w.putU32(uint32(m.ZoneID))
	return w.buf
}

// AffirmTransferResponse is the AFFIRM_TRANSFER_RESPONSE payload.
type AffirmTransferResponse struct {
	RequestID uint64
}

func DecodeAffirmTransferResponse(b []byte) (AffirmTransferResponse, error) {
	r := newByteReader(b)
	v, err := r.u64()
	return AffirmTransferResponse{RequestID: v}, err
}

// ShutdownInstance is the SHUTDOWN_INSTANCE payload.
type ShutdownInstance struct {
	ZoneID     uint32
	InstanceID uint16
}

func DecodeShutdownInstance(b []byte) (ShutdownInstance, error) {
	r := newByteReader(b)
	var m ShutdownInstance
	var err error
	if m.ZoneID, err = r.u32(); err != nil {
		return m, err
	}
	m.InstanceID, err = r.u16()
	return m, err
}

// GetInstances is the GET_INSTANCES request payload.
type GetInstances struct {
	ObjectID            uint64
	HasZoneID           bool
	ZoneID              uint16
	RespondingZoneID    uint16
	RespondingInstance  uint16
}

func DecodeGetInstances(b []byte) (GetInstances, error) {
	r := newByteReader(b)
	var m GetInstances
	var err error
	if m.ObjectID, err = r.u64(); err != nil {
		return m, err
	}
	present, err := r.u8()
	if err != nil {
		return m, err
	}
	m.HasZoneID = present != 0
	if m.ZoneID, err = r.u16(); err != nil {
		return m, err
	}
	if m.RespondingZoneID, err = r.u16(); err != nil {
		return m, err
	}
	m.RespondingInstance, err = r.u16()
	return m, err
}

// InstanceTriple is one (mapID, cloneID, instanceID) entry in RESPOND_INSTANCES.
type InstanceTriple struct {
	MapID      uint16
	CloneID    uint32
	InstanceID uint16
}

// RespondInstances is the RESPOND_INSTANCES payload.
type RespondInstances struct {
	ObjectID  uint64
	Instances []InstanceTriple
}

func EncodeRespondInstances(m RespondInstances) []byte {
	w := &byteWriter{}
	w.putU64(m.ObjectID)
	w.putU32(uint32(len(m.Instances)))
	for _, t := range m.Instances {
		w.putU16(t.MapID)
		w.putU32(t.CloneID)
		w.putU16(t.InstanceID)
	}
	return w.buf
}
