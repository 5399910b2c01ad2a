// Package msgtypes defines the IPC message type registry and the frame
// encode/decode for each message, so Port implementations never touch frame
// field offsets directly.
package msgtypes

import (
	"github.com/squidcore/storecore/internal/ipc/frame"
)

// Message type registry.
const (
	RegisterStrandType frame.Type = iota + 1
	StrandRegisteredType
	FindStrandType
	StrandReadyType
	SharedListenRequestType
	SharedListenResponseType
	IpcIoNotificationType
	CollapsedForwardingNotificationType
	CacheMgrRequestType
	CacheMgrResponseType
	SnmpRequestType
	SnmpResponseType
)

// RegisterStrand is sent by a Strand to the Coordinator at startup.
type RegisterStrand struct {
	KidID  int32
	Pid    int32
	HasTag bool
	Tag    string
}

func (m RegisterStrand) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(RegisterStrandType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.KidID); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.Pid); err != nil {
		return nil, err
	}
	hasTag := uint8(0)
	if m.HasTag {
		hasTag = 1
	}
	if err := frame.PutPOD(f, hasTag); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Tag); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeRegisterStrand(f *frame.Frame) (RegisterStrand, error) {
	var m RegisterStrand
	if err := f.CheckType(RegisterStrandType); err != nil {
		return m, err
	}
	var err error
	if m.KidID, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	if m.Pid, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	hasTag, err := frame.GetPOD[uint8](f)
	if err != nil {
		return m, err
	}
	m.HasTag = hasTag != 0
	if m.Tag, err = f.GetString(); err != nil {
		return m, err
	}
	return m, nil
}

// StrandRegistered acknowledges a RegisterStrand.
type StrandRegistered struct{}

func (m StrandRegistered) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(StrandRegisteredType); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeStrandRegistered(f *frame.Frame) (StrandRegistered, error) {
	return StrandRegistered{}, f.CheckType(StrandRegisteredType)
}

// FindStrand asks the Coordinator for a strand matching Tag, answered as
// soon as a matching strand registers.
type FindStrand struct {
	Tag string
}

func (m FindStrand) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(FindStrandType); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Tag); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeFindStrand(f *frame.Frame) (FindStrand, error) {
	var m FindStrand
	if err := f.CheckType(FindStrandType); err != nil {
		return m, err
	}
	var err error
	if m.Tag, err = f.GetString(); err != nil {
		return m, err
	}
	return m, nil
}

// StrandReady answers a FindStrand search once a matching kid registers.
type StrandReady struct {
	KidID int32
}

func (m StrandReady) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(StrandReadyType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.KidID); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeStrandReady(f *frame.Frame) (StrandReady, error) {
	var m StrandReady
	if err := f.CheckType(StrandReadyType); err != nil {
		return m, err
	}
	var err error
	if m.KidID, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	return m, nil
}

// SharedListenRequest is posted by a strand to obtain a shared listening
// socket. MapID is a uuid correlation token: the response carries
// everything the strand needs, so no request-object reconstruction.
type SharedListenRequest struct {
	Addr     string
	SockType int32
	Proto    int32
	MapID    string
}

func (m SharedListenRequest) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(SharedListenRequestType); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Addr); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.SockType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.Proto); err != nil {
		return nil, err
	}
	if err := f.PutString(m.MapID); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeSharedListenRequest(f *frame.Frame) (SharedListenRequest, error) {
	var m SharedListenRequest
	if err := f.CheckType(SharedListenRequestType); err != nil {
		return m, err
	}
	var err error
	if m.Addr, err = f.GetString(); err != nil {
		return m, err
	}
	if m.SockType, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	if m.Proto, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	if m.MapID, err = f.GetString(); err != nil {
		return m, err
	}
	return m, nil
}

// SharedListenResponse carries the fd out-of-band (via transport's
// ancillary-data path); the frame itself carries the correlation and the
// bound address tuple the Coordinator actually used
type SharedListenResponse struct {
	MapID    string
	Addr     string
	SockType int32
	Proto    int32
	Errno    int32
}

func (m SharedListenResponse) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(SharedListenResponseType); err != nil {
		return nil, err
	}
	if err := f.PutString(m.MapID); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Addr); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.SockType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.Proto); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.Errno); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeSharedListenResponse(f *frame.Frame) (SharedListenResponse, error) {
	var m SharedListenResponse
	if err := f.CheckType(SharedListenResponseType); err != nil {
		return m, err
	}
	var err error
	if m.MapID, err = f.GetString(); err != nil {
		return m, err
	}
	if m.Addr, err = f.GetString(); err != nil {
		return m, err
	}
	if m.SockType, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	if m.Proto, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	if m.Errno, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	return m, nil
}

// IpcIoNotification signals new queued I/O on a shared-memory channel keyed
// by cache_key.
type IpcIoNotification struct {
	Key [16]byte
}

func (m IpcIoNotification) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(IpcIoNotificationType); err != nil {
		return nil, err
	}
	if err := f.PutFixed(m.Key[:]); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeIpcIoNotification(f *frame.Frame) (IpcIoNotification, error) {
	var m IpcIoNotification
	if err := f.CheckType(IpcIoNotificationType); err != nil {
		return m, err
	}
	b, err := f.GetFixed(16)
	if err != nil {
		return m, err
	}
	copy(m.Key[:], b)
	return m, nil
}

// CollapsedForwardingNotification tells a peer worker to drain its CF queue.
// A push sends it only when the consumer's reader-signal flag was clear, so
// at most one is outstanding per (producer, consumer) pair.
type CollapsedForwardingNotification struct {
	FromKid int32
}

func (m CollapsedForwardingNotification) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(CollapsedForwardingNotificationType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.FromKid); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeCollapsedForwardingNotification(f *frame.Frame) (CollapsedForwardingNotification, error) {
	var m CollapsedForwardingNotification
	if err := f.CheckType(CollapsedForwardingNotificationType); err != nil {
		return m, err
	}
	var err error
	if m.FromKid, err = frame.GetPOD[int32](f); err != nil {
		return m, err
	}
	return m, nil
}

// CacheMgrRequest carries a cache-manager action invocation across the
// Forwarder/Inquirer.
type CacheMgrRequest struct {
	Qid    uint32
	ReqIdx uint64
	Action string
	Params string
}

func (m CacheMgrRequest) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(CacheMgrRequestType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.Qid); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.ReqIdx); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Action); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Params); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeCacheMgrRequest(f *frame.Frame) (CacheMgrRequest, error) {
	var m CacheMgrRequest
	if err := f.CheckType(CacheMgrRequestType); err != nil {
		return m, err
	}
	var err error
	if m.Qid, err = frame.GetPOD[uint32](f); err != nil {
		return m, err
	}
	if m.ReqIdx, err = frame.GetPOD[uint64](f); err != nil {
		return m, err
	}
	if m.Action, err = f.GetString(); err != nil {
		return m, err
	}
	if m.Params, err = f.GetString(); err != nil {
		return m, err
	}
	return m, nil
}

// CacheMgrResponse is a strand's collected action output, echoed back to the
// Inquirer for aggregation.
type CacheMgrResponse struct {
	Qid    uint32
	ReqIdx uint64
	Body   string
}

func (m CacheMgrResponse) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(CacheMgrResponseType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.Qid); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.ReqIdx); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Body); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeCacheMgrResponse(f *frame.Frame) (CacheMgrResponse, error) {
	var m CacheMgrResponse
	if err := f.CheckType(CacheMgrResponseType); err != nil {
		return m, err
	}
	var err error
	if m.Qid, err = frame.GetPOD[uint32](f); err != nil {
		return m, err
	}
	if m.ReqIdx, err = frame.GetPOD[uint64](f); err != nil {
		return m, err
	}
	if m.Body, err = f.GetString(); err != nil {
		return m, err
	}
	return m, nil
}

// SnmpRequest/SnmpResponse are carried for completeness though the SNMP
// payload semantics themselves are out of scope; only directed passthrough
// is supported.
type SnmpRequest struct {
	Qid    uint32
	ReqIdx uint64
	Oid    string
}

func (m SnmpRequest) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(SnmpRequestType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.Qid); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.ReqIdx); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Oid); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeSnmpRequest(f *frame.Frame) (SnmpRequest, error) {
	var m SnmpRequest
	if err := f.CheckType(SnmpRequestType); err != nil {
		return m, err
	}
	var err error
	if m.Qid, err = frame.GetPOD[uint32](f); err != nil {
		return m, err
	}
	if m.ReqIdx, err = frame.GetPOD[uint64](f); err != nil {
		return m, err
	}
	if m.Oid, err = f.GetString(); err != nil {
		return m, err
	}
	return m, nil
}

type SnmpResponse struct {
	Qid     uint32
	ReqIdx  uint64
	Payload string
}

func (m SnmpResponse) Encode() (*frame.Frame, error) {
	f := frame.New()
	if err := f.SetType(SnmpResponseType); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.Qid); err != nil {
		return nil, err
	}
	if err := frame.PutPOD(f, m.ReqIdx); err != nil {
		return nil, err
	}
	if err := f.PutString(m.Payload); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeSnmpResponse(f *frame.Frame) (SnmpResponse, error) {
	var m SnmpResponse
	if err := f.CheckType(SnmpResponseType); err != nil {
		return m, err
	}
	var err error
	if m.Qid, err = frame.GetPOD[uint32](f); err != nil {
		return m, err
	}
	if m.ReqIdx, err = frame.GetPOD[uint64](f); err != nil {
		return m, err
	}
	if m.Payload, err = f.GetString(); err != nil {
		return m, err
	}
	return m, nil
}
