package wire

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// Message is one decoded relay command. Payloads marshal to the bytes that
// follow the command code inside a frame.
type Message interface {
	Cmd() Cmd
	MarshalBinary() ([]byte, error)
}

// Decode parses a complete frame payload (command byte included) into a
// typed message. Relay-to-device commands are accepted too so the codec can
// round-trip in tests.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, oops.Errorf("empty frame")
	}
	cmd := Cmd(payload[0])
	body := payload[1:]

	var msg Message
	switch cmd {
	case CmdConnect:
		msg = &Connect{}
	case CmdReconnect:
		msg = &Reconnect{}
	case CmdAck:
		msg = &Ack{}
	case CmdDisconnect:
		msg = &Disconnect{}
	case CmdHeartbeat:
		msg = &Heartbeat{}
	case CmdMsgToRelay, CmdMsgFromRelay:
		msg = &FwdMessage{Relayed: cmd == CmdMsgFromRelay}
	case CmdConnectResp, CmdReconnectResp:
		msg = &ConnectResp{Reconnect: cmd == CmdReconnectResp}
	case CmdAllHere:
		msg = &AllHere{}
	case CmdDisconnectYou:
		msg = &DisconnectYou{}
	case CmdDisconnectOther:
		msg = &DisconnectOther{}
	case CmdConnectDenied:
		msg = &ConnectDenied{}
	default:
		return nil, oops.Errorf("unknown command %d", payload[0])
	}

	u, ok := msg.(interface{ unmarshalBody([]byte) error })
	if !ok {
		return nil, oops.Errorf("command %s cannot be decoded", cmd)
	}
	if err := u.unmarshalBody(body); err != nil {
		return nil, oops.Errorf("decoding %s: %w", cmd, err)
	}
	return msg, nil
}

// Encode marshals msg into a complete frame payload, command byte first.
func Encode(msg Message) ([]byte, error) {
	body, err := msg.MarshalBinary()
	if err != nil {
		return nil, oops.Errorf("encoding %s: %w", msg.Cmd(), err)
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(msg.Cmd()))
	return append(out, body...), nil
}

// reader walks a payload with bounds checking.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) byteVal() (byte, error) {
	if r.remaining() < 1 {
		return 0, oops.Errorf("truncated payload at offset %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) shortVal() (uint16, error) {
	if r.remaining() < 2 {
		return 0, oops.Errorf("truncated payload at offset %d", r.pos)
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// stringVal reads a 1-byte length-prefixed string.
func (r *reader) stringVal() (string, error) {
	n, err := r.byteVal()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", oops.Errorf("truncated string of %d bytes at offset %d", n, r.pos)
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// rest consumes everything remaining, for opaque trailing payloads.
func (r *reader) rest() []byte {
	out := make([]byte, r.remaining())
	copy(out, r.buf[r.pos:])
	r.pos = len(r.buf)
	return out
}

func (r *reader) expectDrained() error {
	if r.remaining() != 0 {
		return oops.Errorf("%d trailing bytes after payload", r.remaining())
	}
	return nil
}

type writer struct {
	buf []byte
}

func (w *writer) putByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) putShort(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) putString(s string) error {
	if len(s) > 255 {
		return oops.Errorf("string of %d bytes too long for length prefix", len(s))
	}
	w.putByte(byte(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// Connect is a first-time admission request keyed by join cookie.
type Connect struct {
	Flags        uint8
	Cookie       string
	WantsPublic  bool
	MakePublic   bool
	LocalPlayers uint8
	TotalPlayers uint8
	GameSeed     Seed
	Lang         uint8
}

func (*Connect) Cmd() Cmd { return CmdConnect }

func (m *Connect) MarshalBinary() ([]byte, error) {
	var w writer
	w.putByte(m.Flags)
	if err := w.putString(m.Cookie); err != nil {
		return nil, err
	}
	w.putByte(boolByte(m.WantsPublic))
	w.putByte(boolByte(m.MakePublic))
	w.putByte(m.LocalPlayers)
	w.putByte(m.TotalPlayers)
	w.putShort(uint16(m.GameSeed))
	w.putByte(m.Lang)
	return w.buf, nil
}

func (m *Connect) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	var err error
	if m.Flags, err = r.byteVal(); err != nil {
		return err
	}
	if m.Cookie, err = r.stringVal(); err != nil {
		return err
	}
	var b byte
	if b, err = r.byteVal(); err != nil {
		return err
	}
	m.WantsPublic = b != 0
	if b, err = r.byteVal(); err != nil {
		return err
	}
	m.MakePublic = b != 0
	if m.LocalPlayers, err = r.byteVal(); err != nil {
		return err
	}
	if m.TotalPlayers, err = r.byteVal(); err != nil {
		return err
	}
	var seed uint16
	if seed, err = r.shortVal(); err != nil {
		return err
	}
	m.GameSeed = Seed(seed)
	if m.Lang, err = r.byteVal(); err != nil {
		return err
	}
	return r.expectDrained()
}

// Reconnect re-admits a device into a session already named.
type Reconnect struct {
	Flags        uint8
	Cookie       string
	WantsPublic  bool
	MakePublic   bool
	HostID       HostID
	LocalPlayers uint8
	TotalPlayers uint8
	GameSeed     Seed
	Lang         uint8
	ConnName     string
}

func (*Reconnect) Cmd() Cmd { return CmdReconnect }

func (m *Reconnect) MarshalBinary() ([]byte, error) {
	var w writer
	w.putByte(m.Flags)
	if err := w.putString(m.Cookie); err != nil {
		return nil, err
	}
	w.putByte(boolByte(m.WantsPublic))
	w.putByte(boolByte(m.MakePublic))
	w.putByte(byte(m.HostID))
	w.putByte(m.LocalPlayers)
	w.putByte(m.TotalPlayers)
	w.putShort(uint16(m.GameSeed))
	w.putByte(m.Lang)
	if err := w.putString(m.ConnName); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func (m *Reconnect) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	var err error
	if m.Flags, err = r.byteVal(); err != nil {
		return err
	}
	if m.Cookie, err = r.stringVal(); err != nil {
		return err
	}
	var b byte
	if b, err = r.byteVal(); err != nil {
		return err
	}
	m.WantsPublic = b != 0
	if b, err = r.byteVal(); err != nil {
		return err
	}
	m.MakePublic = b != 0
	if b, err = r.byteVal(); err != nil {
		return err
	}
	m.HostID = HostID(b)
	if m.LocalPlayers, err = r.byteVal(); err != nil {
		return err
	}
	if m.TotalPlayers, err = r.byteVal(); err != nil {
		return err
	}
	var seed uint16
	if seed, err = r.shortVal(); err != nil {
		return err
	}
	m.GameSeed = Seed(seed)
	if m.Lang, err = r.byteVal(); err != nil {
		return err
	}
	if m.ConnName, err = r.stringVal(); err != nil {
		return err
	}
	return r.expectDrained()
}

// Ack confirms a device received its admission response.
type Ack struct {
	HostID HostID
}

func (*Ack) Cmd() Cmd { return CmdAck }

func (m *Ack) MarshalBinary() ([]byte, error) {
	return []byte{byte(m.HostID)}, nil
}

func (m *Ack) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.HostID = HostID(b)
	return r.expectDrained()
}

// Disconnect is a device leaving its session on purpose.
type Disconnect struct {
	SessionID SessionID
	HostID    HostID
}

func (*Disconnect) Cmd() Cmd { return CmdDisconnect }

func (m *Disconnect) MarshalBinary() ([]byte, error) {
	var w writer
	w.putShort(uint16(m.SessionID))
	w.putByte(byte(m.HostID))
	return w.buf, nil
}

func (m *Disconnect) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	sid, err := r.shortVal()
	if err != nil {
		return err
	}
	m.SessionID = SessionID(sid)
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.HostID = HostID(b)
	return r.expectDrained()
}

// Heartbeat is sent periodically in both directions.
type Heartbeat struct {
	SessionID SessionID
	HostID    HostID
}

func (*Heartbeat) Cmd() Cmd { return CmdHeartbeat }

func (m *Heartbeat) MarshalBinary() ([]byte, error) {
	var w writer
	w.putShort(uint16(m.SessionID))
	w.putByte(byte(m.HostID))
	return w.buf, nil
}

func (m *Heartbeat) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	sid, err := r.shortVal()
	if err != nil {
		return err
	}
	m.SessionID = SessionID(sid)
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.HostID = HostID(b)
	return r.expectDrained()
}

// FwdMessage is an opaque application payload relayed between two hosts in
// the same session. Relayed marks the relay→device direction.
type FwdMessage struct {
	Relayed   bool
	SessionID SessionID
	SrcHost   HostID
	DestHost  HostID
	Body      []byte
}

func (m *FwdMessage) Cmd() Cmd {
	if m.Relayed {
		return CmdMsgFromRelay
	}
	return CmdMsgToRelay
}

func (m *FwdMessage) MarshalBinary() ([]byte, error) {
	var w writer
	w.putShort(uint16(m.SessionID))
	w.putByte(byte(m.SrcHost))
	w.putByte(byte(m.DestHost))
	w.buf = append(w.buf, m.Body...)
	return w.buf, nil
}

func (m *FwdMessage) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	sid, err := r.shortVal()
	if err != nil {
		return err
	}
	m.SessionID = SessionID(sid)
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.SrcHost = HostID(b)
	if b, err = r.byteVal(); err != nil {
		return err
	}
	m.DestHost = HostID(b)
	m.Body = r.rest()
	return nil
}

// ConnectResp acknowledges an admission. Reconnect selects the
// RECONNECT_RESP command code; the layout is identical.
type ConnectResp struct {
	Reconnect        bool
	HostID           HostID
	SessionID        SessionID
	HeartbeatSeconds uint16
	PlayersExpected  uint8
	PlayersHere      uint8
	ConnName         string
}

func (m *ConnectResp) Cmd() Cmd {
	if m.Reconnect {
		return CmdReconnectResp
	}
	return CmdConnectResp
}

func (m *ConnectResp) MarshalBinary() ([]byte, error) {
	var w writer
	w.putByte(byte(m.HostID))
	w.putShort(uint16(m.SessionID))
	w.putShort(m.HeartbeatSeconds)
	w.putByte(m.PlayersExpected)
	w.putByte(m.PlayersHere)
	if err := w.putString(m.ConnName); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func (m *ConnectResp) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.HostID = HostID(b)
	sid, err := r.shortVal()
	if err != nil {
		return err
	}
	m.SessionID = SessionID(sid)
	if m.HeartbeatSeconds, err = r.shortVal(); err != nil {
		return err
	}
	if m.PlayersExpected, err = r.byteVal(); err != nil {
		return err
	}
	if m.PlayersHere, err = r.byteVal(); err != nil {
		return err
	}
	if m.ConnName, err = r.stringVal(); err != nil {
		return err
	}
	return r.expectDrained()
}

// AllHere tells each device that the full party is assembled.
type AllHere struct {
	DestHost HostID
	ConnName string
}

func (*AllHere) Cmd() Cmd { return CmdAllHere }

func (m *AllHere) MarshalBinary() ([]byte, error) {
	var w writer
	w.putByte(byte(m.DestHost))
	if err := w.putString(m.ConnName); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func (m *AllHere) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.DestHost = HostID(b)
	if m.ConnName, err = r.stringVal(); err != nil {
		return err
	}
	return r.expectDrained()
}

// DisconnectYou tells the receiving device it has been dropped.
type DisconnectYou struct {
	Reason Reason
}

func (*DisconnectYou) Cmd() Cmd { return CmdDisconnectYou }

func (m *DisconnectYou) MarshalBinary() ([]byte, error) {
	return []byte{byte(m.Reason)}, nil
}

func (m *DisconnectYou) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.Reason = Reason(b)
	return r.expectDrained()
}

// DisconnectOther tells remaining devices which peer went away and why.
type DisconnectOther struct {
	Reason   Reason
	LostHost HostID
}

func (*DisconnectOther) Cmd() Cmd { return CmdDisconnectOther }

func (m *DisconnectOther) MarshalBinary() ([]byte, error) {
	return []byte{byte(m.Reason), byte(m.LostHost)}, nil
}

func (m *DisconnectOther) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.Reason = Reason(b)
	if b, err = r.byteVal(); err != nil {
		return err
	}
	m.LostHost = HostID(b)
	return r.expectDrained()
}

// ConnectDenied rejects an admission attempt with a reason code.
type ConnectDenied struct {
	Reason Reason
}

func (*ConnectDenied) Cmd() Cmd { return CmdConnectDenied }

func (m *ConnectDenied) MarshalBinary() ([]byte, error) {
	return []byte{byte(m.Reason)}, nil
}

func (m *ConnectDenied) unmarshalBody(body []byte) error {
	r := reader{buf: body}
	b, err := r.byteVal()
	if err != nil {
		return err
	}
	m.Reason = Reason(b)
	return r.expectDrained()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
