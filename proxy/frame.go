package proxy

import (
	"encoding/binary"
	"errors"
	"io"
)

type FrameType uint8

const (
	FrameTypeMethod    FrameType = 1
	FrameTypeHeader    FrameType = 2
	FrameTypeBody      FrameType = 3
	FrameTypeHeartbeat FrameType = 8
)

// frameEnd is the trailing octet every AMQP 0-9-1 frame is terminated with.
const frameEnd byte = 0xCE

type Frame struct {
	Type    FrameType
	Channel uint16
	Payload []byte
}

type MethodHeader struct {
	ClassID  uint16
	MethodID uint16
}

const ProtocolHeader = "AMQP\x00\x00\x09\x01"

// protocolHeaderLegacy is the AMQP 0-9-0 protocol header. A handful of older
// clients still send this instead of the 0-9-1 header; the proxy accepts
// both on the way in but always answers with the 0-9-1 header.
const protocolHeaderLegacy = "AMQP\x00\x00\x09\x00"

// AMQP 0-9-1 class and method identifiers for the methods this proxy
// originates, parses, or dispatches on. All other methods travel as opaque
// pass-through payloads.
const (
	classConnection = 10
	classChannel    = 20

	methodConnectionStart   = 10
	methodConnectionStartOk = 11
	methodConnectionTune    = 30
	methodConnectionTuneOk  = 31
	methodConnectionOpen    = 40
	methodConnectionOpenOk  = 41
	methodConnectionClose   = 50
	methodConnectionCloseOk = 51

	methodChannelOpen    = 10
	methodChannelOpenOk  = 11
	methodChannelClose   = 40
	methodChannelCloseOk = 41
)

// Standard AMQP 0-9-1 reply codes used when the proxy synthesizes a
// Connection.Close of its own rather than forwarding one from the broker.
const (
	ReplyCodeConnectionForced = 320 // second-signal forced disconnect, or the upstream was lost
	ReplyCodeResourceError    = 506 // soft connection/channel cap exceeded
	ReplyCodeChannelError     = 504 // frame referenced a channel id with no binding
)

// UpstreamErrorText is embedded in the reply-text of a synthetic
// Connection.Close sent to clients bound to an upstream that died.
const UpstreamErrorText = "UPSTREAM_ERROR"

func ParseFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	frameType := FrameType(header[0])
	channel := binary.BigEndian.Uint16(header[1:3])
	size := binary.BigEndian.Uint32(header[3:7])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	end := make([]byte, 1)
	if _, err := io.ReadFull(r, end); err != nil {
		return nil, err
	}
	if end[0] != frameEnd {
		return nil, errors.New("malformed frame: missing frame-end octet")
	}

	return &Frame{
		Type:    frameType,
		Channel: channel,
		Payload: payload,
	}, nil
}

func WriteFrame(w io.Writer, frame *Frame) error {
	header := make([]byte, 7)
	header[0] = byte(frame.Type)
	binary.BigEndian.PutUint16(header[1:3], frame.Channel)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(frame.Payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(frame.Payload); err != nil {
		return err
	}
	if _, err := w.Write([]byte{frameEnd}); err != nil {
		return err
	}
	return nil
}

func ParseMethodHeader(data []byte) (*MethodHeader, error) {
	if len(data) < 4 {
		return nil, errors.New("method header too short")
	}

	return &MethodHeader{
		ClassID:  binary.BigEndian.Uint16(data[0:2]),
		MethodID: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

func SerializeMethodHeader(h *MethodHeader) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], h.ClassID)
	binary.BigEndian.PutUint16(buf[2:4], h.MethodID)
	return buf
}

// unsafeMethods names the methods that mark a channel unsafe for silent
// reuse across clients sharing an upstream.
var unsafeMethods = map[[2]uint16]string{
	{60, 10}:  "Basic.Qos",
	{60, 20}:  "Basic.Consume",
	{60, 80}:  "Basic.Ack",
	{60, 90}:  "Basic.Reject",
	{60, 120}: "Basic.Nack",
	{50, 20}:  "Queue.Bind",
	{50, 50}:  "Queue.Unbind",
	{40, 30}:  "Exchange.Bind",
	{40, 40}:  "Exchange.Unbind",
}

// classifyMethod returns the dotted method name for a class/method pair the
// proxy cares about for safety bookkeeping, or "" if it isn't one of them.
func classifyMethod(classID, methodID uint16) (string, bool) {
	name, ok := unsafeMethods[[2]uint16{classID, methodID}]
	return name, ok
}
