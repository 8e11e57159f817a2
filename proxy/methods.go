package proxy

import (
	"encoding/binary"
	"errors"
)

// tableField is one entry of an AMQP field-table, encoded in the order
// given rather than via a Go map so the wire bytes are deterministic.
type tableField struct {
	Key   string
	Value interface{} // string, bool, or []tableField
}

func encodeFieldValue(v interface{}) []byte {
	switch val := v.(type) {
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return []byte{'t', b}
	case string:
		return append([]byte{'S'}, serializeLongString([]byte(val))...)
	case []tableField:
		return append([]byte{'F'}, encodeTable(val)...)
	default:
		return append([]byte{'S'}, serializeLongString(nil)...)
	}
}

func encodeTable(fields []tableField) []byte {
	var body []byte
	for _, f := range fields {
		body = append(body, serializeShortString(f.Key)...)
		body = append(body, encodeFieldValue(f.Value)...)
	}
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(body)))
	return append(length, body...)
}

// serializeConnectionStart builds the proxy's own Connection.Start,
// advertising a fixed set of server capability flags.
func serializeConnectionStart() []byte {
	header := SerializeMethodHeader(&MethodHeader{ClassID: classConnection, MethodID: methodConnectionStart})

	serverProps := encodeTable([]tableField{
		{"product", "amqplex"},
		{"version", "1.0"},
		{"platform", "Go"},
		{"capabilities", []tableField{
			{"consumer_priorities", true},
			{"exchange_exchange_bindings", true},
			{"connection.blocked", true},
			{"authentication_failure_close", true},
			{"per_consumer_qos", true},
			{"basic.nack", true},
			{"direct_reply_to", true},
			{"publisher_confirms", true},
			{"consumer_cancel_notify", true},
		}},
	})

	payload := []byte{0, 9} // protocol version-major, version-minor
	payload = append(payload, serverProps...)
	payload = append(payload, serializeLongString([]byte("PLAIN AMQPLAIN"))...)
	payload = append(payload, serializeLongString([]byte("en_US"))...)
	return append(header, payload...)
}

// serializeConnectionTune builds a Connection.Tune (or, with method 31,
// a Connection.TuneOk — callers pick via the methodID argument).
func serializeConnectionTune(methodID uint16, channelMax uint16, frameMax uint32, heartbeat uint16) []byte {
	header := SerializeMethodHeader(&MethodHeader{ClassID: classConnection, MethodID: methodID})
	body := make([]byte, 8)
	binary.BigEndian.PutUint16(body[0:2], channelMax)
	binary.BigEndian.PutUint32(body[2:6], frameMax)
	binary.BigEndian.PutUint16(body[6:8], heartbeat)
	return append(header, body...)
}

// serializeConnectionTunePayload is a Connection.Tune with the proxy's own
// downstream defaults: frame_max=131072, channel_max=0 (no client-imposed
// limit), heartbeat=0 (no downstream heartbeats). Upstream tuning values are
// never propagated to the client.
func serializeConnectionTunePayload() []byte {
	return serializeConnectionTune(methodConnectionTune, 0, 131072, 0)
}

// parseConnectionTune extracts channel-max, frame-max, and heartbeat from a
// Connection.Tune (or TuneOk) payload, used by the upstream client-side
// handshake to capture the broker's negotiated values.
func parseConnectionTune(payload []byte) (channelMax uint16, frameMax uint32, heartbeat uint16, err error) {
	if len(payload) < 12 {
		return 0, 0, 0, errors.New("Connection.Tune payload too short")
	}
	body := payload[4:]
	channelMax = binary.BigEndian.Uint16(body[0:2])
	frameMax = binary.BigEndian.Uint32(body[2:6])
	heartbeat = binary.BigEndian.Uint16(body[6:8])
	return channelMax, frameMax, heartbeat, nil
}

// serializeConnectionOpenOK builds a Connection.OpenOk.
func serializeConnectionOpenOK() []byte {
	header := SerializeMethodHeader(&MethodHeader{ClassID: classConnection, MethodID: methodConnectionOpenOk})
	return append(header, serializeShortString("")...)
}

// serializeConnectionClose builds a Connection.Close the proxy originates
// itself (as opposed to one forwarded verbatim from the broker).
func serializeConnectionClose(replyCode uint16, replyText string) []byte {
	header := SerializeMethodHeader(&MethodHeader{ClassID: classConnection, MethodID: methodConnectionClose})
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, replyCode)
	body = append(body, serializeShortString(replyText)...)
	body = append(body, 0, 0, 0, 0) // class-id, method-id of the failed method; unknown here
	return append(header, body...)
}

// parseConnectionClose extracts the reply code and text from a
// Connection.Close payload.
func parseConnectionClose(payload []byte) (replyCode uint16, replyText string, err error) {
	h, err := ParseMethodHeader(payload)
	if err != nil {
		return 0, "", err
	}
	if h.ClassID != classConnection || h.MethodID != methodConnectionClose {
		return 0, "", errors.New("not a Connection.Close frame")
	}
	if len(payload) < 6 {
		return 0, "", errors.New("Connection.Close payload too short")
	}
	replyCode = binary.BigEndian.Uint16(payload[4:6])
	replyText, _, err = parseShortString(payload[6:])
	if err != nil {
		return 0, "", err
	}
	return replyCode, replyText, nil
}

func serializeConnectionCloseOk() []byte {
	return SerializeMethodHeader(&MethodHeader{ClassID: classConnection, MethodID: methodConnectionCloseOk})
}

// serializeChannelClose builds a Channel.Close the proxy originates itself,
// used when releasing an upstream channel on session teardown rather than
// forwarding a client- or broker-initiated one verbatim.
func serializeChannelClose(replyCode uint16, replyText string) []byte {
	header := SerializeMethodHeader(&MethodHeader{ClassID: classChannel, MethodID: methodChannelClose})
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, replyCode)
	body = append(body, serializeShortString(replyText)...)
	body = append(body, 0, 0, 0, 0)
	return append(header, body...)
}

func serializeChannelCloseOk() []byte {
	return SerializeMethodHeader(&MethodHeader{ClassID: classChannel, MethodID: methodChannelCloseOk})
}

// isConnectionClose/isConnectionCloseOk/isChannelClose/isChannelCloseOk/
// isChannelOpen report whether a method-frame payload is the named method,
// tolerating malformed/short payloads by returning false rather than error
// (the caller treats "not this method" and "unparseable" identically).
func methodIs(payload []byte, classID, methodID uint16) bool {
	h, err := ParseMethodHeader(payload)
	if err != nil {
		return false
	}
	return h.ClassID == classID && h.MethodID == methodID
}

func isConnectionClose(payload []byte) bool   { return methodIs(payload, classConnection, methodConnectionClose) }
func isConnectionCloseOk(payload []byte) bool { return methodIs(payload, classConnection, methodConnectionCloseOk) }
func isChannelOpen(payload []byte) bool       { return methodIs(payload, classChannel, methodChannelOpen) }
func isChannelClose(payload []byte) bool      { return methodIs(payload, classChannel, methodChannelClose) }
func isChannelCloseOk(payload []byte) bool    { return methodIs(payload, classChannel, methodChannelCloseOk) }
