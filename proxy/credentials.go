package proxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

type Credentials struct {
	Username string
	Password string
}

// ParseConnectionStartOk extracts credentials from a Connection.StartOk
// frame, dispatching on the SASL mechanism the client chose. PLAIN and
// AMQPLAIN are the only mechanisms accepted; anything else is a
// NegotiationError.
func ParseConnectionStartOk(data []byte) (*Credentials, error) {
	header, err := ParseMethodHeader(data)
	if err != nil {
		return nil, err
	}
	if header.ClassID != classConnection || header.MethodID != methodConnectionStartOk {
		return nil, errors.New("not a Connection.StartOk frame")
	}

	offset := 4

	_, tableEnd, err := parseTable(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("parsing client-properties: %w", err)
	}
	offset += tableEnd

	mechanism, mechLen, err := parseShortString(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("parsing mechanism: %w", err)
	}
	offset += mechLen

	response, _, err := parseLongString(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("parsing SASL response: %w", err)
	}

	switch mechanism {
	case "PLAIN":
		return parsePlainResponse(response)
	case "AMQPLAIN":
		return parseAMQPLAINResponse(response)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", mechanism)
	}
}

// parsePlainResponse parses the SASL PLAIN format: [authzid]\0username\0password.
func parsePlainResponse(response []byte) (*Credentials, error) {
	parts := bytes.Split(response, []byte{0})
	if len(parts) != 3 {
		return nil, errors.New("invalid PLAIN auth format")
	}
	return &Credentials{
		Username: string(parts[1]),
		Password: string(parts[2]),
	}, nil
}

// parseAMQPLAINResponse parses RabbitMQ's AMQPLAIN format: an inline
// sequence of field-table entries (shortstr key + type tag + value, no
// overall table-length prefix) carrying at least LOGIN and PASSWORD.
func parseAMQPLAINResponse(response []byte) (*Credentials, error) {
	fields, err := parseInlineFields(response)
	if err != nil {
		return nil, fmt.Errorf("invalid AMQPLAIN auth format: %w", err)
	}
	login, ok := fields["LOGIN"]
	if !ok {
		return nil, errors.New("AMQPLAIN response missing LOGIN")
	}
	password, ok := fields["PASSWORD"]
	if !ok {
		return nil, errors.New("AMQPLAIN response missing PASSWORD")
	}
	return &Credentials{Username: login, Password: password}, nil
}

func parseInlineFields(data []byte) (map[string]string, error) {
	fields := make(map[string]string)
	offset := 0
	for offset < len(data) {
		key, n, err := parseShortString(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n

		if offset >= len(data) {
			return nil, errors.New("truncated field value")
		}
		tag := data[offset]
		offset++

		switch tag {
		case 'S':
			val, n, err := parseLongString(data[offset:])
			if err != nil {
				return nil, err
			}
			offset += n
			fields[key] = string(val)
		default:
			return nil, fmt.Errorf("unsupported AMQPLAIN field type %q for key %q", tag, key)
		}
	}
	return fields, nil
}

func parseShortString(data []byte) (string, int, error) {
	if len(data) < 1 {
		return "", 0, errors.New("data too short")
	}
	length := int(data[0])
	if len(data) < 1+length {
		return "", 0, errors.New("invalid string length")
	}
	return string(data[1 : 1+length]), 1 + length, nil
}

func parseLongString(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, errors.New("data too short for longstr")
	}
	length := int(binary.BigEndian.Uint32(data[0:4]))
	if len(data) < 4+length {
		return nil, 0, errors.New("invalid long string length")
	}
	return data[4 : 4+length], 4 + length, nil
}

func parseTable(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, errors.New("table too short")
	}
	length := int(binary.BigEndian.Uint32(data[0:4]))
	if len(data) < 4+length {
		return nil, 0, errors.New("invalid table length")
	}
	return data[4 : 4+length], 4 + length, nil
}

func serializeConnectionStartOk(mechanism string, response []byte) []byte {
	header := SerializeMethodHeader(&MethodHeader{ClassID: classConnection, MethodID: methodConnectionStartOk})

	payload := make([]byte, 0)
	payload = append(payload, serializeEmptyTable()...)
	payload = append(payload, serializeShortString(mechanism)...)
	payload = append(payload, serializeLongString(response)...)
	payload = append(payload, serializeShortString("en_US")...)

	return append(header, payload...)
}

func serializeConnectionStartOkResponse(username, password string) []byte {
	response := []byte{0}
	response = append(response, []byte(username)...)
	response = append(response, 0)
	response = append(response, []byte(password)...)
	return response
}

func serializeEmptyTable() []byte {
	lengthBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBytes, 0)
	return lengthBytes
}

func serializeLongString(data []byte) []byte {
	lengthBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBytes, uint32(len(data)))
	result := append(lengthBytes, data...)
	return result
}

func serializeShortString(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// ParseConnectionOpen extracts the vhost from a Connection.Open frame payload.
func ParseConnectionOpen(data []byte) (string, error) {
	header, err := ParseMethodHeader(data)
	if err != nil {
		return "", err
	}
	if header.ClassID != classConnection || header.MethodID != methodConnectionOpen {
		return "", fmt.Errorf("expected Connection.Open (class=10, method=40), got class=%d method=%d", header.ClassID, header.MethodID)
	}
	if len(data) < 5 {
		return "", errors.New("Connection.Open payload too short")
	}
	vhost, _, err := parseShortString(data[4:])
	if err != nil {
		return "", fmt.Errorf("failed to parse vhost: %w", err)
	}
	return vhost, nil
}
