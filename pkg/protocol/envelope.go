// Package protocol implements the norbert wire format: a 4-byte big-endian
// length frame around a tagged binary envelope record.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Status is the envelope status byte.
type Status uint8

const (
	StatusOK        Status = 0
	StatusError     Status = 1
	StatusHeartbeat Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusHeartbeat:
		return "HEARTBEAT"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// Envelope field tags.
const (
	tagRequestIDHigh = 1
	tagRequestIDLow  = 2
	tagMessageName   = 3
	tagStatus        = 4
	tagPayload       = 5
	tagErrorMessage  = 6
)

// Envelope is the decoded form of a single wire message. The request id is
// carried as two u64 halves and echoed unchanged in the response.
type Envelope struct {
	RequestIDHigh uint64
	RequestIDLow  uint64
	MessageName   string
	Status        Status
	Payload       []byte
	ErrorMessage  string
}

// Marshal encodes the envelope as a tagged record. ErrorMessage is emitted
// only for StatusError.
func (e *Envelope) Marshal() []byte {
	buf := make([]byte, 0, 32+len(e.MessageName)+len(e.Payload)+len(e.ErrorMessage))

	buf = append(buf, tagRequestIDHigh)
	buf = binary.BigEndian.AppendUint64(buf, e.RequestIDHigh)
	buf = append(buf, tagRequestIDLow)
	buf = binary.BigEndian.AppendUint64(buf, e.RequestIDLow)

	buf = append(buf, tagMessageName)
	buf = binary.AppendUvarint(buf, uint64(len(e.MessageName)))
	buf = append(buf, e.MessageName...)

	buf = append(buf, tagStatus, byte(e.Status))

	buf = append(buf, tagPayload)
	buf = binary.AppendUvarint(buf, uint64(len(e.Payload)))
	buf = append(buf, e.Payload...)

	if e.Status == StatusError {
		buf = append(buf, tagErrorMessage)
		buf = binary.AppendUvarint(buf, uint64(len(e.ErrorMessage)))
		buf = append(buf, e.ErrorMessage...)
	}
	return buf
}

// Unmarshal decodes a tagged envelope record. The returned envelope's Payload
// aliases data; callers that outlive the buffer must copy it.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	for len(data) > 0 {
		tag := data[0]
		data = data[1:]
		switch tag {
		case tagRequestIDHigh, tagRequestIDLow:
			if len(data) < 8 {
				return nil, fmt.Errorf("envelope: truncated fixed64 for tag %d", tag)
			}
			v := binary.BigEndian.Uint64(data)
			data = data[8:]
			if tag == tagRequestIDHigh {
				e.RequestIDHigh = v
			} else {
				e.RequestIDLow = v
			}
		case tagStatus:
			if len(data) < 1 {
				return nil, fmt.Errorf("envelope: truncated status")
			}
			e.Status = Status(data[0])
			data = data[1:]
		case tagMessageName, tagPayload, tagErrorMessage:
			n, read := binary.Uvarint(data)
			if read <= 0 {
				return nil, fmt.Errorf("envelope: bad length prefix for tag %d", tag)
			}
			data = data[read:]
			if uint64(len(data)) < n {
				return nil, fmt.Errorf("envelope: truncated field for tag %d: want %d bytes, have %d", tag, n, len(data))
			}
			field := data[:n]
			data = data[n:]
			switch tag {
			case tagMessageName:
				e.MessageName = string(field)
			case tagPayload:
				e.Payload = field
			case tagErrorMessage:
				e.ErrorMessage = string(field)
			}
		default:
			return nil, fmt.Errorf("envelope: unknown tag %d", tag)
		}
	}
	return &e, nil
}
