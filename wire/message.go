// Package wire implements the framed message format exchanged between
// dispatchd peers. A frame carries one identifier and an optional JSON
// payload as TLV records.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// Version is the only frame version understood by this package.
	Version byte = 0x01

	// HeaderSize is the size of the fixed frame header.
	HeaderSize = 6

	recordHeaderSize = 6

	// DefaultMaxFrameSize limits the record section of a frame.
	DefaultMaxFrameSize = 8 * 1024 * 1024
)

var (
	ErrMalformed          = errors.New("wire: malformed frame")
	ErrUnsupportedVersion = errors.New("wire: unsupported frame version")
	ErrFrameTooLarge      = errors.New("wire: frame too large")
	ErrMissingIdentifier  = errors.New("wire: identifier record missing")
)

// IsMalformed reports whether err was caused by bytes that do not decode
// into a message, as opposed to a failing stream.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrMissingIdentifier)
}

// Message is an immutable identifier plus payload unit.
type Message struct {
	id      string
	payload []byte
}

// New creates a message. A non-nil payload is encoded as JSON.
func New(id string, payload interface{}) (*Message, error) {
	msg := &Message{id: id}
	if payload == nil {
		return msg, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to encode payload for %q", id)
	}
	msg.payload = raw
	return msg, nil
}

// MustNew is like New but panics if the payload cannot be encoded.
func MustNew(id string, payload interface{}) *Message {
	msg, err := New(id, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// ID returns the message identifier.
func (msg *Message) ID() string {
	return msg.id
}

// HasPayload reports whether the message carries a payload.
func (msg *Message) HasPayload() bool {
	return msg.payload != nil
}

// Payload returns a copy of the raw JSON payload.
func (msg *Message) Payload() json.RawMessage {
	if msg.payload == nil {
		return nil
	}
	res := make([]byte, len(msg.payload))
	copy(res, msg.payload)
	return res
}

// Decode unmarshals the payload into v.
func (msg *Message) Decode(v interface{}) error {
	if msg.payload == nil {
		return errors.Errorf("message %q has no payload", msg.id)
	}
	return errors.Wrapf(json.Unmarshal(msg.payload, v), "unable to decode payload of %q", msg.id)
}

func (msg *Message) String() string {
	if msg.payload == nil {
		return fmt.Sprintf("Message[id=%s]", msg.id)
	}
	return fmt.Sprintf("Message[id=%s payload=%s]", msg.id, msg.payload)
}

// Records returns a copy of the records the message is framed with.
func (msg *Message) Records() Records {
	r := msg.records()
	for key, val := range r {
		if val != nil {
			r[key] = append([]byte(nil), val...)
		}
	}
	return r
}

func (msg *Message) records() (r Records) {
	r[RecordIdentifier] = []byte(msg.id)
	r[RecordPayload] = msg.payload
	return
}

// Marshal serializes the message into a complete frame.
func (msg *Message) Marshal() []byte {
	records := msg.records()

	size := 0
	for _, val := range records {
		if val != nil {
			size += recordHeaderSize + len(val)
		}
	}

	out := make([]byte, HeaderSize+size)
	out[0] = Version
	binary.BigEndian.PutUint32(out[2:HeaderSize], uint32(size))

	i := HeaderSize
	for key, val := range records {
		if val == nil {
			continue
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(key))
		binary.LittleEndian.PutUint32(out[i+2:], uint32(len(val)))
		copy(out[i+recordHeaderSize:], val)
		i += recordHeaderSize + len(val)
	}

	return out
}

// Unmarshal parses a complete frame.
func Unmarshal(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Wrapf(ErrMalformed, "frame too small (%d bytes)", len(buf))
	}

	length, err := parseHeader(buf[:HeaderSize], 0)
	if err != nil {
		return nil, err
	}
	if len(buf)-HeaderSize != int(length) {
		return nil, errors.Wrapf(ErrMalformed, "wrong data size: expected=%d actual=%d", length, len(buf)-HeaderSize)
	}

	return parseRecords(buf[HeaderSize:])
}

func parseHeader(header []byte, maxSize uint32) (uint32, error) {
	if header[0] != Version {
		return 0, errors.Wrapf(ErrUnsupportedVersion, "version %#02x", header[0])
	}

	length := binary.BigEndian.Uint32(header[2:HeaderSize])
	if maxSize > 0 && length > maxSize {
		return 0, errors.Wrapf(ErrFrameTooLarge, "%d bytes exceeds %d", length, maxSize)
	}
	return length, nil
}

func parseRecords(data []byte) (*Message, error) {
	var records Records

	for len(data) > 0 {
		if len(data) < recordHeaderSize {
			return nil, errors.Wrapf(ErrMalformed, "short record header (%d bytes)", len(data))
		}
		typ := TLVKey(binary.LittleEndian.Uint16(data[0:2]))
		length := binary.LittleEndian.Uint32(data[2:recordHeaderSize])
		data = data[recordHeaderSize:]

		if uint32(len(data)) < length {
			return nil, errors.Wrapf(ErrMalformed, "wrong value size for %v: expected=%d actual=%d", typ, length, len(data))
		}

		// unsupported records are skipped
		if typ < RecordMax {
			value := make([]byte, length)
			copy(value, data[:length])
			records[typ] = value
		}

		data = data[length:]
	}

	if records[RecordIdentifier] == nil {
		return nil, ErrMissingIdentifier
	}

	msg := &Message{
		id:      string(records[RecordIdentifier]),
		payload: records[RecordPayload],
	}
	if msg.payload != nil && !json.Valid(msg.payload) {
		return nil, errors.Wrapf(ErrMalformed, "payload of %q is not valid JSON", msg.id)
	}
	return msg, nil
}
