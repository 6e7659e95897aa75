package wire

import (
	"bytes"
	"fmt"
)

// TLVKey identifies a record inside a frame.
type TLVKey uint16

// Known record keys. Keys >= RecordMax are skipped when decoding.
const (
	RecordIdentifier TLVKey = iota
	RecordPayload

	RecordMax
)

func (key TLVKey) String() string {
	switch key {
	case RecordIdentifier:
		return "identifier"
	case RecordPayload:
		return "payload"
	}
	return fmt.Sprintf("%%!(TLVKey value=%02x)", uint16(key))
}

// Records is an array of all possible records of a frame
type Records [RecordMax][]byte

// String returns a textual representation of the records
func (r Records) String() string {
	var buffer bytes.Buffer

	buffer.WriteString("Records[ ")
	for key, val := range r {
		if val == nil {
			continue
		}
		buffer.WriteString(TLVKey(key).String())
		buffer.WriteRune('=')

		switch TLVKey(key) {
		case RecordIdentifier, RecordPayload:
			buffer.Write(val)
		default:
			fmt.Fprintf(&buffer, "%x", val)
		}
		buffer.WriteRune(' ')
	}
	buffer.WriteRune(']')

	return buffer.String()
}
