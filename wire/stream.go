package wire

import (
	"io"

	"github.com/pkg/errors"
)

// ReadMessage reads exactly one frame from r. Frames whose record section
// exceeds maxSize are rejected; a maxSize of 0 selects DefaultMaxFrameSize.
//
// A stream ending before the first header byte yields io.EOF, a stream
// ending inside a frame io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader, maxSize uint32) (*Message, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length, err := parseHeader(header[:], maxSize)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return parseRecords(data)
}

// WriteMessage writes msg as a single frame to w.
func WriteMessage(w io.Writer, msg *Message) error {
	if msg == nil {
		return errors.New("wire: nil message")
	}
	_, err := w.Write(msg.Marshal())
	return err
}
