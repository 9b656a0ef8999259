package ffshare

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxPayloadSize caps the declared length of an incoming frame. 16 MiB
// comfortably covers typical per-frame render outputs while bounding what
// a misbehaving peer can make us allocate.
const MaxPayloadSize = 16 * 1024 * 1024

// ErrPayloadTooLarge is returned by ReadFrame when the declared length
// exceeds MaxPayloadSize; callers must treat this as fatal to the
// connection.
var ErrPayloadTooLarge = fmt.Errorf("declared payload size exceeds %d bytes", MaxPayloadSize)

// WriteFrame writes a 4-byte big-endian length prefix followed by
// payload, the framing every message on every connection uses. A short
// Write is impossible: net.Conn.Write blocks until the full buffer is
// accepted or an error occurs, so no "staged, partially sent" state
// needs modeling.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame, blocking until the full
// header and payload have arrived; io.ReadFull absorbs partial reads.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteRequest msgpack-encodes req and writes it as a framed message.
func WriteRequest(w io.Writer, req *Request) error {
	b, err := msgpack.Marshal(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadRequest reads one framed message and decodes it as a Request.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}
	return &req, nil
}

// WriteResponse msgpack-encodes resp and writes it as a framed message.
func WriteResponse(w io.Writer, resp *Response) error {
	b, err := msgpack.Marshal(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadResponse reads one framed message and decodes it as a Response.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}
	return &resp, nil
}

// ErrPayloadDecode marks a message that framed correctly but failed to
// decode as the expected schema. It fails the connection, not the process.
var ErrPayloadDecode = fmt.Errorf("payload decode error")
