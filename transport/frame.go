package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Wire format: 4-byte big-endian length, 1-byte frame type, body.
// Encrypted connections carry the type byte and body as a single Noise
// message inside frameNoise frames.
type frameType byte

const (
	frameInvite frameType = 0x01
	frameAccept frameType = 0x02
	frameReject frameType = 0x03
	frameData   frameType = 0x04
	frameNoise  frameType = 0x10
)

// maxFrameSize bounds a single reliable payload.
const maxFrameSize = 16 << 20

var errFrameTooLarge = errors.New("frame exceeds size limit")

// invitePayload is the JSON body of an invite frame.
type invitePayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Context []byte `json:"context,omitempty"`
}

// acceptPayload is the JSON body of an accept frame.
type acceptPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// frameConn reads and writes type-tagged frames over one connection.
// readFrame is single-reader; writeFrame is safe for concurrent use.
type frameConn interface {
	readFrame() (frameType, []byte, error)
	writeFrame(ft frameType, body []byte) error
	setDeadline(t time.Time) error
	Close() error
}

// plainConn frames an unencrypted stream.
type plainConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func newPlainConn(conn net.Conn) *plainConn {
	return &plainConn{conn: conn}
}

func (c *plainConn) readFrame() (frameType, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("zero-length frame")
	}
	if length > maxFrameSize {
		return 0, nil, errFrameTooLarge
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return 0, nil, err
	}

	return frameType(buf[0]), buf[1:], nil
}

func (c *plainConn) writeFrame(ft frameType, body []byte) error {
	if len(body)+1 > maxFrameSize {
		return errFrameTooLarge
	}

	// One buffer per frame so concurrent writers never interleave.
	frame := make([]byte, 5+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)+1))
	frame[4] = byte(ft)
	copy(frame[5:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	_, err := c.conn.Write(frame)
	return err
}

func (c *plainConn) setDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *plainConn) Close() error {
	return c.conn.Close()
}
