// Package ipc implements the framed worker protocol: one tag byte, a uint32
// big-endian payload length, then a msgpack payload. Both the supervisor side
// and the worker binary speak it over a local socket.
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Tag identifies the frame type.
type Tag byte

const (
	TagStart    Tag = 0x01
	TagCancel   Tag = 0x02
	TagPing     Tag = 0x03
	TagPong     Tag = 0x04
	TagProgress Tag = 0x05
	TagLog      Tag = 0x06
	TagDone     Tag = 0x07
	TagError    Tag = 0x08
)

func (t Tag) String() string {
	switch t {
	case TagStart:
		return "start"
	case TagCancel:
		return "cancel"
	case TagPing:
		return "ping"
	case TagPong:
		return "pong"
	case TagProgress:
		return "progress"
	case TagLog:
		return "log"
	case TagDone:
		return "done"
	case TagError:
		return "error"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

// MaxFrameBytes bounds a single payload. Oversized frames indicate a
// corrupted stream and tear the connection down.
const MaxFrameBytes = 64 << 20

// WriteFrame encodes the payload and writes one frame. Callers serialize
// concurrent writes themselves (see Conn).
func WriteFrame(w io.Writer, tag Tag, payload any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = msgpack.Marshal(payload); err != nil {
			return fmt.Errorf("ipc: encode %s: %w", tag, err)
		}
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("ipc: %s payload of %d bytes exceeds limit", tag, len(body))
	}
	var hdr [5]byte
	hdr[0] = byte(tag)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame and returns its raw payload.
func ReadFrame(r io.Reader) (Tag, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tag := Tag(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxFrameBytes {
		return 0, nil, fmt.Errorf("ipc: %s payload of %d bytes exceeds limit", tag, n)
	}
	if n == 0 {
		return tag, nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("ipc: short %s payload: %w", tag, err)
	}
	return tag, body, nil
}

// Decode unpacks a frame payload into its message struct.
func Decode[T any](body []byte) (*T, error) {
	var msg T
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("ipc: decode: %w", err)
	}
	return &msg, nil
}

// Conn is a framed connection with serialized writes and buffered reads.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer
}

func NewConn(c net.Conn) *Conn {
	return &Conn{
		raw: c,
		br:  bufio.NewReaderSize(c, 64<<10),
		bw:  bufio.NewWriterSize(c, 64<<10),
	}
}

// Send writes and flushes one frame.
func (c *Conn) Send(tag Tag, payload any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteFrame(c.bw, tag, payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Recv reads the next frame. Not safe for concurrent use; one reader loop
// per connection.
func (c *Conn) Recv() (Tag, []byte, error) {
	return ReadFrame(c.br)
}

func (c *Conn) Close() error { return c.raw.Close() }

// RemoteAddr exposes the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }
