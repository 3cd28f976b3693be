package miltertap

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// MaxFrameSize is the largest frame the codec accepts. The protocol never
// carries more than a 64 KiB body chunk per frame, so anything near this
// limit is a corrupt or hostile peer.
const MaxFrameSize = 1 << 20

// Message is one decoded frame: a command or response code and its payload.
type Message struct {
	Code byte
	Data []byte
}

// FrameError reports a violation of the length-prefixed framing: a zero or
// oversized declared length, or a stream that ended mid-frame. It is fatal
// to the connection it occurred on.
type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("miltertap: framing: %s: %v", e.Reason, e.Err)
	}
	return "miltertap: framing: " + e.Reason
}

func (e *FrameError) Unwrap() error { return e.Err }

// readPacket reads one frame from conn. A non-zero timeout bounds the whole
// frame read; an expired deadline surfaces as a net.Error with Timeout().
// A clean close at a frame boundary is io.EOF; a close inside a frame is a
// FrameError.
func readPacket(conn net.Conn, timeout time.Duration) (*Message, error) {
	if timeout != 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, &FrameError{Reason: "stream closed mid-length", Err: err}
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length == 0 {
		return nil, &FrameError{Reason: "zero-length frame"}
	}
	if length > MaxFrameSize {
		return nil, &FrameError{Reason: fmt.Sprintf("declared length %d exceeds limit %d", length, MaxFrameSize)}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, &FrameError{Reason: "short frame read", Err: err}
	}

	return &Message{
		Code: data[0],
		Data: data[1:],
	}, nil
}

// writePacket serializes msg onto conn. The length prefix is always
// recomputed from the payload actually being written.
func writePacket(conn net.Conn, msg *Message, timeout time.Duration) error {
	if timeout != 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}

	buffer := bufio.NewWriter(conn)

	length := uint32(len(msg.Data) + 1)
	if err := binary.Write(buffer, binary.BigEndian, length); err != nil {
		return err
	}
	if err := buffer.WriteByte(msg.Code); err != nil {
		return err
	}
	if _, err := buffer.Write(msg.Data); err != nil {
		return err
	}
	return buffer.Flush()
}

// NULL terminator
const null = "\x00"

// decodeCStrings splits NUL-terminated C style strings into a Go slice.
func decodeCStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.Trim(string(data), null), null)
}

// readCString reads and returns a C style string from data.
func readCString(data []byte) string {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return string(data)
	}
	return string(data[0:pos])
}

// appendCString appends a C style string to the buffer and returns it (like
// append does).
func appendCString(dest []byte, s string) []byte {
	dest = append(dest, []byte(s)...)
	dest = append(dest, 0x00)
	return dest
}

// escapeNUL makes embedded NUL bytes visible for diagnostics. The protocol
// uses NUL as a field separator, so raw payloads are unreadable in logs
// without it. Parsing always runs on the unescaped bytes.
func escapeNUL(data []byte) string {
	return strings.ReplaceAll(string(data), "\x00", "<NUL>")
}
