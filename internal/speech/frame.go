package speech

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Frame is one message of the synthesis stream. Binary frames carry a 2-byte
// big-endian header-length prefix, a text header block, and the audio
// payload. Text frames carry a header block and a body separated by a blank
// line.
type Frame struct {
	Headers map[string]string
	Payload []byte
}

func (f Frame) Path() string {
	return f.Headers["Path"]
}

// ParseBinaryFrame decodes a prefixed binary frame.
func ParseBinaryFrame(data []byte) (Frame, error) {
	if len(data) < 2 {
		return Frame{}, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	headerLen := int(binary.BigEndian.Uint16(data[:2]))
	if 2+headerLen > len(data) {
		return Frame{}, fmt.Errorf("header length %d exceeds frame size %d", headerLen, len(data))
	}
	return Frame{
		Headers: parseHeaders(string(data[2 : 2+headerLen])),
		Payload: data[2+headerLen:],
	}, nil
}

// ParseTextFrame decodes a text control frame. The body after the blank line
// is kept as the payload.
func ParseTextFrame(data []byte) Frame {
	text := string(data)
	headers, body, found := strings.Cut(text, "\r\n\r\n")
	if !found {
		headers, body, _ = strings.Cut(text, "\n\n")
	}
	return Frame{
		Headers: parseHeaders(headers),
		Payload: []byte(body),
	}
}

// EncodeTextFrame renders a control frame for sending.
func EncodeTextFrame(headers map[string]string, order []string, body string) []byte {
	var b strings.Builder
	for _, key := range order {
		b.WriteString(key)
		b.WriteString(":")
		b.WriteString(headers[key])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func parseHeaders(block string) map[string]string {
	headers := map[string]string{}
	for _, line := range strings.Split(block, "\r\n") {
		line = strings.TrimRight(line, "\n")
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}
