package lspmux

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LSP base protocol framing: an ASCII header block terminated by a blank
// line, then exactly Content-Length bytes of UTF-8 JSON body.
const (
	contentLengthHeader = "content-length"
	headerDelimiter     = "\r\n\r\n"

	// maxHeaderBytes bounds the lookahead for the header terminator. If no
	// blank line appears within this window the stream is out of sync and
	// the connection cannot be recovered.
	maxHeaderBytes = 8 * 1024
)

// EncodeFrame serializes msg as a JSON body prefixed with a Content-Length
// header.
func EncodeFrame(msg any) ([]byte, error) {
	frame, _, err := encodeFrame(msg)
	return frame, err
}

// encodeFrame returns the full frame and the body separately so callers can
// trace the body without re-slicing the header off.
func encodeFrame(msg any) (frame, body []byte, err error) {
	body, err = json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal message: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	fmt.Fprintf(&buf, "Content-Length: %d%s", len(body), headerDelimiter)
	buf.Write(body)
	return buf.Bytes(), body, nil
}

// Decoder incrementally decodes Content-Length framed messages from a byte
// stream. Bytes are supplied with Feed as they arrive; Next yields one
// complete frame body at a time and reports ErrNeedMoreData until enough
// bytes have accumulated. Partial frames are never discarded, so decoding
// is independent of how the stream is chunked.
//
// Decoder is not safe for concurrent use; the transport's read loop is its
// only caller.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty frame decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends bytes received from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes retained but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the body of the next complete frame.
//
// It returns ErrNeedMoreData when the buffer does not yet hold a full
// frame, a *FramingError when the header cannot be located or parsed
// within the lookahead window (fatal: the stream is out of sync), or a
// *MalformedFrameError when a complete frame's body is not valid JSON
// (the frame is consumed and decoding may continue with the next call).
func (d *Decoder) Next() (json.RawMessage, error) {
	headerEnd := bytes.Index(d.buf, []byte(headerDelimiter))
	if headerEnd < 0 {
		if len(d.buf) > maxHeaderBytes {
			return nil, &FramingError{Reason: "no header terminator within lookahead"}
		}
		return nil, ErrNeedMoreData
	}

	contentLength, err := parseContentLength(d.buf[:headerEnd])
	if err != nil {
		return nil, err
	}

	bodyStart := headerEnd + len(headerDelimiter)
	if len(d.buf) < bodyStart+contentLength {
		return nil, ErrNeedMoreData
	}

	body := make([]byte, contentLength)
	copy(body, d.buf[bodyStart:bodyStart+contentLength])

	// Consume the frame before reporting body errors so a malformed frame
	// never wedges the stream.
	d.buf = d.buf[:copy(d.buf, d.buf[bodyStart+contentLength:])]

	if !json.Valid(body) {
		return nil, &MalformedFrameError{Raw: body}
	}
	return body, nil
}

// parseContentLength extracts the Content-Length value from a header block.
// Header names are matched case-insensitively; unknown headers are ignored.
func parseContentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return 0, &FramingError{Reason: fmt.Sprintf("header line without separator: %q", line)}
		}
		if !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", strings.TrimSpace(value))}
		}
		return n, nil
	}
	return 0, &FramingError{Reason: "missing Content-Length header"}
}
