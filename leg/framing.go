package leg

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
)

// ErrFraming is returned when a stream can't be split into SIP messages:
// a header block with no Content-Length header, or one that doesn't parse.
const ErrFraming errutil.Error = "leg: malformed message framing"

// readMessage reads exactly one SIP message (header block plus body) off
// r, per RFC 3261 §7.5: the header block ends at the first blank line, and
// the body is exactly Content-Length bytes. A header block without
// Content-Length is rejected with ErrFraming; a read error (including EOF
// before the blank line) is returned as is. Used by the
// TCP/TLS leg to find message boundaries in a byte stream; sipmsg.Parse
// does no framing of its own.
func readMessage(r *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	contentLength := 0
	haveLength := false

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		head.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if i := strings.IndexByte(trimmed, ':'); i >= 0 {
			name := strings.ToLower(strings.TrimSpace(trimmed[:i]))
			if name == "content-length" || name == "l" {
				n, perr := strconv.Atoi(strings.TrimSpace(trimmed[i+1:]))
				if perr != nil {
					return nil, errtrace.Wrap(fmt.Errorf("%w: bad Content-Length %q", ErrFraming, trimmed[i+1:]))
				}
				contentLength = n
				haveLength = true
			}
		}
	}
	if !haveLength {
		return nil, errtrace.Wrap(fmt.Errorf("%w: missing Content-Length", ErrFraming))
	}

	body := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := readFull(r, body); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}

	raw := make([]byte, 0, head.Len()+len(body))
	raw = append(raw, head.Bytes()...)
	raw = append(raw, body...)
	return raw, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, errtrace.Wrap(err)
		}
	}
	return total, nil
}
