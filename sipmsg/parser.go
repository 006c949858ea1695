package sipmsg

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
)

// ErrMalformedPacket is returned when raw bytes don't parse as a SIP
// packet: bad start line, unterminated header block, a header line with
// no colon, or a status code that doesn't scan. The method token is not
// checked.
const ErrMalformedPacket errutil.Error = "sipmsg: malformed packet"

var crlfcrlf = []byte("\r\n\r\n")

// Parse parses a single SIP request or response out of raw, which must
// contain a full header block (terminated by an empty line) followed by
// exactly as many body bytes as Content-Length declares. Framing (finding
// message boundaries in a TCP/TLS byte stream) is the caller's job; see
// the leg package.
func Parse(raw []byte) (Packet, error) {
	sep := bytes.Index(raw, crlfcrlf)
	if sep < 0 {
		return nil, errtrace.Wrap(fmt.Errorf("%w: no CRLFCRLF header terminator", ErrMalformedPacket))
	}
	head := raw[:sep]
	body := raw[sep+4:]

	lines := splitLines(head)
	if len(lines) == 0 {
		return nil, errtrace.Wrap(fmt.Errorf("%w: empty header block", ErrMalformedPacket))
	}

	hl, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	startLine := strings.TrimSpace(lines[0])
	if strings.HasPrefix(startLine, "SIP/2.0") {
		resp, err := parseStatusLine(startLine)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		resp.Headers = hl
		resp.Payload = body
		return resp, nil
	}

	req, err := parseRequestLine(startLine)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	req.Headers = hl
	req.Payload = body
	return req, nil
}

func splitLines(head []byte) []string {
	// Header lines are CRLF-separated; unfold any obs-fold (leading SP/HTAB
	// continuation) into the previous line, per RFC 3261 §7.3.1.
	rawLines := strings.Split(string(head), "\r\n")
	lines := make([]string, 0, len(rawLines))
	for _, l := range rawLines {
		if len(l) > 0 && (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func parseHeaderLines(lines []string) (HeaderList, error) {
	var hl HeaderList
	for _, line := range lines {
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, errtrace.Wrap(fmt.Errorf("%w: bad header line %q", ErrMalformedPacket, line))
		}
		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		hl = hl.Add(canonicalHeaderName(name), value)
	}
	return hl, nil
}

// compactHeaderNames maps RFC 3261 §7.3.3 compact forms to their full name.
var compactHeaderNames = map[string]string{
	"v": "Via", "t": "To", "f": "From", "i": "Call-ID", "m": "Contact",
	"l": "Content-Length", "c": "Content-Type", "s": "Subject", "k": "Supported",
}

func canonicalHeaderName(name string) string {
	if full, ok := compactHeaderNames[strings.ToLower(name)]; ok {
		return full
	}
	return name
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, errtrace.Wrap(fmt.Errorf("%w: bad request line %q", ErrMalformedPacket, line))
	}
	ruri, err := ParseURI(parts[1])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Request{
		common:     common{Version: parts[2]},
		Method:     Method(parts[0]),
		RequestURI: ruri,
	}, nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, errtrace.Wrap(fmt.Errorf("%w: bad status line %q", ErrMalformedPacket, line))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return nil, errtrace.Wrap(fmt.Errorf("%w: bad status code %q", ErrMalformedPacket, parts[1]))
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return &Response{
		common:     common{Version: parts[0]},
		StatusCode: code,
		Reason:     reason,
	}, nil
}
