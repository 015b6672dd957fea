/*
 * Camofy
 * Copyright (C) 2025  Camofy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package engine speaks to the proxy engine's controller over its unix
// socket. The engine answers plain HTTP/1.1 there; the client constructs
// requests by hand and closes the connection after each exchange, which
// keeps the protocol surface to exactly what the engine implements and
// leaves no connection pool to confuse across engine restarts.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/defaults"
	logutils "github.com/camofy/camofy/lib/utils/log"
)

var log = logutils.NewPackageLogger(camofy.ComponentEngine)

// Error is a failed engine exchange. Status is the HTTP status when the
// engine answered with one, zero for local failures. SocketMissing marks
// the one failure mode callers branch on: the engine is simply not up.
type Error struct {
	Status        int
	Message       string
	SocketMissing bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsSocketMissing reports whether err means the engine control socket
// does not exist.
func IsSocketMissing(err error) bool {
	var engineErr *Error
	return errors.As(err, &engineErr) && engineErr.SocketMissing
}

// Client issues requests against one engine controller socket with one
// bearer secret. It is stateless and safe for concurrent use.
type Client struct {
	socketPath string
	secret     string
	timeout    time.Duration
}

// NewClient returns a client for the engine controller at socketPath.
func NewClient(socketPath, secret string) *Client {
	return &Client{
		socketPath: socketPath,
		secret:     secret,
		timeout:    defaults.EngineRequestTimeout,
	}
}

// roundTrip performs one request and reads the full response. The
// connection is closed afterwards; the request asks for that explicitly.
func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (status int, respBody []byte, err error) {
	if _, statErr := os.Stat(c.socketPath); statErr != nil {
		return 0, nil, trace.Wrap(&Error{
			Message:       fmt.Sprintf("engine control socket %v is not available", c.socketPath),
			SocketMissing: true,
		})
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return 0, nil, trace.Wrap(&Error{
			Message: fmt.Sprintf("connecting to engine at %v: %v", c.socketPath, err),
		})
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, nil, trace.Wrap(err)
	}

	if _, err := conn.Write(buildRequest(method, path, body, c.secret)); err != nil {
		return 0, nil, trace.Wrap(&Error{Message: fmt.Sprintf("writing engine request: %v", err)})
	}

	reader := bufio.NewReader(conn)
	statusCode, headers, err := readResponseHead(reader)
	if err != nil {
		return 0, nil, trace.Wrap(err)
	}
	respBody, err = readResponseBody(reader, headers)
	if err != nil {
		return 0, nil, trace.Wrap(err)
	}
	return statusCode, respBody, nil
}

// buildRequest serializes the exact request shape the engine expects.
func buildRequest(method, path string, body []byte, secret string) []byte {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	b.WriteString("Host: 127.0.0.1\r\n")
	b.WriteString("Accept: application/json\r\n")
	b.WriteString("Connection: close\r\n")
	fmt.Fprintf(&b, "Authorization: Bearer %s\r\n", secret)
	if body != nil {
		b.WriteString("Content-Type: application/json\r\n")
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	return append([]byte(b.String()), body...)
}

// readResponseHead consumes the status line and headers.
func readResponseHead(reader *bufio.Reader) (status int, headers []string, err error) {
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return 0, nil, trace.Wrap(&Error{Message: fmt.Sprintf("reading engine response: %v", err)})
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return 0, nil, trace.Wrap(&Error{Message: fmt.Sprintf("malformed engine status line %q", strings.TrimSpace(statusLine))})
	}
	status, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, nil, trace.Wrap(&Error{Message: fmt.Sprintf("malformed engine status code %q", fields[1])})
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, nil, trace.Wrap(&Error{Message: fmt.Sprintf("reading engine response headers: %v", err)})
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return status, headers, nil
		}
		headers = append(headers, line)
	}
}

// readResponseBody picks the framing the headers announce:
// Content-Length, chunked, or read to EOF (the connection is
// close-delimited anyway).
func readResponseBody(reader *bufio.Reader, headers []string) ([]byte, error) {
	contentLength := -1
	chunked := false
	for _, line := range headers {
		lower := strings.ToLower(line)
		if v, ok := strings.CutPrefix(lower, "content-length:"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				contentLength = n
			}
		}
		if strings.HasPrefix(lower, "transfer-encoding:") && strings.Contains(lower, "chunked") {
			chunked = true
		}
	}

	switch {
	case chunked:
		return readChunked(reader)
	case contentLength >= 0:
		buf := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, trace.Wrap(&Error{Message: fmt.Sprintf("reading engine response body: %v", err)})
		}
		return buf, nil
	}
	buf, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(&Error{Message: fmt.Sprintf("reading engine response body: %v", err)})
	}
	return buf, nil
}

// readChunked decodes a chunked transfer encoded body: hex size line,
// data, CRLF, repeated until a zero size chunk.
func readChunked(reader *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		sizeLine, err := reader.ReadString('\n')
		if err != nil {
			return nil, trace.Wrap(&Error{Message: fmt.Sprintf("reading chunk size: %v", err)})
		}
		sizeLine = strings.TrimSpace(sizeLine)
		if sizeLine == "" {
			continue
		}
		size, err := strconv.ParseUint(sizeLine, 16, 32)
		if err != nil {
			return nil, trace.Wrap(&Error{Message: fmt.Sprintf("malformed chunk size %q", sizeLine)})
		}
		if size == 0 {
			// Consume the trailing line after the last chunk.
			reader.ReadString('\n')
			return body, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(reader, chunk); err != nil {
			return nil, trace.Wrap(&Error{Message: fmt.Sprintf("reading chunk data: %v", err)})
		}
		body = append(body, chunk...)
		if _, err := reader.ReadString('\n'); err != nil {
			return nil, trace.Wrap(&Error{Message: fmt.Sprintf("reading chunk terminator: %v", err)})
		}
	}
}

// StopEngine asks the supervisor behind the control socket to stop the
// engine process gracefully. The reply carries {code, message}; a
// positive code is a refusal. Callers fall back to signaling the pid
// when this fails.
func (c *Client) StopEngine(ctx context.Context) error {
	status, body, err := c.roundTrip(ctx, "POST", "/stop", nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if !is2xx(status) {
		return statusError(status, body)
	}
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Code > 0 {
			return trace.Wrap(&Error{Status: status, Message: parsed.Message})
		}
	}
	return nil
}

// statusError turns a non-2xx response into an Error, preferring the
// engine's own message field when the body carries one.
func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("engine returned status %d", status)
	if len(body) > 0 {
		var parsed struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
			msg = parsed.Message
		} else {
			msg = fmt.Sprintf("engine returned status %d: %s", status, body)
		}
	}
	return trace.Wrap(&Error{Status: status, Message: msg})
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

// encodePathSegment percent-encodes every byte outside the unreserved
// set, matching what the engine's router expects for group and node
// names embedded in paths.
func encodePathSegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
