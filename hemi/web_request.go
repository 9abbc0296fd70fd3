// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Incremental HTTP/1.1 request parser.

package hemi

import (
	"bytes"
	"errors"
	"net/url"
	"strconv"
	"strings"
)

const maxHeaderSize = 64 << 10 // request line plus header block

var (
	errBadRequestLine   = errors.New("malformed request line")
	errBadMethod        = errors.New("invalid method")
	errBadURI           = errors.New("invalid uri")
	errBadVersion       = errors.New("unsupported version")
	errBadHeader        = errors.New("malformed header")
	errNoHost           = errors.New("missing host header")
	errBadContentLength = errors.New("invalid content-length")
	errBadCoding        = errors.New("unsupported transfer-encoding")
	errHeaderTooLarge   = errors.New("header too large")
)

// ParseError is returned by requestParser.Feed. The request it belongs to must be answered with 400.
type ParseError struct {
	Err    error  // one of errBadXXX
	Detail string // offending text, may be empty
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "parse: " + e.Err.Error()
	}
	return "parse: " + e.Err.Error() + ": " + strconv.Quote(e.Detail)
}
func (e *ParseError) Unwrap() error { return e.Err }

// Fatal reports whether the request boundary is lost, so the connection can not be reused.
func (e *ParseError) Fatal() bool {
	return e.Err == errHeaderTooLarge || e.Err == errBadContentLength || e.Err == errBadCoding
}

// Request is a parsed HTTP request.
type Request struct {
	Method        Method
	Target        string            // request-target as received
	URI           string            // decoded path of the target
	Query         string            // raw query, without '?'
	Version       string            // always "HTTP/1.1"
	Headers       map[string]string // lowercased names
	Cookies       map[string]string
	ContentLength int64 // -1 if absent
	Body          []byte
}

// Header gets a header value by its lowercased name.
func (r *Request) Header(name string) (value string, ok bool) {
	value, ok = r.Headers[name]
	return
}

// Host returns the Host header without its port.
func (r *Request) Host() string {
	host := r.Headers["host"]
	if i := strings.LastIndexByte(host, ':'); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(host)
}

// KeepAlive is false if the client asked to close the connection.
func (r *Request) KeepAlive() bool {
	return !strings.EqualFold(r.Headers["connection"], "close")
}

const ( // parser states
	stateLine    = iota // waiting for request line
	stateHeaders        // waiting for header block
	stateBody           // waiting for body
	stateDone           // request is complete
)

var (
	bytesCRLF     = []byte("\r\n")
	bytesCRLFCRLF = []byte("\r\n\r\n")
)

// requestParser accumulates bytes of one connection and yields requests one at a time.
// Bytes beyond the current request stay buffered for the next one.
type requestParser struct {
	// States
	buffer     []byte   // raw bytes not yet consumed
	request    *Request // request in progress
	state      int8     // stateXXX
	headerSize int      // bytes consumed by request line and headers
	discarding bool     // skipping the rest of a malformed header block
}

// Feed appends data and advances the parser as far as possible.
func (p *requestParser) Feed(data []byte) error {
	p.buffer = append(p.buffer, data...)
	if p.discarding && !p.skipBlock() {
		return nil
	}
	for {
		switch p.state {
		case stateLine:
			i := bytes.Index(p.buffer, bytesCRLF)
			if i == -1 {
				if len(p.buffer) > maxHeaderSize {
					return p.fail(errHeaderTooLarge, "")
				}
				return nil
			}
			if i == 0 { // empty lines before request line are ignored
				p.consume(2)
				continue
			}
			p.request = &Request{ContentLength: -1}
			if err := p.parseLine(string(p.buffer[:i])); err != nil {
				return err
			}
			p.consume(i + 2)
			p.headerSize = i + 2
			p.state = stateHeaders
		case stateHeaders:
			var block []byte
			size := 2
			if !bytes.HasPrefix(p.buffer, bytesCRLF) {
				i := bytes.Index(p.buffer, bytesCRLFCRLF)
				if i == -1 {
					if p.headerSize+len(p.buffer) > maxHeaderSize {
						return p.fail(errHeaderTooLarge, "")
					}
					return nil
				}
				block, size = p.buffer[:i], i+4
			}
			if p.headerSize+size > maxHeaderSize {
				return p.fail(errHeaderTooLarge, "")
			}
			if err := p.parseHeaders(string(block)); err != nil {
				return err
			}
			p.consume(size)
			p.headerSize += size
			if p.request.ContentLength <= 0 {
				p.state = stateDone
				return nil
			}
			p.state = stateBody
		case stateBody:
			size := p.request.ContentLength
			if int64(len(p.buffer)) < size {
				return nil
			}
			body := make([]byte, size)
			copy(body, p.buffer)
			p.request.Body = body
			p.consume(int(size))
			p.state = stateDone
			return nil
		default: // stateDone
			return nil
		}
	}
}

// IsComplete reports whether a whole request is available for Take.
func (p *requestParser) IsComplete() bool { return p.state == stateDone }

// HeadersDone reports whether the request line and headers are parsed, the body may be pending.
func (p *requestParser) HeadersDone() bool { return p.state == stateBody || p.state == stateDone }

// Pending returns the request being parsed, valid once HeadersDone is true.
func (p *requestParser) Pending() *Request { return p.request }

// Buffered returns the count of bytes received but not yet consumed.
func (p *requestParser) Buffered() int { return len(p.buffer) }

// Take returns the completed request and resets the parser for the next one. Surplus bytes are kept.
func (p *requestParser) Take() *Request {
	if p.state != stateDone {
		return nil
	}
	request := p.request
	p.request = nil
	p.state = stateLine
	p.headerSize = 0
	return request
}

// Recover resets the parser after a parse error. The rest of the malformed header block is skipped.
func (p *requestParser) Recover() {
	if p.state == stateBody || p.state == stateDone { // error was not in the header section
		p.buffer = p.buffer[:0]
	} else if p.state == stateHeaders && bytes.HasPrefix(p.buffer, bytesCRLF) { // empty header block
		p.consume(2)
	} else {
		p.discarding = true
		p.skipBlock()
	}
	p.request = nil
	p.state = stateLine
	p.headerSize = 0
}

func (p *requestParser) skipBlock() bool {
	if i := bytes.Index(p.buffer, bytesCRLFCRLF); i != -1 {
		p.consume(i + 4)
		p.discarding = false
		return true
	}
	if n := len(p.buffer); n > 3 { // terminator may span two feeds
		p.consume(n - 3)
	}
	return false
}

func (p *requestParser) consume(n int) {
	p.buffer = p.buffer[:copy(p.buffer, p.buffer[n:])]
}

func (p *requestParser) fail(err error, detail string) error {
	return &ParseError{Err: err, Detail: detail}
}

func (p *requestParser) parseLine(line string) error {
	tokens := strings.Split(line, " ")
	if len(tokens) != 3 || tokens[0] == "" || tokens[1] == "" || tokens[2] == "" {
		return p.fail(errBadRequestLine, line)
	}
	req := p.request
	if req.Method = MethodOf(tokens[0]); req.Method == MethodInvalid {
		return p.fail(errBadMethod, tokens[0])
	}
	target := tokens[1]
	if target[0] != '/' {
		return p.fail(errBadURI, target)
	}
	for i := 0; i < len(target); i++ {
		if !uriAllowed[target[i]] {
			return p.fail(errBadURI, target)
		}
	}
	req.Target = target
	if i := strings.IndexByte(target, '#'); i != -1 {
		target = target[:i]
	}
	rawPath := target
	if i := strings.IndexByte(target, '?'); i != -1 {
		rawPath, req.Query = target[:i], target[i+1:]
	}
	path, err := url.PathUnescape(rawPath)
	if err != nil || strings.IndexByte(path, 0) != -1 || hasDotDot(path) {
		return p.fail(errBadURI, tokens[1])
	}
	req.URI = path
	if tokens[2] != "HTTP/1.1" {
		return p.fail(errBadVersion, tokens[2])
	}
	req.Version = tokens[2]
	return nil
}

func (p *requestParser) parseHeaders(block string) error {
	req := p.request
	req.Headers = make(map[string]string)
	if block != "" {
		for _, line := range strings.Split(block, "\r\n") {
			colon := strings.IndexByte(line, ':')
			if colon <= 0 {
				return p.fail(errBadHeader, line)
			}
			name, value := strings.ToLower(line[:colon]), strings.Trim(line[colon+1:], " \t")
			if !validHeaderName(name) || !validHeaderValue(value) {
				return p.fail(errBadHeader, line)
			}
			if prev, ok := req.Headers[name]; ok {
				if name == "cookie" {
					value = prev + "; " + value
				} else {
					value = prev + ", " + value
				}
			}
			req.Headers[name] = value
		}
	}
	if _, ok := req.Headers["host"]; !ok {
		return p.fail(errNoHost, "")
	}
	if coding, ok := req.Headers["transfer-encoding"]; ok {
		return p.fail(errBadCoding, coding)
	}
	if text, ok := req.Headers["content-length"]; ok {
		size, ok := parseContentLength(text)
		if !ok {
			return p.fail(errBadContentLength, text)
		}
		req.ContentLength = size
	}
	if cookie, ok := req.Headers["cookie"]; ok {
		req.Cookies = parseCookies(cookie)
	}
	return nil
}

func parseContentLength(text string) (int64, bool) {
	if text == "" {
		return 0, false
	}
	for i := 0; i < len(text); i++ {
		if !byteIsDigit(text[i]) {
			return 0, false
		}
	}
	size, err := strconv.ParseInt(text, 10, 64)
	return size, err == nil
}

func parseCookies(header string) map[string]string {
	cookies := make(map[string]string)
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if eq := strings.IndexByte(pair, '='); eq > 0 {
			cookies[pair[:eq]] = pair[eq+1:]
		}
	}
	return cookies
}

func hasDotDot(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

var uriAllowed = func() (table [256]bool) {
	for _, b := range []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~/?:@&=+$,#%;!*'()") {
		table[b] = true
	}
	return
}()

var tchars = func() (table [256]bool) { // RFC 9110 token characters
	for _, b := range []byte("!#$%&'*+-.^_`|~0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		table[b] = true
	}
	return
}()

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !tchars[name[i]] {
			return false
		}
	}
	return true
}
func validHeaderValue(value string) bool {
	for i := 0; i < len(value); i++ {
		if b := value[i]; b < 0x20 && b != '\t' || b == 0x7f {
			return false
		}
	}
	return true
}

func byteIsDigit(b byte) bool { return b >= '0' && b <= '9' }
