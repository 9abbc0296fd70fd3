// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// CGI exchanges run a script in a child process whose stdin and stdout are pipes polled by the stage loop.

package hemi

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const cgiChunkSize = 16 << 10 // max bytes moved per readiness event

var (
	errCGINoHeaders     = errors.New("cgi: no header block")
	errCGIBadHeader     = errors.New("cgi: malformed header")
	errCGIBadStatus     = errors.New("cgi: malformed status")
	errCGINoContentType = errors.New("cgi: missing content-type")
)

type cgiState uint8

const (
	cgiSpawning cgiState = iota // pipes and child being created
	cgiRunning                  // child started, pipes registered
	cgiDraining                 // stdout reached eof, waiting for exit status
	cgiDone                     // response built
	cgiTimedOut                 // killed by the sweep
	cgiFailed                   // spawn failed, bad exit status or bad output
)

var cgiStateNames = [...]string{
	cgiSpawning: "spawning",
	cgiRunning:  "running",
	cgiDraining: "draining",
	cgiDone:     "done",
	cgiTimedOut: "timedOut",
	cgiFailed:   "failed",
}

func (s cgiState) String() string { return cgiStateNames[s] }

// cgiHeader is a header line from cgi output. Name case is kept.
type cgiHeader struct {
	name  string
	value string
}

// cgiProcess owns a child pid. It is reaped exactly once.
type cgiProcess struct {
	pid    int
	reaped bool
	status unix.WaitStatus
}

func (p *cgiProcess) kill() {
	if !p.reaped {
		unix.Kill(p.pid, unix.SIGKILL)
	}
}

// reap collects the exit status without blocking. It reports whether the child is gone.
func (p *cgiProcess) reap() bool {
	if p.reaped {
		return true
	}
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(p.pid, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil { // ECHILD. someone else reaped it
			p.reaped = true
			p.status = unix.WaitStatus(0xff00) // exit status 255
			return true
		}
		if pid == p.pid {
			p.reaped = true
			p.status = status
			return true
		}
		return false
	}
}

func (p *cgiProcess) succeeded() bool {
	return p.reaped && p.status.Exited() && p.status.ExitStatus() == 0
}

// cgiExchange is one cgi invocation owned by a connection.
type cgiExchange struct {
	// Assocs
	config  *EffectiveConfig // snapshot used for error pages
	process *cgiProcess
	stdin   *sysFD // parent write end. nil if the request has no body or input was abandoned
	stdout  *sysFD // parent read end. nil after eof
	// States
	state    cgiState
	input    []byte // request body not yet written
	output   []byte // everything read from stdout
	deadline time.Time
	head     bool // HEAD request, body is dropped
}

// cgiRequest describes what the server knows about the connection an exchange runs for.
type cgiRequest struct {
	request    *Request
	script     string // absolute path of the script
	serverName string
	serverPort int
	remoteAddr string
}

// startCGI spawns interpreter with script. On failure it returns a status to answer with.
func startCGI(c *EffectiveConfig, r *cgiRequest, interpreter string, now time.Time) (*cgiExchange, int16) {
	x := &cgiExchange{config: c, state: cgiSpawning}
	info, err := os.Stat(r.script)
	if err != nil {
		x.state = cgiFailed
		return nil, fsErrorStatus(err)
	}
	if !info.Mode().IsRegular() {
		x.state = cgiFailed
		return nil, StatusNotFound
	}
	script, err := filepath.Abs(r.script)
	if err != nil {
		return nil, StatusInternalServerError
	}
	r.script = script

	var childIn, childOut *sysFD
	defer func() { // child ends are never kept by the parent
		childIn.Close()
		childOut.Close()
	}()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, StatusInternalServerError
	}
	x.stdout, childOut = newSysFD(fds[0]), newSysFD(fds[1])
	if body := r.request.Body; len(body) > 0 {
		if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
			x.closePipes()
			return nil, StatusInternalServerError
		}
		childIn, x.stdin = newSysFD(fds[0]), newSysFD(fds[1])
		x.input = body
	} else {
		fd, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			x.closePipes()
			return nil, StatusInternalServerError
		}
		childIn = newSysFD(fd)
	}
	if err := x.stdout.setNonblock(); err != nil {
		x.closePipes()
		return nil, StatusInternalServerError
	}
	if x.stdin != nil {
		if err := x.stdin.setNonblock(); err != nil {
			x.closePipes()
			return nil, StatusInternalServerError
		}
	}

	pid, err := syscall.ForkExec(interpreter, []string{interpreter, script}, &syscall.ProcAttr{
		Dir:   filepath.Dir(script),
		Env:   cgiEnv(r),
		Files: []uintptr{uintptr(childIn.fd), uintptr(childOut.fd), uintptr(unix.Stderr)},
	})
	if err != nil {
		x.closePipes()
		x.state = cgiFailed
		return nil, StatusInternalServerError
	}
	x.process = &cgiProcess{pid: pid}
	x.state = cgiRunning
	x.deadline = now.Add(c.cgiTimeout)
	x.head = r.request.Method == MethodHEAD
	return x, 0
}

func cgiEnv(r *cgiRequest) []string {
	req := r.request
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_SOFTWARE=" + ServerSoftware,
		"SERVER_PROTOCOL=" + req.Version,
		"SERVER_NAME=" + r.serverName,
		"SERVER_PORT=" + strconv.Itoa(r.serverPort),
		"REQUEST_METHOD=" + req.Method.String(),
		"REQUEST_URI=" + req.Target,
		"SCRIPT_NAME=" + r.script,
		"SCRIPT_FILENAME=" + r.script,
		"PATH_INFO=", // scripts are always addressed by their full path
		"QUERY_STRING=" + req.Query,
		"CONTENT_LENGTH=" + strconv.Itoa(len(req.Body)),
		"REMOTE_ADDR=" + r.remoteAddr,
		"REDIRECT_STATUS=200",
	}
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	if contentType, ok := req.Headers["content-type"]; ok {
		env = append(env, "CONTENT_TYPE="+contentType)
	}
	for name, value := range req.Headers {
		env = append(env, "HTTP_"+strings.Map(upperCaseAndUnderscore, name)+"="+value)
	}
	return env
}

func upperCaseAndUnderscore(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return r - ('a' - 'A')
	case r == '-':
		return '_'
	}
	return r
}

// writeInput moves the next chunk of body into the child. It returns true when stdin should be closed,
// either because the whole body is written or because the child stopped reading.
func (x *cgiExchange) writeInput() bool {
	chunk := x.input
	if len(chunk) > cgiChunkSize {
		chunk = chunk[:cgiChunkSize]
	}
	n, err := unix.Write(x.stdin.fd, chunk)
	if err == unix.EAGAIN || err == unix.EINTR {
		return false
	}
	if err != nil { // EPIPE and friends. input is abandoned, the exchange goes on
		x.input = nil
		return true
	}
	x.input = x.input[n:]
	return len(x.input) == 0
}

// readOutput appends the next chunk of child output. It returns eof when the child closed stdout.
func (x *cgiExchange) readOutput(buffer []byte) (eof bool, err error) {
	n, err := unix.Read(x.stdout.fd, buffer)
	if err == unix.EAGAIN || err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if n == 0 {
		x.state = cgiDraining
		return true, nil
	}
	x.output = append(x.output, buffer[:n]...)
	return false, nil
}

// finish builds the response once the child has exited. It reports false if the child is still running.
func (x *cgiExchange) finish(b *responseBuilder) ([]byte, bool) {
	if !x.process.reap() {
		return nil, false
	}
	if !x.process.succeeded() {
		x.state = cgiFailed
		x.output = nil
		return b.fromError(StatusInternalServerError, x.config.root, x.config.errorPages), true
	}
	status, headers, cookies, body, err := parseCGIOutput(x.output)
	x.output = nil
	if err != nil {
		x.state = cgiFailed
		return b.fromError(StatusInternalServerError, x.config.root, x.config.errorPages), true
	}
	x.state = cgiDone
	if x.head {
		b.headOnly()
	}
	return b.fromCGI(status, body, headers, cookies), true
}

// expire kills the child of a timed out exchange and builds the 408 response.
// The caller releases the pipes.
func (x *cgiExchange) expire(b *responseBuilder) []byte {
	x.process.kill()
	x.input, x.output = nil, nil
	x.state = cgiTimedOut
	return b.fromError(StatusRequestTimeout, x.config.root, x.config.errorPages)
}

// abort kills the child because the owning connection is gone.
func (x *cgiExchange) abort() {
	if x.process != nil {
		x.process.kill()
	}
	x.input, x.output = nil, nil
	x.state = cgiFailed
}

func (x *cgiExchange) closePipes() {
	x.stdin.Close()
	x.stdout.Close()
	x.stdin, x.stdout = nil, nil
}

// parseCGIOutput splits cgi output into headers and body.
func parseCGIOutput(output []byte) (status int16, headers []cgiHeader, cookies []string, body []byte, err error) {
	end, size := bytes.Index(output, bytesCRLFCRLF), 4
	if lf := bytes.Index(output, []byte("\n\n")); lf != -1 && (end == -1 || lf < end) {
		end, size = lf, 2
	}
	if end == -1 {
		return 0, nil, nil, nil, errCGINoHeaders
	}
	block, body := string(output[:end]), output[end+size:]
	status = StatusOK
	hasStatus, hasType, hasLocation := false, false, false
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return 0, nil, nil, nil, errCGIBadHeader
		}
		name, value := line[:colon], strings.Trim(line[colon+1:], " \t")
		if !validHeaderName(name) || !validHeaderValue(value) {
			return 0, nil, nil, nil, errCGIBadHeader
		}
		switch strings.ToLower(name) {
		case "status":
			code, ok := parseCGIStatus(value)
			if !ok {
				return 0, nil, nil, nil, errCGIBadStatus
			}
			status, hasStatus = code, true
			continue
		case "set-cookie":
			cookies = append(cookies, value)
			continue
		case "content-type":
			hasType = true
		case "location":
			hasLocation = true
		}
		headers = append(headers, cgiHeader{name, value})
	}
	if !hasType {
		return 0, nil, nil, nil, errCGINoContentType
	}
	if hasLocation && !hasStatus {
		status = StatusFound
	}
	return status, headers, cookies, body, nil
}

func parseCGIStatus(value string) (int16, bool) { // "404 Not Found" or "404"
	if len(value) < 3 || len(value) > 3 && value[3] != ' ' {
		return 0, false
	}
	code, err := strconv.Atoi(value[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return int16(code), true
}
