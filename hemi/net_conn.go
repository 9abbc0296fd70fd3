// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Connections. A connection serves one request at a time: parse, dispatch, optionally run cgi, flush.

package hemi

import (
	"errors"

	"golang.org/x/sys/unix"
)

const maxStashSize = maxHeaderSize // bytes read ahead while a request is in flight

// Connection is the state of one accepted client socket.
type Connection struct {
	// Mixins
	dispatcher
	// Assocs
	stage  *Stage
	group  *listenerGroup
	client *pollEntry // the client socket
	cgiIn  *pollEntry // nil unless a cgi child is reading the body
	cgiOut *pollEntry // nil unless a cgi child is writing its output
	cgi    *cgiExchange
	// States
	id              int64
	parser          requestParser
	outbound        []byte   // response bytes not yet written
	request         *Request // request in flight, for access log
	closeAfterFlush bool
	dead            bool
}

func newConnection(stage *Stage, group *listenerGroup, id int64, fd int, remoteAddr string) *Connection {
	c := &Connection{stage: stage, group: group, id: id}
	c.dispatcher = *newDispatcher(group.hosts[0].name, group.bound, remoteAddr)
	c.now = stage.now
	c.client = &pollEntry{file: newSysFD(fd), role: roleClient, conn: c, events: pollRead}
	return c
}

// busy reports whether a request is in flight.
func (c *Connection) busy() bool { return c.cgi != nil || len(c.outbound) > 0 }

func (c *Connection) onReadable() {
	buffer := c.stage.readBuffer
	n, err := unix.Read(c.client.file.fd, buffer)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil || n == 0 { // peer is gone
		c.stage.teardown(c)
		return
	}
	c.stage.metrics.bytesRead.Add(float64(n))
	if c.busy() {
		c.parser.buffer = append(c.parser.buffer, buffer[:n]...)
		c.refresh()
		return
	}
	c.advance(buffer[:n])
}

// interest tracks the connection state: write while a response is pending, stop reading when
// too much has been read ahead of a cgi request, read otherwise.
func (c *Connection) interest() uint32 {
	switch {
	case len(c.outbound) > 0:
		return pollWrite
	case c.cgi != nil && c.parser.Buffered() >= maxStashSize:
		return pollNone
	default:
		return pollRead
	}
}
func (c *Connection) refresh() { c.stage.setInterest(c.client, c.interest()) }

// advance feeds data into the parser and dispatches a completed request.
func (c *Connection) advance(data []byte) {
	err := c.parser.Feed(data)
	if err != nil {
		c.stage.metrics.parseErrors.Inc()
		var perr *ParseError
		if errors.As(err, &perr) && perr.Fatal() {
			c.closeAfterFlush = true
		}
		c.stage.logf(LevelInfo, "conn=%d %s", c.id, err.Error())
		c.parser.Recover()
		host := c.group.hosts[0].effective
		c.reply(c.builder.fromError(StatusBadRequest, host.root, host.errorPages))
		return
	}
	if !c.parser.IsComplete() {
		if c.parser.HeadersDone() {
			c.checkDeclaredLength()
		}
		return
	}
	req := c.parser.Take()
	c.request = req
	if !req.KeepAlive() {
		c.closeAfterFlush = true
	}
	config := route(req, c.group.hosts)
	switch result := c.dispatch(config, req); result.kind {
	case outcomeResponse:
		c.reply(result.wire)
	case outcomeCGI:
		c.attachCGI(result.cgi)
	}
}

// checkDeclaredLength answers 405 or 413 as soon as the headers show that the body will be refused.
// The body is never read, so the connection is closed after the response.
func (c *Connection) checkDeclaredLength() {
	req := c.parser.Pending()
	if req.ContentLength <= 0 {
		return
	}
	config := route(req, c.group.hosts)
	status := int16(StatusMethodNotAllowed)
	if config.methods.Has(req.Method) {
		if req.ContentLength <= config.maxBodySize {
			return
		}
		status = StatusContentTooLarge
	} else {
		c.builder.allow = config.methods.String()
	}
	if req.Method == MethodHEAD {
		c.builder.headOnly()
	}
	c.request = req
	c.closeAfterFlush = true
	c.reply(c.builder.fromError(status, config.root, config.errorPages))
}

// reply queues a complete response for write readiness.
func (c *Connection) reply(wire []byte) {
	c.outbound = append(c.outbound, wire...)
	c.stage.metrics.onResponse(c.builder.lastStatus)
	c.stage.logAccess(c, c.builder.lastStatus, c.builder.lastSize)
	c.request = nil
	c.refresh()
}

func (c *Connection) onWritable() {
	if len(c.outbound) == 0 {
		c.refresh()
		return
	}
	n, err := unix.Write(c.client.file.fd, c.outbound)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		c.stage.teardown(c)
		return
	}
	c.stage.metrics.bytesWritten.Add(float64(n))
	if c.outbound = c.outbound[n:]; len(c.outbound) > 0 {
		return
	}
	c.outbound = nil
	if c.closeAfterFlush {
		c.stage.teardown(c)
		return
	}
	c.refresh()
	if c.parser.Buffered() > 0 { // next request may already be here
		c.advance(nil)
	}
}

func (c *Connection) attachCGI(x *cgiExchange) {
	c.cgi = x
	c.cgiOut = &pollEntry{file: x.stdout, role: roleCGIOut, conn: c, events: pollRead}
	c.stage.scheduleAdd(c.cgiOut)
	if x.stdin != nil {
		c.cgiIn = &pollEntry{file: x.stdin, role: roleCGIIn, conn: c, events: pollWrite}
		c.stage.scheduleAdd(c.cgiIn)
	}
	c.stage.onCGIStarted(c)
	c.refresh()
}

func (c *Connection) onCGIWritable() {
	if c.cgi.writeInput() {
		c.releaseCGIIn()
	}
}

func (c *Connection) onCGIReadable() {
	eof, err := c.cgi.readOutput(c.stage.readBuffer)
	if err != nil {
		c.stage.logf(LevelWarn, "conn=%d cgi pid=%d read: %s", c.id, c.cgi.process.pid, err.Error())
		c.stage.teardown(c)
		return
	}
	if eof {
		c.releaseCGIOut()
		c.finishCGI()
	}
}

// finishCGI replies if the child has exited. A child still running stays draining until the sweep retries.
func (c *Connection) finishCGI() {
	wire, ok := c.cgi.finish(c.builder)
	if !ok {
		return
	}
	if c.cgi.state == cgiFailed {
		c.stage.logf(LevelWarn, "conn=%d cgi pid=%d failed", c.id, c.cgi.process.pid)
	}
	c.releaseCGIIn()
	c.stage.onCGIStopped(c)
	c.cgi = nil
	c.reply(wire)
}

// expireCGI answers 408 and kills the child.
func (c *Connection) expireCGI() {
	x := c.cgi
	c.stage.logf(LevelWarn, "conn=%d cgi pid=%d timed out", c.id, x.process.pid)
	wire := x.expire(c.builder)
	c.releaseCGIIn()
	c.releaseCGIOut()
	if !x.process.reap() {
		c.stage.adoptOrphan(x.process)
	}
	c.stage.metrics.cgiTimeouts.Inc()
	c.stage.onCGIStopped(c)
	c.cgi = nil
	c.reply(wire)
}

// abortCGI kills the child because the connection is going away.
func (c *Connection) abortCGI() {
	x := c.cgi
	x.abort()
	c.releaseCGIIn()
	c.releaseCGIOut()
	if x.process != nil && !x.process.reap() {
		c.stage.adoptOrphan(x.process)
	}
	c.stage.onCGIStopped(c)
	c.cgi = nil
}

func (c *Connection) releaseCGIIn() {
	if c.cgiIn != nil {
		c.stage.scheduleRemove(c.cgiIn)
		c.cgiIn = nil
		c.cgi.stdin = nil
	}
}
func (c *Connection) releaseCGIOut() {
	if c.cgiOut != nil {
		c.stage.scheduleRemove(c.cgiOut)
		c.cgiOut = nil
		c.cgi.stdout = nil
	}
}
