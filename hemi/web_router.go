// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Request routing and dispatching.

package hemi

import (
	"strings"
	"time"
)

// route selects the effective configuration for req among the virtual hosts sharing one listener.
func route(req *Request, hosts []*VirtualHost) *EffectiveConfig {
	return selectHost(hosts, req.Host()).configFor(req.URI)
}

// selectHost matches name, already stripped of its port, against server names. Unknown names get the first host.
func selectHost(hosts []*VirtualHost, name string) *VirtualHost {
	for _, host := range hosts {
		if host.name != "" && host.name == name {
			return host
		}
	}
	return hosts[0]
}

type outcomeKind uint8

const (
	outcomeResponse outcomeKind = iota // wire holds a complete response
	outcomeCGI                         // cgi holds a running exchange
)

// outcome is what dispatching a request yields.
type outcome struct {
	kind outcomeKind
	wire []byte
	cgi  *cgiExchange
}

func respond(wire []byte) outcome       { return outcome{kind: outcomeResponse, wire: wire} }
func delegate(cgi *cgiExchange) outcome { return outcome{kind: outcomeCGI, cgi: cgi} }
func (o outcome) isResponse() bool      { return o.kind == outcomeResponse }

// dispatcher turns requests into outcomes for one connection.
type dispatcher struct {
	// Assocs
	builder *responseBuilder
	now     func() time.Time
	// States
	serverName string // name of the listening host
	serverPort int
	remoteAddr string
}

func newDispatcher(serverName string, serverPort int, remoteAddr string) *dispatcher {
	return &dispatcher{
		builder:    newResponseBuilder(),
		now:        time.Now,
		serverName: serverName,
		serverPort: serverPort,
		remoteAddr: remoteAddr,
	}
}

// dispatch checks method and body size, then redirects, runs cgi, or hands the request to a handler by method.
func (d *dispatcher) dispatch(c *EffectiveConfig, req *Request) outcome {
	b := d.builder
	if req.Method == MethodHEAD { // every answer to HEAD goes without body, errors included
		b.headOnly()
	}
	if !c.methods.Has(req.Method) {
		b.allow = c.methods.String()
		return respond(b.fromError(StatusMethodNotAllowed, c.root, c.errorPages))
	}
	if int64(len(req.Body)) > c.maxBodySize {
		return respond(b.fromError(StatusContentTooLarge, c.root, c.errorPages))
	}
	if c.redirect != "" {
		return respond(b.fromRedirect(StatusMovedPermanently, c.redirect))
	}
	path := joinPath(c.root, req.URI)
	if interpreter, ok := c.interpreterFor(path); ok {
		return d.startCGI(c, req, interpreter, path)
	}
	switch req.Method {
	case MethodGET, MethodHEAD:
		return respond(d.serveStatic(c, req, path))
	case MethodPOST:
		return respond(d.upload(c, req, path))
	case MethodDELETE:
		return respond(d.remove(c, req, path))
	case MethodOPTIONS:
		return respond(b.fromOptions(c.methods))
	default:
		return respond(b.fromError(StatusNotImplemented, c.root, c.errorPages))
	}
}

func (d *dispatcher) startCGI(c *EffectiveConfig, req *Request, interpreter string, script string) outcome {
	serverName := d.serverName
	if host := req.Host(); host != "" {
		serverName = host
	}
	x, status := startCGI(c, &cgiRequest{
		request:    req,
		script:     script,
		serverName: serverName,
		serverPort: d.serverPort,
		remoteAddr: d.remoteAddr,
	}, interpreter, d.now())
	if x == nil {
		return respond(d.builder.fromError(status, c.root, c.errorPages))
	}
	return delegate(x)
}

// rawPath returns the request target without query and fragment, still escaped.
func rawPath(req *Request) string {
	target := req.Target
	if i := strings.IndexAny(target, "?#"); i != -1 {
		target = target[:i]
	}
	return target
}
