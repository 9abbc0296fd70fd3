// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Virtual hosts, locations, and the effective configuration resolved from them.

package hemi

import (
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	defaultIndex       = "index.html"
	defaultMaxBodySize = 1000000
	defaultCGITimeout  = 2 * time.Second
)

// VirtualHost is a server block. Immutable once the stage is created.
type VirtualHost struct {
	// Assocs
	locations []*Location // in config order
	// States
	address     string // ipv4 address to bind, "0.0.0.0" by default
	port        int
	name        string // lowercased server_name, may be empty
	root        string
	index       string
	methods     MethodSet
	maxBodySize int64
	errorPages  errorPages
	autoindex   bool
	cgis        map[string]string // ".ext" -> interpreter
	cgiTimeout  time.Duration
	effective   *EffectiveConfig // used when no location matches
}

func (h *VirtualHost) Address() string {
	return h.address + ":" + strconv.Itoa(h.port)
}

func (h *VirtualHost) onPrepare() {
	if h.index == "" {
		h.index = defaultIndex
	}
	if h.methods.IsEmpty() {
		h.methods = MethodSet(MethodGET)
	}
	if h.maxBodySize < 0 {
		h.maxBodySize = defaultMaxBodySize
	}
	h.effective = &EffectiveConfig{
		host:        h,
		root:        h.root,
		index:       h.index,
		methods:     h.methods,
		maxBodySize: h.maxBodySize,
		errorPages:  h.errorPages,
		autoindex:   h.autoindex,
		cgis:        h.cgis,
		cgiTimeout:  h.cgiTimeout,
	}
	for _, location := range h.locations {
		location.effective = location.merge(h)
	}
}

// matchLocation picks the location with an identical path, or else the longest path that prefixes uri.
func (h *VirtualHost) matchLocation(uri string) *Location {
	var best *Location
	for _, location := range h.locations {
		if location.path == uri {
			return location
		}
		if strings.HasPrefix(uri, location.path) && (best == nil || len(location.path) > len(best.path)) {
			best = location
		}
	}
	return best
}

// configFor resolves the effective configuration for uri.
func (h *VirtualHost) configFor(uri string) *EffectiveConfig {
	if location := h.matchLocation(uri); location != nil {
		return location.effective
	}
	return h.effective
}

// Location is a path prefix scoped override inside a virtual host. Unset fields inherit from the host.
type Location struct {
	// States
	path        string
	root        string
	index       string
	redirect    string
	maxBodySize int64 // -1 if unset
	methods     MethodSet
	errorPages  errorPages
	autoindex   int8 // -1 if unset, 0 off, 1 on
	cgis        map[string]string
	cgiTimeout  time.Duration // 0 if unset
	effective   *EffectiveConfig
}

func newLocation(path string) *Location {
	return &Location{path: path, maxBodySize: -1, autoindex: -1}
}

func (l *Location) merge(h *VirtualHost) *EffectiveConfig {
	c := *h.effective
	c.location = l
	if l.root != "" {
		c.root = l.root
	}
	if l.index != "" {
		c.index = l.index
	}
	c.redirect = l.redirect
	if l.maxBodySize >= 0 {
		c.maxBodySize = l.maxBodySize
	}
	if !l.methods.IsEmpty() {
		c.methods = l.methods
	}
	if len(l.errorPages) > 0 {
		pages := make(errorPages, 0, len(l.errorPages)+len(h.errorPages))
		c.errorPages = append(append(pages, l.errorPages...), h.errorPages...)
	}
	if l.autoindex >= 0 {
		c.autoindex = l.autoindex == 1
	}
	if len(l.cgis) > 0 {
		cgis := make(map[string]string, len(h.cgis)+len(l.cgis))
		for ext, interpreter := range h.cgis {
			cgis[ext] = interpreter
		}
		for ext, interpreter := range l.cgis {
			cgis[ext] = interpreter
		}
		c.cgis = cgis
	}
	if l.cgiTimeout > 0 {
		c.cgiTimeout = l.cgiTimeout
	}
	return &c
}

// EffectiveConfig is a host merged with its best matching location. Shared read-only by all requests.
type EffectiveConfig struct {
	// Assocs
	host     *VirtualHost
	location *Location // nil if no location matches
	// States
	root        string
	index       string
	redirect    string
	methods     MethodSet
	maxBodySize int64
	errorPages  errorPages
	autoindex   bool
	cgis        map[string]string
	cgiTimeout  time.Duration
}

// interpreterFor returns the cgi interpreter configured for the extension of file, if any.
func (c *EffectiveConfig) interpreterFor(file string) (string, bool) {
	if len(c.cgis) == 0 {
		return "", false
	}
	ext := path.Ext(file)
	if ext == "" {
		return "", false
	}
	interpreter, ok := c.cgis[ext]
	return interpreter, ok
}
