// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Stage. A stage owns every listener, connection and cgi child of a configuration, and runs them in one event loop.

package hemi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

const (
	maxEvents      = 256      // events taken per wait
	readBufferSize = 64 << 10 // shared by all reads of the loop
)

const ( // poll intervals used while something cannot signal readiness
	drainingInterval = 5 * time.Millisecond  // a cgi child closed stdout but has not exited
	orphanInterval   = 50 * time.Millisecond // killed children not reaped yet
)

type pollRole uint8

const (
	roleListener pollRole = iota
	roleClient
	roleCGIIn  // parent write end of cgi stdin
	roleCGIOut // parent read end of cgi stdout
	roleWaker
)

var pollRoleNames = [...]string{
	roleListener: "listener",
	roleClient:   "client",
	roleCGIIn:    "cgiIn",
	roleCGIOut:   "cgiOut",
	roleWaker:    "waker",
}

func (r pollRole) String() string { return pollRoleNames[r] }
func (r pollRole) isCGI() bool    { return r == roleCGIIn || r == roleCGIOut }

// pollEntry is a descriptor tracked by the loop.
type pollEntry struct {
	// Assocs
	file  *sysFD
	group *listenerGroup // for roleListener
	conn  *Connection    // for roleClient, roleCGIIn and roleCGIOut
	// States
	role       pollRole
	events     uint32 // wanted interest
	armed      uint32 // interest known to epoll
	registered bool
	modifying  bool // queued for modification
	dead       bool // queued for removal. events are ignored from now on
}

// Stage is a loaded configuration bound to its listening sockets.
type Stage struct {
	// Assocs
	groups    []*listenerGroup // one per distinct address:port
	hosts     []*VirtualHost   // all hosts in config order
	errorLog  *levelLog
	accessLog Logger // nil if not configured
	metrics   *stageMetrics
	poller    *poller
	waker     *waker
	wakerLock sync.Mutex // guards the waker against Close
	// States
	entries    map[int]*pollEntry // indexed by fd. changed only between batches
	additions  []*pollEntry
	changes    []*pollEntry
	removals   []*pollEntry
	conns      map[int64]*Connection
	cgis       map[*Connection]struct{} // connections with a cgi exchange in flight
	orphans    []*cgiProcess
	readBuffer []byte
	now        func() time.Time
	nextID     int64
	stopping   bool
	closed     bool
}

func newStage() *Stage {
	s := new(Stage)
	s.metrics = newStageMetrics()
	s.entries = make(map[int]*pollEntry)
	s.conns = make(map[int64]*Connection)
	s.cgis = make(map[*Connection]struct{})
	s.readBuffer = make([]byte, readBufferSize)
	s.now = time.Now
	return s
}

// Registry returns the metrics registry of the stage.
func (s *Stage) Registry() *prometheus.Registry { return s.metrics.registry }

// Addrs returns the bound addresses of all listeners. Ports are real after Start.
func (s *Stage) Addrs() []string {
	addrs := make([]string, 0, len(s.groups))
	for _, group := range s.groups {
		addrs = append(addrs, group.Addr())
	}
	return addrs
}

// Start creates the poller and binds every listener. Nothing is served until Serve is called.
func (s *Stage) Start() (err error) {
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	if s.poller, err = newPoller(maxEvents); err != nil {
		return fmt.Errorf("epoll: %w", err)
	}
	if s.waker, err = newWaker(); err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}
	if err = s.register(&pollEntry{file: s.waker.efd, role: roleWaker, events: pollRead}); err != nil {
		return err
	}
	for _, group := range s.groups {
		if err = group.listen(); err != nil {
			return err
		}
		if err = s.register(&pollEntry{file: group.listener, role: roleListener, group: group, events: pollRead}); err != nil {
			return err
		}
		s.logf(LevelInfo, "listening on %s", group.Addr())
	}
	return nil
}

// register adds an entry outside of the loop.
func (s *Stage) register(entry *pollEntry) error {
	if err := s.poller.add(entry.file.fd, entry.events); err != nil {
		return fmt.Errorf("epoll add %s: %w", entry.role, err)
	}
	entry.registered, entry.armed = true, entry.events
	s.entries[entry.file.fd] = entry
	return nil
}

// Shutdown tells Serve to return. It can be called from any goroutine, also after Serve has returned.
func (s *Stage) Shutdown() error {
	s.wakerLock.Lock()
	defer s.wakerLock.Unlock()
	if s.waker == nil {
		return errors.New("stage is not started")
	}
	if s.waker.efd.Fd() < 0 { // closed
		return nil
	}
	return s.waker.wake()
}

// Serve runs the event loop until Shutdown is called. All resources of the stage are released on return.
func (s *Stage) Serve() error {
	defer s.Close()
	for !s.stopping {
		events, err := s.poller.wait(s.waitTimeout())
		if err != nil {
			s.logf(LevelError, "epoll wait: %s", err.Error())
			return err
		}
		for i := range events {
			event := &events[i]
			entry := s.entries[int(event.Fd)]
			if entry == nil || entry.dead || entry.conn != nil && entry.conn.dead {
				continue
			}
			if DebugLevel() >= 2 {
				fmt.Printf("fd=%d role=%s events=%#x\n", event.Fd, entry.role, event.Events)
			}
			s.dispatchEvent(entry, event.Events)
		}
		s.sweepCGIs()
		s.reapOrphans()
		s.commit()
	}
	s.logf(LevelInfo, "stage shutting down")
	for _, conn := range s.conns {
		s.teardown(conn)
	}
	s.commit()
	s.killOrphans()
	return nil
}

func (s *Stage) dispatchEvent(entry *pollEntry, events uint32) {
	switch entry.role {
	case roleWaker:
		s.waker.drain()
		s.stopping = true
	case roleListener:
		s.acceptAll(entry.group)
	case roleClient:
		c := entry.conn
		if events&unix.EPOLLERR != 0 {
			s.teardown(c)
			return
		}
		if events&unix.EPOLLIN != 0 {
			c.onReadable()
		}
		if events&unix.EPOLLOUT != 0 && !c.dead {
			c.onWritable()
		}
		if events&unix.EPOLLHUP != 0 && events&unix.EPOLLIN == 0 {
			s.teardown(c)
		}
	case roleCGIOut:
		c := entry.conn
		if c.cgi == nil {
			return
		}
		if events&(unix.EPOLLIN|unix.EPOLLHUP) != 0 {
			c.onCGIReadable()
		} else if events&unix.EPOLLERR != 0 {
			s.teardown(c)
		}
	case roleCGIIn:
		c := entry.conn
		if c.cgi == nil {
			return
		}
		if events&pollError != 0 { // child closed its stdin
			c.releaseCGIIn()
		} else if events&unix.EPOLLOUT != 0 {
			c.onCGIWritable()
		}
	}
}

// acceptAll drains the backlog of a listener.
func (s *Stage) acceptAll(group *listenerGroup) {
	for {
		fd, remoteAddr, err := group.accept()
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.logf(LevelWarn, "accept on %s: %s", group.Addr(), err.Error())
			return
		}
		s.nextID++
		c := newConnection(s, group, s.nextID, fd, remoteAddr)
		s.conns[c.id] = c
		s.scheduleAdd(c.client)
		s.metrics.connsAccepted.Inc()
		s.metrics.connsOpen.Inc()
		s.logf(LevelDebug, "conn=%d accepted from %s on %s", c.id, remoteAddr, group.Addr())
	}
}

// waitTimeout returns milliseconds until the nearest cgi deadline, or -1 if there is nothing to wait for.
func (s *Stage) waitTimeout() int {
	var nearest time.Duration = -1
	closer := func(d time.Duration) {
		if nearest < 0 || d < nearest {
			nearest = d
		}
	}
	if len(s.orphans) > 0 {
		closer(orphanInterval)
	}
	now := s.now()
	for c := range s.cgis {
		if c.cgi.state == cgiDraining {
			closer(drainingInterval)
		} else if left := c.cgi.deadline.Sub(now); left > 0 {
			closer(left)
		} else {
			closer(0)
		}
	}
	if nearest < 0 {
		return -1
	}
	return int((nearest + time.Millisecond - 1) / time.Millisecond)
}

// sweepCGIs finishes exchanges whose child has exited and expires the ones past their deadline.
func (s *Stage) sweepCGIs() {
	now := s.now()
	for c := range s.cgis {
		if c.cgi.state == cgiDraining {
			c.finishCGI()
		}
		if c.cgi != nil && !now.Before(c.cgi.deadline) {
			c.expireCGI()
		}
	}
}

func (s *Stage) onCGIStarted(c *Connection) {
	s.cgis[c] = struct{}{}
	s.metrics.cgiStarted.Inc()
	s.metrics.cgiRunning.Inc()
	s.logf(LevelDebug, "conn=%d cgi pid=%d started", c.id, c.cgi.process.pid)
}
func (s *Stage) onCGIStopped(c *Connection) {
	if _, ok := s.cgis[c]; ok {
		delete(s.cgis, c)
		s.metrics.cgiRunning.Dec()
	}
}

// adoptOrphan keeps a killed child until it can be reaped.
func (s *Stage) adoptOrphan(p *cgiProcess) {
	s.orphans = append(s.orphans, p)
	s.metrics.cgiOrphans.Set(float64(len(s.orphans)))
}
func (s *Stage) reapOrphans() {
	if len(s.orphans) == 0 {
		return
	}
	alive := s.orphans[:0]
	for _, p := range s.orphans {
		if !p.reap() {
			alive = append(alive, p)
		}
	}
	clear(s.orphans[len(alive):])
	s.orphans = alive
	s.metrics.cgiOrphans.Set(float64(len(s.orphans)))
}
func (s *Stage) killOrphans() {
	for _, p := range s.orphans {
		p.kill()
		for i := 0; i < 100 && !p.reap(); i++ {
			time.Sleep(10 * time.Millisecond)
		}
	}
	s.reapOrphans()
	if len(s.orphans) > 0 {
		s.logf(LevelWarn, "%d cgi children left unreaped", len(s.orphans))
	}
}

// teardown closes a connection and everything it owns. It is idempotent.
func (s *Stage) teardown(c *Connection) {
	if c.dead {
		return
	}
	c.dead = true
	if c.cgi != nil {
		c.abortCGI()
	}
	s.scheduleRemove(c.client)
	delete(s.conns, c.id)
	s.metrics.connsOpen.Dec()
	s.logf(LevelDebug, "conn=%d closed", c.id)
}

func (s *Stage) scheduleAdd(entry *pollEntry) { s.additions = append(s.additions, entry) }
func (s *Stage) scheduleRemove(entry *pollEntry) {
	if entry.dead {
		return
	}
	entry.dead = true
	s.removals = append(s.removals, entry)
}
func (s *Stage) setInterest(entry *pollEntry, events uint32) {
	if entry.dead || entry.events == events {
		return
	}
	entry.events = events
	if entry.registered && !entry.modifying {
		entry.modifying = true
		s.changes = append(s.changes, entry)
	}
}

// commit applies removals, then modifications, then additions scheduled during the batch.
func (s *Stage) commit() {
	for len(s.removals) > 0 || len(s.changes) > 0 || len(s.additions) > 0 {
		removals := s.removals
		s.removals = nil
		for _, entry := range removals {
			fd := entry.file.Fd()
			if entry.registered {
				if err := s.poller.remove(fd); err != nil {
					s.logf(LevelWarn, "epoll del fd=%d: %s", fd, err.Error())
				}
				entry.registered = false
				if entry.role.isCGI() {
					s.metrics.cgiPipes.Dec()
				}
			}
			if s.entries[fd] == entry {
				delete(s.entries, fd)
			}
			entry.file.Close()
		}
		changes := s.changes
		s.changes = nil
		for _, entry := range changes {
			entry.modifying = false
			if entry.dead || !entry.registered || entry.armed == entry.events {
				continue
			}
			if err := s.poller.modify(entry.file.fd, entry.events); err != nil {
				s.logf(LevelWarn, "epoll mod fd=%d: %s", entry.file.fd, err.Error())
				continue
			}
			entry.armed = entry.events
		}
		additions := s.additions
		s.additions = nil
		for _, entry := range additions {
			if entry.dead {
				continue
			}
			if err := s.poller.add(entry.file.fd, entry.events); err != nil {
				s.logf(LevelWarn, "epoll add fd=%d: %s", entry.file.fd, err.Error())
				if entry.conn != nil {
					s.teardown(entry.conn)
				}
				s.scheduleRemove(entry)
				continue
			}
			entry.registered, entry.armed = true, entry.events
			s.entries[entry.file.fd] = entry
			if entry.role.isCGI() {
				s.metrics.cgiPipes.Inc()
			}
		}
	}
}

// Close releases a stage. Serve calls it on return, others call it for stages that are never served.
func (s *Stage) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, group := range s.groups {
		group.close()
	}
	if s.poller != nil {
		s.poller.close()
	}
	if s.waker != nil {
		s.wakerLock.Lock()
		s.waker.close()
		s.wakerLock.Unlock()
	}
	if s.accessLog != nil {
		s.accessLog.Close()
	}
	if s.errorLog != nil {
		s.errorLog.close()
	}
}

func (s *Stage) logf(level LogLevel, f string, v ...any) {
	if s.errorLog != nil {
		s.errorLog.logf(level, f, v...)
	}
}

// logAccess records a response in the access log.
func (s *Stage) logAccess(c *Connection, status int16, size int) {
	if s.accessLog == nil {
		return
	}
	method, uri := "-", "-"
	if req := c.request; req != nil {
		method, uri = req.Method.String(), req.Target
	}
	s.accessLog.Logf("%s \"%s %s HTTP/1.1\" %d %d\n", c.remoteAddr, method, uri, status, size)
}
