// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Listener groups. One non-blocking listening socket per distinct address:port, shared by its virtual hosts.

package hemi

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// listenerGroup owns a listening socket and the virtual hosts sharing it.
type listenerGroup struct {
	// Assocs
	hosts []*VirtualHost // in config order. the first one is the default
	// States
	address  string // ipv4
	port     int    // as configured, may be 0
	bound    int    // actual port after bind
	listener *sysFD
}

func newListenerGroup(address string, port int) *listenerGroup {
	return &listenerGroup{address: address, port: port}
}

func (g *listenerGroup) key() string { return g.address + ":" + strconv.Itoa(g.port) }

// Addr returns the bound address, usable after listen.
func (g *listenerGroup) Addr() string { return g.address + ":" + strconv.Itoa(g.bound) }

func (g *listenerGroup) listen() error {
	ip := net.ParseIP(g.address).To4()
	if ip == nil {
		return fmt.Errorf("listen %s: not an ipv4 address", g.key())
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.key(), err)
	}
	listener := newSysFD(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		listener.Close()
		return fmt.Errorf("listen %s: %w", g.key(), err)
	}
	addr := &unix.SockaddrInet4{Port: g.port}
	copy(addr.Addr[:], ip)
	if err := unix.Bind(fd, addr); err != nil {
		listener.Close()
		return fmt.Errorf("bind %s: %w", g.key(), err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		listener.Close()
		return fmt.Errorf("listen %s: %w", g.key(), err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		listener.Close()
		return fmt.Errorf("getsockname %s: %w", g.key(), err)
	}
	if inet4, ok := sa.(*unix.SockaddrInet4); ok {
		g.bound = inet4.Port
	}
	g.listener = listener
	return nil
}

// accept takes one pending connection. err is EAGAIN when the backlog is empty.
func (g *listenerGroup) accept() (fd int, remoteAddr string, err error) {
	for {
		fd, sa, err := unix.Accept4(g.listener.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, "", err
		}
		if inet4, ok := sa.(*unix.SockaddrInet4); ok {
			remoteAddr = net.IP(inet4.Addr[:]).String()
		}
		return fd, remoteAddr, nil
	}
}

func (g *listenerGroup) close() error { return g.listener.Close() }
