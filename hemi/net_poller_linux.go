// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Readiness polling on linux: epoll, an eventfd waker, and owned descriptors.

package hemi

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const ( // interest masks
	pollRead  = unix.EPOLLIN
	pollWrite = unix.EPOLLOUT
	pollNone  = 0
	pollError = unix.EPOLLERR | unix.EPOLLHUP
)

// sysFD owns a file descriptor. Close releases it exactly once and is safe on nil.
type sysFD struct {
	fd int
}

func newSysFD(fd int) *sysFD { return &sysFD{fd: fd} }

func (f *sysFD) Fd() int {
	if f == nil {
		return -1
	}
	return f.fd
}
func (f *sysFD) Close() error {
	if f == nil || f.fd < 0 {
		return nil
	}
	fd := f.fd
	f.fd = -1
	return unix.Close(fd)
}
func (f *sysFD) setNonblock() error { return unix.SetNonblock(f.fd, true) }

// poller wraps an epoll instance. Level triggered.
type poller struct {
	epoll  *sysFD
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epoll: newSysFD(fd), events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (p *poller) add(fd int, events uint32) error {
	return unix.EpollCtl(p.epoll.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}
func (p *poller) modify(fd int, events uint32) error {
	return unix.EpollCtl(p.epoll.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}
func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epoll.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for at most timeout milliseconds, or forever if timeout is negative.
func (p *poller) wait(timeout int) ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(p.epoll.fd, p.events, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p.events[:n], nil
	}
}

func (p *poller) close() error { return p.epoll.Close() }

// waker interrupts a blocked wait from another goroutine.
type waker struct {
	efd *sysFD
}

func newWaker() (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &waker{efd: newSysFD(fd)}, nil
}

func (w *waker) wake() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(w.efd.fd, one[:])
	if err == unix.EAGAIN { // counter is saturated, a wakeup is pending anyway
		return nil
	}
	return err
}
func (w *waker) drain() {
	var buf [8]byte
	unix.Read(w.efd.fd, buf[:])
}
func (w *waker) close() error { return w.efd.Close() }
