// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hemi

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// serveStage starts a stage on loopback and stops it when the test ends.
func serveStage(t *testing.T, text string, root string) (*Stage, func()) {
	t.Helper()
	stage := testStage(t, "error_log off;\n"+text, root)
	if err := stage.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- stage.Serve() }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		if err := stage.Shutdown(); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not return")
		}
	}
	t.Cleanup(stop)
	return stage, stop
}

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialStage(t *testing.T, stage *Stage) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", stage.Addrs()[0])
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, raw string) {
	t.Helper()
	if _, err := io.WriteString(c.conn, raw); err != nil {
		t.Fatal(err)
	}
}
func (c *testClient) receive(t *testing.T) (*http.Response, string) {
	t.Helper()
	return c.receiveFor(t, nil)
}

// receiveFor reads a response to req, which tells the reader whether a body follows.
func (c *testClient) receiveFor(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(c.reader, req)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp, string(body)
}
func (c *testClient) roundTrip(t *testing.T, raw string) (*http.Response, string) {
	t.Helper()
	c.send(t, raw)
	return c.receive(t)
}

// expectClosed checks that the server closed the connection.
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	if n, err := c.reader.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("connection still open: n=%d err=%v", n, err)
	}
}

const stageConfig = `
server {
    listen 127.0.0.1:0;
    root {root};
    allow_methods GET HEAD POST;
    client_max_body_size 64;
    location /cgi {
        cgi .sh /bin/sh;
        cgi_timeout 300ms;
    }
    location /post {
        allow_methods POST;
    }
}
`

func TestStageKeepAlive(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "alpha")
	stage, _ := serveStage(t, stageConfig, root)
	c := dialStage(t, stage)

	resp, body := c.roundTrip(t, "GET /a.txt HTTP/1.1\r\nHost: h\r\n\r\n")
	if resp.StatusCode != 200 || body != "alpha" {
		t.Fatalf("first: %d %q", resp.StatusCode, body)
	}
	eTag := resp.Header.Get("ETag")
	resp, body = c.roundTrip(t, "GET /a.txt HTTP/1.1\r\nHost: h\r\nIf-None-Match: "+eTag+"\r\n\r\n")
	if resp.StatusCode != 304 || body != "" || resp.Header.Get("Content-Type") != "" {
		t.Errorf("revalidate: %d %q type=%q", resp.StatusCode, body, resp.Header.Get("Content-Type"))
	}
	resp, _ = c.roundTrip(t, "GET /missing HTTP/1.1\r\nHost: h\r\n\r\n")
	if resp.StatusCode != 404 {
		t.Errorf("missing: %d", resp.StatusCode)
	}
	if got := testutil.ToFloat64(stage.metrics.requests.WithLabelValues("200")); got != 1 {
		t.Errorf("200 responses=%v", got)
	}
	if got := testutil.ToFloat64(stage.metrics.connsAccepted); got != 1 {
		t.Errorf("accepted=%v", got)
	}
}

func TestStagePipelined(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "alpha")
	mustWrite(t, filepath.Join(root, "b.txt"), "beta")
	stage, _ := serveStage(t, stageConfig, root)
	c := dialStage(t, stage)

	c.send(t, "GET /a.txt HTTP/1.1\r\nHost: h\r\n\r\nGET /b.txt HTTP/1.1\r\nHost: h\r\n\r\nGET /a.txt HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n")
	for i, want := range []string{"alpha", "beta", "alpha"} {
		if resp, body := c.receive(t); resp.StatusCode != 200 || body != want {
			t.Errorf("#%d: %d %q", i, resp.StatusCode, body)
		}
	}
	c.expectClosed(t)
}

func TestStageBadRequestKeepsConnection(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "alpha")
	stage, _ := serveStage(t, stageConfig, root)
	c := dialStage(t, stage)

	resp, _ := c.roundTrip(t, "GET /a.txt\r\nHost: h\r\n\r\n") // no version
	if resp.StatusCode != 400 {
		t.Fatalf("bad: %d", resp.StatusCode)
	}
	resp, body := c.roundTrip(t, "GET /a.txt HTTP/1.1\r\nHost: h\r\n\r\n")
	if resp.StatusCode != 200 || body != "alpha" {
		t.Errorf("after bad: %d %q", resp.StatusCode, body)
	}
	if got := testutil.ToFloat64(stage.metrics.parseErrors); got != 1 {
		t.Errorf("parse errors=%v", got)
	}
}

func TestStageClosesAfterFatalErrors(t *testing.T) {
	root := t.TempDir()
	stage, _ := serveStage(t, stageConfig, root)
	tests := []struct {
		raw    string
		status int
	}{
		{"POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 100000\r\n\r\n", 413}, // answered before the body arrives
		{"POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: abc\r\n\r\n", 400},
		{"POST /x HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n", 400},
		{"GET /x HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", 404},
		{"DELETE /x HTTP/1.1\r\nHost: h\r\nContent-Length: 1000000000\r\n\r\n", 405}, // refused before the body arrives
		{"PUT /post/x HTTP/1.1\r\nHost: h\r\nContent-Length: 100000\r\n\r\n", 405},   // 405 wins over 413
	}
	for i, test := range tests {
		c := dialStage(t, stage)
		resp, _ := c.roundTrip(t, test.raw)
		if resp.StatusCode != test.status {
			t.Errorf("#%d: status=%d want %d", i, resp.StatusCode, test.status)
		}
		if test.status == 405 && resp.Header.Get("Allow") == "" {
			t.Errorf("#%d: no Allow header", i)
		}
		c.expectClosed(t)
	}
}

func TestStageVirtualHosts(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	mustWrite(t, filepath.Join(rootA, "who"), "a")
	mustWrite(t, filepath.Join(rootB, "who"), "b")
	stage, _ := serveStage(t, `
server { listen 127.0.0.1:0; server_name a.test; root `+rootA+`; }
server { listen 127.0.0.1:0; server_name b.test; root `+rootB+`; }
`, "")
	if len(stage.Addrs()) != 1 {
		t.Fatalf("addrs=%v", stage.Addrs())
	}
	c := dialStage(t, stage)
	for i, test := range []struct{ host, want string }{{"b.test", "b"}, {"a.test:1234", "a"}, {"other", "a"}} {
		if _, body := c.roundTrip(t, "GET /who HTTP/1.1\r\nHost: "+test.host+"\r\n\r\n"); body != test.want {
			t.Errorf("#%d: host=%s body=%q", i, test.host, body)
		}
	}
}

func TestStageCGI(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "cgi", "echo.sh"), "printf 'Content-Type: text/plain\\r\\n\\r\\n'; cat\n")
	stage, _ := serveStage(t, stageConfig, root)
	c := dialStage(t, stage)

	for i, body := range []string{"hello", "world, again"} {
		raw := "POST /cgi/echo.sh HTTP/1.1\r\nHost: h\r\nContent-Type: text/plain\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
		resp, got := c.roundTrip(t, raw)
		if resp.StatusCode != 200 || got != body || resp.Header.Get("Content-Type") != "text/plain" {
			t.Errorf("#%d: %d %q", i, resp.StatusCode, got)
		}
	}
	if got := testutil.ToFloat64(stage.metrics.cgiStarted); got != 2 {
		t.Errorf("cgi started=%v", got)
	}
	if got := testutil.ToFloat64(stage.metrics.cgiPipes); got != 0 {
		t.Errorf("cgi pipes open=%v", got)
	}
}

func TestStageHeadHasNoBody(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "alpha")
	stage, _ := serveStage(t, stageConfig, root)
	c := dialStage(t, stage)

	head := &http.Request{Method: "HEAD"}
	tests := []struct {
		target string
		status int
	}{
		{"/post/x", 405},         // method not allowed
		{"/cgi/missing.sh", 404}, // cgi script not found
		{"/missing", 404},
		{"/a.txt", 200},
	}
	for i, test := range tests {
		c.send(t, "HEAD "+test.target+" HTTP/1.1\r\nHost: h\r\n\r\n")
		resp, body := c.receiveFor(t, head)
		if resp.StatusCode != test.status || body != "" || resp.Header.Get("Content-Length") == "" {
			t.Errorf("#%d: %d body=%q length=%q", i, resp.StatusCode, body, resp.Header.Get("Content-Length"))
		}
	}
	// a body sent after any of them would be read here as the status line
	resp, body := c.roundTrip(t, "GET /a.txt HTTP/1.1\r\nHost: h\r\n\r\n")
	if resp.StatusCode != 200 || body != "alpha" {
		t.Errorf("after heads: %d %q", resp.StatusCode, body)
	}
}

func TestStageCGITimeout(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "alpha")
	mustWrite(t, filepath.Join(root, "cgi", "hang.sh"), "printf 'Content-Type: text/plain\\r\\n\\r\\n'; exec sleep 10\n")
	stage, stop := serveStage(t, stageConfig, root)
	c := dialStage(t, stage)

	start := time.Now()
	resp, _ := c.roundTrip(t, "GET /cgi/hang.sh HTTP/1.1\r\nHost: h\r\n\r\n")
	elapsed := time.Since(start)
	if resp.StatusCode != 408 {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if elapsed < 250*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("elapsed=%s", elapsed)
	}
	resp, body := c.roundTrip(t, "GET /a.txt HTTP/1.1\r\nHost: h\r\n\r\n") // exactly one response for the cgi
	if resp.StatusCode != 200 || body != "alpha" {
		t.Errorf("after timeout: %d %q", resp.StatusCode, body)
	}
	if got := testutil.ToFloat64(stage.metrics.cgiTimeouts); got != 1 {
		t.Errorf("timeouts=%v", got)
	}
	if got := testutil.ToFloat64(stage.metrics.cgiPipes); got != 0 { // while the loop still runs
		t.Errorf("cgi pipes open=%v", got)
	}

	stop()
	if len(stage.orphans) != 0 {
		t.Errorf("orphans=%d", len(stage.orphans))
	}
	if got := testutil.ToFloat64(stage.metrics.cgiRunning); got != 0 {
		t.Errorf("cgi running=%v", got)
	}
}

func TestStageShutdownKillsCGI(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "cgi", "hang.sh"), "exec sleep 10\n")
	stage, stop := serveStage(t, stageConfig, root)
	c := dialStage(t, stage)
	c.send(t, "GET /cgi/hang.sh HTTP/1.1\r\nHost: h\r\n\r\n")
	for i := 0; i < 100 && testutil.ToFloat64(stage.metrics.cgiRunning) == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	stop()
	if got := testutil.ToFloat64(stage.metrics.cgiRunning); got != 0 {
		t.Errorf("cgi running=%v", got)
	}
	if got := testutil.ToFloat64(stage.metrics.connsOpen); got != 0 {
		t.Errorf("conns open=%v", got)
	}
	if len(stage.orphans) != 0 {
		t.Errorf("orphans=%d", len(stage.orphans))
	}
	c.expectClosed(t)
}

func TestWaitTimeout(t *testing.T) {
	s := newStage()
	now := time.Now()
	s.now = func() time.Time { return now }
	if got := s.waitTimeout(); got != -1 {
		t.Errorf("idle=%d", got)
	}
	running := &Connection{cgi: &cgiExchange{state: cgiRunning, deadline: now.Add(1500 * time.Microsecond)}}
	s.cgis[running] = struct{}{}
	if got := s.waitTimeout(); got != 2 {
		t.Errorf("running=%d", got)
	}
	s.adoptOrphan(&cgiProcess{pid: -1, reaped: true})
	if got := s.waitTimeout(); got != 2 {
		t.Errorf("with orphan=%d", got)
	}
	running.cgi.deadline = now.Add(-time.Second)
	if got := s.waitTimeout(); got != 0 {
		t.Errorf("expired=%d", got)
	}
	delete(s.cgis, running)
	if got := s.waitTimeout(); got != int(orphanInterval/time.Millisecond) {
		t.Errorf("orphan only=%d", got)
	}
	s.reapOrphans()
	if len(s.orphans) != 0 || s.waitTimeout() != -1 {
		t.Errorf("orphans=%d", len(s.orphans))
	}
}
