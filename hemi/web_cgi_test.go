// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hemi

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseCGIOutput(t *testing.T) {
	tests := []struct {
		output  string
		status  int16
		body    string
		cookies []string
		err     error
	}{
		{"Content-Type: text/html\r\n\r\n<b>", 200, "<b>", nil, nil},
		{"Status: 201\r\nContent-Type: a/b\r\n\r\n", 201, "", nil, nil},
		{"Location: /x\r\nContent-Type: a/b\r\n\r\n", 302, "", nil, nil},
		{"Status: 301 Moved\r\nLocation: /x\r\nContent-Type: a/b\r\n\r\n", 301, "", nil, nil},
		{"Content-Type: a/b\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2; Path=/\r\n\r\nx", 200, "x", []string{"a=1", "b=2; Path=/"}, nil},
		{"Content-Type: a/b\n\nbody\r\n\r\nmore", 200, "body\r\n\r\nmore", nil, nil},
		{"Content-Type: a/b\r\n", 0, "", nil, errCGINoHeaders},
		{"Bad Header\r\n\r\n", 0, "", nil, errCGIBadHeader},
		{"Status: abc\r\nContent-Type: a/b\r\n\r\n", 0, "", nil, errCGIBadStatus},
		{"Status: 99\r\nContent-Type: a/b\r\n\r\n", 0, "", nil, errCGIBadStatus},
		{"Status: 2000\r\nContent-Type: a/b\r\n\r\n", 0, "", nil, errCGIBadStatus},
		{"X-Only: y\r\n\r\nbody", 0, "", nil, errCGINoContentType},
	}
	for i, test := range tests {
		status, _, cookies, body, err := parseCGIOutput([]byte(test.output))
		if !errors.Is(err, test.err) {
			t.Errorf("#%d: err=%v want %v", i, err, test.err)
			continue
		}
		if err != nil {
			continue
		}
		if status != test.status || string(body) != test.body || !reflect.DeepEqual(cookies, test.cookies) {
			t.Errorf("#%d: status=%d body=%q cookies=%v", i, status, body, cookies)
		}
	}
}

// runCGI dispatches raw to a /bin/sh script and drives the exchange to its end without a stage.
func runCGI(t *testing.T, script string, raw string) *wireResponse {
	t.Helper()
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "run.sh"), script)
	stage := testStage(t, "server { listen 127.0.0.1:0; root {root}; allow_methods GET HEAD POST; cgi .sh /bin/sh; }", root)
	req := parseRequest(t, raw)
	d := newDispatcher("localhost", 8080, "127.0.0.1")
	d.builder.now = func() time.Time { return testTime }
	result := d.dispatch(route(req, stage.groups[0].hosts), req)
	if result.isResponse() {
		return splitResponse(t, result.wire)
	}
	x := result.cgi
	defer x.closePipes()
	deadline := time.Now().Add(5 * time.Second)
	check := func() {
		if time.Now().After(deadline) {
			x.abort()
			x.process.reap()
			t.Fatalf("cgi did not finish, state=%s", x.state)
		}
	}
	for x.stdin != nil {
		if x.writeInput() {
			x.stdin.Close()
			x.stdin = nil
		}
		check()
	}
	buffer := make([]byte, 4096)
	for x.stdout != nil {
		eof, err := x.readOutput(buffer)
		if err != nil {
			t.Fatal(err)
		}
		if eof {
			x.stdout.Close()
			x.stdout = nil
			break
		}
		check()
		time.Sleep(time.Millisecond)
	}
	for {
		if wire, ok := x.finish(d.builder); ok {
			return splitResponse(t, wire)
		}
		check()
		time.Sleep(time.Millisecond)
	}
}

func TestCGIExchanges(t *testing.T) {
	const plain = `printf 'Content-Type: text/plain\r\n\r\n'`
	tests := []struct {
		script string
		raw    string
		status int
		body   string
	}{
		{plain + "; cat\n", "POST /run.sh HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello", 200, "hello"},
		{plain + `; printf '%s|%s|%s|%s' "$REQUEST_METHOD" "$QUERY_STRING" "$HTTP_X_TEST" "$CONTENT_LENGTH"` + "\n",
			"GET /run.sh?a=1 HTTP/1.1\r\nHost: h\r\nX-Test: yes\r\n\r\n", 200, "GET|a=1|yes|0"},
		{plain + `; printf '%s|%s|%s|[%s]' "$SERVER_NAME" "$SERVER_PORT" "$GATEWAY_INTERFACE" "$PATH_INFO"` + "\n",
			"GET /run.sh HTTP/1.1\r\nHost: Site.Example:81\r\n\r\n", 200, "site.example|8080|CGI/1.1|[]"},
		{plain + "; printf 'head body'\n", "HEAD /run.sh HTTP/1.1\r\nHost: h\r\n\r\n", 200, ""},
		{"printf 'Status: 404 Not Found\\r\\nContent-Type: text/plain\\r\\n\\r\\nnope'\n", "GET /run.sh HTTP/1.1\r\nHost: h\r\n\r\n", 404, "nope"},
		{"printf 'Content-Type: text/plain\\n\\nlf only'\n", "GET /run.sh HTTP/1.1\r\nHost: h\r\n\r\n", 200, "lf only"},
		{"printf 'X-A: b\\r\\n\\r\\nbody'\n", "GET /run.sh HTTP/1.1\r\nHost: h\r\n\r\n", 500, "*"},
		{plain + "; printf x; exit 1\n", "GET /run.sh HTTP/1.1\r\nHost: h\r\n\r\n", 500, "*"},
		{"exec 1>&-; sleep 0.05; exit 0\n", "GET /run.sh HTTP/1.1\r\nHost: h\r\n\r\n", 500, "*"},
		{plain + "; printf ok\n", "GET /gone.sh HTTP/1.1\r\nHost: h\r\n\r\n", 404, "*"},
	}
	for i, test := range tests {
		r := runCGI(t, test.script, test.raw)
		if r.status != test.status {
			t.Errorf("#%d: status=%d want %d", i, r.status, test.status)
			continue
		}
		if test.body != "*" && r.body != test.body {
			t.Errorf("#%d: body=%q want %q", i, r.body, test.body)
		}
	}
}

func TestCGICookiesAndRedirect(t *testing.T) {
	script := "printf 'Content-Type: text/plain\\r\\nSet-Cookie: a=1\\r\\nSet-Cookie: b=2\\r\\nLocation: /there\\r\\nX-Extra: e\\r\\n\\r\\n'\n"
	r := runCGI(t, script, "GET /run.sh HTTP/1.1\r\nHost: h\r\n\r\n")
	if r.status != 302 || r.header("location") != "/there" || r.header("x-extra") != "e" {
		t.Errorf("response: %+v", r)
	}
	if cookies := r.headers["set-cookie"]; !reflect.DeepEqual(cookies, []string{"a=1", "b=2"}) {
		t.Errorf("cookies=%v", cookies)
	}
}

func TestCGIProcessReap(t *testing.T) {
	p := &cgiProcess{pid: 1 << 30} // no such child
	if !p.reap() || p.succeeded() {
		t.Errorf("reaped=%v succeeded=%v", p.reaped, p.succeeded())
	}
	p.kill() // no-op once reaped
}
