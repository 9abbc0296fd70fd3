// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hemi

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullConfig = `
# every directive once
error_log stderr warn;
cgi_timeout 3s;

server {
    listen 127.0.0.1:8080;
    server_name Example.COM;
    root /srv/www;
    index home.html;
    client_max_body_size 2K;
    allow_methods GET HEAD POST;
    error_page 404 500 /errors/oops.html;
    autoindex on;
    cgi py /usr/bin/python3;
    cgi .sh /bin/sh;

    location /upload {
        root "/srv/uploads";
        allow_methods POST DELETE;
        client_max_body_size 1M;
        error_page 413 /errors/big.html;
        autoindex off;
        cgi_timeout 500ms;
    }
    location /old {
        redirect /new;
    }
}
`

func TestConfigDirectives(t *testing.T) {
	stage, err := StageFromText(fullConfig)
	if err != nil {
		t.Fatal(err)
	}
	defer stage.Close()
	if stage.errorLog.level != LevelWarn {
		t.Errorf("error_log level=%s", stage.errorLog.level)
	}
	if len(stage.hosts) != 1 {
		t.Fatalf("hosts=%d", len(stage.hosts))
	}
	h := stage.hosts[0]
	if h.address != "127.0.0.1" || h.port != 8080 || h.name != "example.com" {
		t.Errorf("listen=%s:%d name=%s", h.address, h.port, h.name)
	}
	if h.root != "/srv/www" || h.index != "home.html" || h.maxBodySize != 2048 || !h.autoindex {
		t.Errorf("host=%+v", h)
	}
	if h.methods != MethodSet(MethodGET|MethodHEAD|MethodPOST) {
		t.Errorf("methods=%s", h.methods)
	}
	if page, _ := h.errorPages.lookup(500); page != "/errors/oops.html" {
		t.Errorf("error page for 500=%s", page)
	}
	if h.cgis[".py"] != "/usr/bin/python3" || h.cgis[".sh"] != "/bin/sh" {
		t.Errorf("cgis=%v", h.cgis)
	}
	if h.cgiTimeout != 3*time.Second {
		t.Errorf("cgi timeout=%s", h.cgiTimeout)
	}

	upload := h.configFor("/upload/a.txt")
	if upload.root != "/srv/uploads" || upload.maxBodySize != 1<<20 || upload.autoindex || upload.cgiTimeout != 500*time.Millisecond {
		t.Errorf("upload=%+v", upload)
	}
	if upload.methods != MethodSet(MethodPOST|MethodDELETE) {
		t.Errorf("upload methods=%s", upload.methods)
	}
	if page, _ := upload.errorPages.lookup(404); page != "/errors/oops.html" {
		t.Errorf("inherited error page=%s", page)
	}
	if upload.cgis[".sh"] != "/bin/sh" || upload.index != "home.html" {
		t.Errorf("inherited cgis=%v index=%s", upload.cgis, upload.index)
	}
	if old := h.configFor("/old/x"); old.redirect != "/new" || old.root != "/srv/www" {
		t.Errorf("old=%+v", old)
	}
	if root := h.configFor("/"); root.location != nil || root.redirect != "" {
		t.Errorf("root=%+v", root)
	}
}

func TestConfigDefaults(t *testing.T) {
	stage, err := StageFromText("server { listen 8081; }")
	if err != nil {
		t.Fatal(err)
	}
	defer stage.Close()
	h := stage.hosts[0]
	if h.address != "0.0.0.0" || h.port != 8081 {
		t.Errorf("listen=%s:%d", h.address, h.port)
	}
	if h.index != defaultIndex || h.maxBodySize != defaultMaxBodySize || h.methods != MethodSet(MethodGET) {
		t.Errorf("host=%+v", h)
	}
	if h.cgiTimeout != defaultCGITimeout || h.autoindex {
		t.Errorf("cgi timeout=%s autoindex=%v", h.cgiTimeout, h.autoindex)
	}
	if stage.errorLog.level != LevelInfo {
		t.Errorf("level=%s", stage.errorLog.level)
	}
}

func TestConfigGroups(t *testing.T) {
	stage, err := StageFromText(`
server { listen 127.0.0.1:0; server_name a.com; }
server { listen 127.0.0.1:0; server_name b.com; }
server { listen 127.0.0.1:9000; }
`)
	if err != nil {
		t.Fatal(err)
	}
	defer stage.Close()
	if len(stage.groups) != 2 {
		t.Fatalf("groups=%d", len(stage.groups))
	}
	if hosts := stage.groups[0].hosts; len(hosts) != 2 || hosts[0].name != "a.com" || hosts[1].name != "b.com" {
		t.Errorf("first group=%v", hosts)
	}
	if hosts := stage.groups[1].hosts; len(hosts) != 1 || hosts[0].port != 9000 {
		t.Errorf("second group=%v", hosts)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"", "no server"},
		{"worker_processes 4;", "unknown directive"},
		{"server { listen 80; bogus on; }", "unknown directive"},
		{"server { root /x; }", "without listen"},
		{"server { listen 70000; }", "bad listen port"},
		{"server { listen -1; }", "bad listen port"},
		{"server { listen ::1:80; }", "bad listen address"},
		{"server { listen 80 81; }", "wrong number"},
		{"server { listen 80; client_max_body_size 10X; }", "bad size"},
		{"server { listen 80; allow_methods GET GET; }", "duplicate method"},
		{"server { listen 80; allow_methods PUT; }", "not allowed"},
		{"server { listen 80; allow_methods FETCH; }", "not allowed"},
		{"server { listen 80; allow_methods; }", "wrong number"},
		{"server { listen 80; error_page 200 /x.html; }", "bad error_page"},
		{"server { listen 80; error_page 404; }", "wrong number"},
		{"server { listen 80; autoindex maybe; }", "on or off"},
		{"server { listen 80; cgi_timeout soon; }", "bad duration"},
		{"server { listen 80; location /a { } location /a { } }", "duplicate location"},
		{"server { listen 80; location a { } }", "must start with"},
		{"server { listen 80; location /a { listen 81; } }", "not allowed in location"},
		{"server { listen 80; server_name x; } server { listen 80; server_name X; }", "duplicate server"},
		{"server { listen 80; ", "unexpected EOF"},
		{"server { listen 80 }", "expect ';'"},
		{"error_log stderr loud; server { listen 80; }", "unknown log level"},
		{"server { listen 80; root \"/x; }", "unexpected eof"},
		{"<other.conf>", "include is not allowed"},
	}
	for i, test := range tests {
		stage, err := StageFromText(test.text)
		if err == nil {
			stage.Close()
			t.Errorf("#%d: %q: no error", i, test.text)
			continue
		}
		if !strings.Contains(err.Error(), test.want) {
			t.Errorf("#%d: %q: error=%q want %q", i, test.text, err.Error(), test.want)
		}
	}
}

func TestConfigInclude(t *testing.T) {
	base := t.TempDir()
	mustWrite(t, filepath.Join(base, "conf", "webserv.conf"), "error_log off;\n<conf/site.conf>\n")
	mustWrite(t, filepath.Join(base, "conf", "site.conf"), "server {\n listen 127.0.0.1:0;\n server_name included;\n root www;\n}\n")
	stage, err := StageFromFile(base, "conf/webserv.conf")
	if err != nil {
		t.Fatal(err)
	}
	defer stage.Close()
	if len(stage.hosts) != 1 || stage.hosts[0].name != "included" {
		t.Fatalf("hosts=%v", stage.hosts)
	}
	if root := stage.hosts[0].root; root != filepath.Join(base, "www") {
		t.Errorf("root=%s", root)
	}
	if _, err := StageFromFile(base, "conf/missing.conf"); err == nil {
		t.Error("missing file gave no error")
	}
}

func TestConfigLogLevelEnv(t *testing.T) {
	t.Setenv(LogLevelEnv, "DEBUG")
	stage, err := StageFromText("error_log stderr error; server { listen 80; }")
	if err != nil {
		t.Fatal(err)
	}
	defer stage.Close()
	if stage.errorLog.level != LevelDebug {
		t.Errorf("level=%s", stage.errorLog.level)
	}
}

func mustWrite(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
