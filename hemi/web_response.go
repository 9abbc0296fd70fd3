// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Response builder. Every fromXXX method returns complete wire bytes and resets the builder.

package hemi

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

func httpDate(t time.Time) string { return t.UTC().Format(httpDateLayout) }

// errorPage maps a status to a page path relative to root.
type errorPage struct {
	status int16
	path   string
}

// errorPages is an ordered table. The first entry for a status wins.
type errorPages []errorPage

func (t errorPages) lookup(status int16) (string, bool) {
	for _, page := range t {
		if page.status == status {
			return page.path, true
		}
	}
	return "", false
}

// responseBuilder renders HTTP/1.1 responses.
type responseBuilder struct {
	// Assocs
	now func() time.Time // clock, replaced in tests
	// States
	status       int16
	body         []byte
	contentType  string
	location     string
	eTag         string
	lastModified time.Time
	allow        string
	headers      []cgiHeader // extra headers passed through from cgi
	cookies      []string    // one Set-Cookie line each
	forceLength  bool        // emit Content-Length: 0 for empty body
	omitBody     bool        // HEAD requests
	lastStatus   int16       // status of the last rendered response
	lastSize     int         // body size of the last rendered response
}

func newResponseBuilder() *responseBuilder {
	return &responseBuilder{now: time.Now}
}

func (b *responseBuilder) reset() {
	b.status = 0
	b.body = nil
	b.contentType = ""
	b.location = ""
	b.eTag = ""
	b.lastModified = time.Time{}
	b.allow = ""
	b.headers = nil
	b.cookies = nil
	b.forceLength = false
	b.omitBody = false
}

// headOnly makes the next response drop its body while keeping Content-Length.
func (b *responseBuilder) headOnly() { b.omitBody = true }

func (b *responseBuilder) render() []byte {
	defer b.reset()
	b.lastStatus, b.lastSize = b.status, len(b.body)

	var out strings.Builder
	out.Grow(256 + len(b.body))
	out.WriteString("HTTP/1.1 ")
	out.WriteString(strconv.Itoa(int(b.status)))
	out.WriteByte(' ')
	out.WriteString(StatusText(b.status))
	out.WriteString("\r\n")
	writeHeader(&out, "Server", ServerSoftware)
	writeHeader(&out, "Date", httpDate(b.now()))
	if b.contentType != "" {
		writeHeader(&out, "Content-Type", b.contentType)
	}
	if len(b.body) > 0 || b.forceLength {
		writeHeader(&out, "Content-Length", strconv.Itoa(len(b.body)))
	}
	if !b.lastModified.IsZero() {
		writeHeader(&out, "Last-Modified", httpDate(b.lastModified))
	}
	if b.location != "" {
		writeHeader(&out, "Location", b.location)
	}
	if b.eTag != "" {
		writeHeader(&out, "ETag", b.eTag)
	}
	if b.allow != "" {
		writeHeader(&out, "Allow", b.allow)
	}
	for _, header := range b.headers {
		writeHeader(&out, header.name, header.value)
	}
	for _, cookie := range b.cookies {
		writeHeader(&out, "Set-Cookie", cookie)
	}
	out.WriteString("\r\n")
	if !b.omitBody {
		out.Write(b.body)
	}
	return []byte(out.String())
}

func writeHeader(out *strings.Builder, name string, value string) {
	out.WriteString(name)
	out.WriteString(": ")
	out.WriteString(value)
	out.WriteString("\r\n")
}

// fromStatus renders a response with no body.
func (b *responseBuilder) fromStatus(status int16) []byte {
	b.status = status
	b.forceLength = status != StatusNotModified
	return b.render()
}

func (b *responseBuilder) fromRedirect(status int16, location string) []byte {
	b.status = status
	b.location = location
	b.forceLength = true
	return b.render()
}

func (b *responseBuilder) fromCreated(location string) []byte {
	return b.fromRedirect(StatusCreated, location)
}

func (b *responseBuilder) fromOptions(allow MethodSet) []byte {
	b.status = StatusNoContent
	b.allow = allow.String()
	b.forceLength = true
	return b.render()
}

// fromError renders status with the custom page configured for it, or a default page.
func (b *responseBuilder) fromError(status int16, root string, pages errorPages) []byte {
	b.status = status
	if page, ok := pages.lookup(status); ok {
		if data, err := os.ReadFile(joinPath(root, page)); err == nil {
			b.body = data
			b.contentType = contentTypeOf(page)
			return b.render()
		}
	}
	b.body = defaultErrorPage(status)
	b.contentType = "text/html"
	return b.render()
}

func defaultErrorPage(status int16) []byte {
	title := strconv.Itoa(int(status)) + " " + StatusText(status)
	return []byte("<html>\n<head><title>" + title + "</title></head>\n<body>\n<center><h1>" + title + "</h1></center>\n<hr><center>" + ServerSoftware + "</center>\n</body>\n</html>\n")
}

// fromFile renders a regular file, or 304 if clientETag matches its current etag.
func (b *responseBuilder) fromFile(path string, clientETag string, root string, pages errorPages) []byte {
	info, err := os.Stat(path)
	if err != nil {
		return b.fromError(fsErrorStatus(err), root, pages)
	}
	eTag := makeETag(info.ModTime().Unix(), info.Size())
	if clientETag != "" && matchETag(clientETag, eTag) {
		b.status = StatusNotModified
		b.eTag = eTag
		return b.render()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return b.fromError(fsErrorStatus(err), root, pages)
	}
	b.status = StatusOK
	b.body = data
	b.forceLength = true
	b.contentType = contentTypeOf(path)
	b.lastModified = info.ModTime()
	b.eTag = eTag
	return b.render()
}

// makeETag formats an etag with quotes from modification time and size.
func makeETag(modTime int64, size int64) string {
	return `"` + strconv.FormatInt(modTime, 16) + "-" + strconv.FormatInt(size, 16) + `"`
}

// matchETag checks an If-None-Match value, which may be a list or "*".
func matchETag(header string, eTag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == eTag {
			return true
		}
	}
	return false
}

func fsErrorStatus(err error) int16 {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return StatusForbidden
	default:
		return StatusInternalServerError
	}
}

// fromDirectoryIndex lists dir as an HTML table. Dotfiles are skipped.
func (b *responseBuilder) fromDirectoryIndex(dir string, uri string, root string, pages errorPages) []byte {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return b.fromError(fsErrorStatus(err), root, pages)
	}
	if !strings.HasSuffix(uri, "/") {
		uri += "/"
	}
	title := "Index of " + htmlEscape(uri)
	var out strings.Builder
	out.WriteString("<html>\n<head><title>" + title + "</title></head>\n<body>\n<h1>" + title + "</h1>\n<hr>\n<table>\n")
	out.WriteString("<tr><th>Name</th><th>Last Modified</th><th>Size</th></tr>\n")
	if uri != "/" {
		out.WriteString(`<tr><td><a href="../">../</a></td><td></td><td>-</td></tr>` + "\n")
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return b.fromError(fsErrorStatus(err), root, pages)
		}
		size := "-"
		if info.IsDir() {
			name += "/"
		} else {
			size = strconv.FormatInt(info.Size(), 10)
		}
		href := (&url.URL{Path: uri + name}).EscapedPath()
		out.WriteString(`<tr><td><a href="` + htmlEscape(href) + `">` + htmlEscape(name) + `</a></td><td>` + info.ModTime().UTC().Format("02-Jan-2006 15:04") + `</td><td>` + size + "</td></tr>\n")
	}
	out.WriteString("</table>\n<hr><center>" + ServerSoftware + "</center>\n</body>\n</html>\n")
	b.status = StatusOK
	b.body = []byte(out.String())
	b.contentType = "text/html"
	return b.render()
}

func htmlEscape(s string) string { return htmlEscaper.Replace(s) }

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&#39;")

// fromCGI renders the output of a cgi program.
func (b *responseBuilder) fromCGI(status int16, body []byte, headers []cgiHeader, cookies []string) []byte {
	b.status = status
	b.body = body
	b.forceLength = true
	for _, header := range headers {
		switch strings.ToLower(header.name) {
		case "content-type":
			b.contentType = header.value
		case "location":
			b.location = header.value
		case "content-length", "server", "date", "status":
		default:
			b.headers = append(b.headers, header)
		}
	}
	b.cookies = cookies
	return b.render()
}

// joinPath joins root and uri. A trailing slash on root is dropped and the slash of uri is kept.
func joinPath(root string, uri string) string {
	root = strings.TrimRight(root, "/")
	if uri == "" || uri[0] != '/' {
		uri = "/" + uri
	}
	return filepath.FromSlash(root + uri)
}
