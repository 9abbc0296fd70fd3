// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Upload handlets create files from request bodies and delete files.

package hemi

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

var uploadTypes = map[string]bool{
	"text/plain":               true,
	"application/octet-stream": true,
}

// upload serves POST. The target must not exist yet.
func (d *dispatcher) upload(c *EffectiveConfig, req *Request, path string) []byte {
	b := d.builder
	if len(req.Body) == 0 {
		return b.fromError(StatusBadRequest, c.root, c.errorPages)
	}
	if !uploadTypes[mediaType(req.Headers["content-type"])] {
		return b.fromError(StatusUnsupportedMediaType, c.root, c.errorPages)
	}
	if _, err := os.Lstat(path); err == nil {
		return b.fromError(StatusConflict, c.root, c.errorPages)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return b.fromError(StatusConflict, c.root, c.errorPages)
		}
		return b.fromError(StatusInternalServerError, c.root, c.errorPages)
	}
	_, err = file.Write(req.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return b.fromError(StatusInternalServerError, c.root, c.errorPages)
	}
	return b.fromCreated(rawPath(req))
}

// mediaType lowercases a content type and drops its parameters. Empty means octet stream.
func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i != -1 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

// remove serves DELETE. Directories need a trailing slash in uri and are removed recursively.
func (d *dispatcher) remove(c *EffectiveConfig, req *Request, path string) []byte {
	b := d.builder
	if strings.Trim(req.URI, "/") == "" { // never the root itself
		return b.fromError(StatusForbidden, c.root, c.errorPages)
	}
	info, err := os.Lstat(path)
	if err != nil {
		return b.fromError(fsErrorStatus(err), c.root, c.errorPages)
	}
	if info.IsDir() && !strings.HasSuffix(req.URI, "/") {
		return b.fromError(StatusConflict, c.root, c.errorPages)
	}
	parent := filepath.Dir(strings.TrimRight(path, "/"))
	if unix.Access(path, unix.W_OK) != nil || unix.Access(parent, unix.W_OK) != nil {
		return b.fromError(StatusForbidden, c.root, c.errorPages)
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return b.fromError(fsErrorStatus(err), c.root, c.errorPages)
	}
	return b.fromStatus(StatusNoContent)
}
