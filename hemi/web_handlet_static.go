// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Static handlets serve requests to local file system.

package hemi

import (
	"os"
	"path/filepath"
	"strings"
)

// serveStatic serves GET and HEAD.
func (d *dispatcher) serveStatic(c *EffectiveConfig, req *Request, path string) []byte {
	b := d.builder
	info, err := os.Stat(path)
	if err != nil {
		return b.fromError(fsErrorStatus(err), c.root, c.errorPages)
	}
	clientETag := req.Headers["if-none-match"]
	if info.IsDir() {
		if !strings.HasSuffix(req.URI, "/") {
			location := rawPath(req) + "/"
			if req.Query != "" {
				location += "?" + req.Query
			}
			return b.fromRedirect(StatusMovedPermanently, location)
		}
		index := filepath.Join(path, c.index)
		if indexInfo, err := os.Stat(index); err == nil && indexInfo.Mode().IsRegular() {
			return b.fromFile(index, clientETag, c.root, c.errorPages)
		}
		if c.autoindex {
			return b.fromDirectoryIndex(path, req.URI, c.root, c.errorPages)
		}
		return b.fromError(StatusForbidden, c.root, c.errorPages)
	}
	if info.Mode().IsRegular() {
		return b.fromFile(path, clientETag, c.root, c.errorPages)
	}
	return b.fromError(StatusNotFound, c.root, c.errorPages)
}
