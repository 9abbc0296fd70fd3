// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// MIME types of static files.

package hemi

import (
	"path"
	"strings"
)

const defaultContentType = "text/plain"

var mimeTypes = map[string]string{ // extension without dot -> content type
	"html": "text/html",
	"htm":  "text/html",
	"txt":  "text/plain",
	"css":  "text/css",
	"js":   "application/javascript",
	"json": "application/json",
	"xml":  "application/xml",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"ico":  "image/x-icon",
	"mp4":  "video/mp4",
	"avi":  "video/x-msvideo",
	"mov":  "video/quicktime",
}

// contentTypeOf infers a content type from the extension of name.
func contentTypeOf(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return defaultContentType
	}
	if contentType, ok := mimeTypes[strings.ToLower(ext[1:])]; ok {
		return contentType
	}
	return defaultContentType
}
