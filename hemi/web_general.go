// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// General web elements: methods and status codes.

package hemi

import (
	"strings"
)

// Method is a request method. Each method owns one bit so that sets of methods fit in a MethodSet.
type Method uint16

const ( // method codes
	MethodInvalid Method = 0
	MethodGET     Method = 0x0001
	MethodHEAD    Method = 0x0002
	MethodPOST    Method = 0x0004
	MethodDELETE  Method = 0x0008
	MethodOPTIONS Method = 0x0010
	// Known to the parser but never allowed by configuration.
	MethodPUT     Method = 0x0020
	MethodPATCH   Method = 0x0040
	MethodCONNECT Method = 0x0080
	MethodTRACE   Method = 0x0100
)

var methodNames = map[Method]string{
	MethodGET:     "GET",
	MethodHEAD:    "HEAD",
	MethodPOST:    "POST",
	MethodDELETE:  "DELETE",
	MethodOPTIONS: "OPTIONS",
	MethodPUT:     "PUT",
	MethodPATCH:   "PATCH",
	MethodCONNECT: "CONNECT",
	MethodTRACE:   "TRACE",
}

var methodCodes = map[string]Method{
	"GET":     MethodGET,
	"HEAD":    MethodHEAD,
	"POST":    MethodPOST,
	"DELETE":  MethodDELETE,
	"OPTIONS": MethodOPTIONS,
	"PUT":     MethodPUT,
	"PATCH":   MethodPATCH,
	"CONNECT": MethodCONNECT,
	"TRACE":   MethodTRACE,
}

// configurableMethods may appear in allow_methods.
const configurableMethods = MethodGET | MethodHEAD | MethodPOST | MethodDELETE | MethodOPTIONS

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "INVALID"
}

// MethodOf returns MethodInvalid for unknown names. Names are case sensitive.
func MethodOf(name string) Method { return methodCodes[name] }

// MethodSet is a bit set of methods.
type MethodSet uint16

func (s MethodSet) Has(m Method) bool       { return m != MethodInvalid && s&MethodSet(m) != 0 }
func (s MethodSet) With(m Method) MethodSet { return s | MethodSet(m) }
func (s MethodSet) IsEmpty() bool           { return s == 0 }

// String lists the methods in a fixed order, separated by ", ".
func (s MethodSet) String() string {
	var names []string
	for _, m := range [...]Method{MethodGET, MethodHEAD, MethodPOST, MethodDELETE, MethodOPTIONS} {
		if s.Has(m) {
			names = append(names, m.String())
		}
	}
	return strings.Join(names, ", ")
}

const ( // status codes
	StatusOK                      = 200
	StatusCreated                 = 201
	StatusAccepted                = 202
	StatusNoContent               = 204
	StatusPartialContent          = 206
	StatusMovedPermanently        = 301
	StatusFound                   = 302
	StatusNotModified             = 304
	StatusTemporaryRedirect       = 307
	StatusPermanentRedirect       = 308
	StatusBadRequest              = 400
	StatusUnauthorized            = 401
	StatusForbidden               = 403
	StatusNotFound                = 404
	StatusMethodNotAllowed        = 405
	StatusNotAcceptable           = 406
	StatusRequestTimeout          = 408
	StatusConflict                = 409
	StatusGone                    = 410
	StatusLengthRequired          = 411
	StatusContentTooLarge         = 413
	StatusURITooLong              = 414
	StatusUnsupportedMediaType    = 415
	StatusRangeNotSatisfiable     = 416
	StatusExpectationFailed       = 417
	StatusInternalServerError     = 500
	StatusNotImplemented          = 501
	StatusBadGateway              = 502
	StatusServiceUnavailable      = 503
	StatusGatewayTimeout          = 504
	StatusHTTPVersionNotSupported = 505
)

var statusTexts = map[int16]string{
	StatusOK:                      "OK",
	StatusCreated:                 "Created",
	StatusAccepted:                "Accepted",
	StatusNoContent:               "No Content",
	StatusPartialContent:          "Partial Content",
	StatusMovedPermanently:        "Moved Permanently",
	StatusFound:                   "Found",
	StatusNotModified:             "Not Modified",
	StatusTemporaryRedirect:       "Temporary Redirect",
	StatusPermanentRedirect:       "Permanent Redirect",
	StatusBadRequest:              "Bad Request",
	StatusUnauthorized:            "Unauthorized",
	StatusForbidden:               "Forbidden",
	StatusNotFound:                "Not Found",
	StatusMethodNotAllowed:        "Method Not Allowed",
	StatusNotAcceptable:           "Not Acceptable",
	StatusRequestTimeout:          "Request Timeout",
	StatusConflict:                "Conflict",
	StatusGone:                    "Gone",
	StatusLengthRequired:          "Length Required",
	StatusContentTooLarge:         "Payload Too Large",
	StatusURITooLong:              "URI Too Long",
	StatusUnsupportedMediaType:    "Unsupported Media Type",
	StatusRangeNotSatisfiable:     "Range Not Satisfiable",
	StatusExpectationFailed:       "Expectation Failed",
	StatusInternalServerError:     "Internal Server Error",
	StatusNotImplemented:          "Not Implemented",
	StatusBadGateway:              "Bad Gateway",
	StatusServiceUnavailable:      "Service Unavailable",
	StatusGatewayTimeout:          "Gateway Timeout",
	StatusHTTPVersionNotSupported: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for status, or "Unknown Status Code".
func StatusText(status int16) string {
	if text, ok := statusTexts[status]; ok {
		return text
	}
	return "Unknown Status Code"
}
