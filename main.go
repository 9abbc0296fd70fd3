// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Webserv server.

package main

import (
	"github.com/hexinfra/webserv/hemi/procman"

	_ "github.com/hexinfra/webserv/hemi/builtin/loggers/simple" // file loggers
)

const usage = `
Webserv (%s)
================================================================================

  webserv [ACTION] [OPTIONS]

ACTION
------

  help         # show this message
  version      # show version info
  check        # check the config and exit
  serve        # start as server

  Only one action is allowed at a time.
  If ACTION is missing, the default action is "serve".

OPTIONS
-------

  -debug   <level>    # debug level (default: 0, means disable. max: 2)
  -config  <config>   # path of config file (default: conf/webserv.conf)
  -base    <path>     # base directory of the program
  -metrics <addr>     # serve prometheus metrics on addr (default: disabled)

  "-debug" applies to all actions.
  "-config", "-base" and "-metrics" apply to "serve" and "check".

  Relative paths in config, including <included> files, are resolved against
  the base directory, which defaults to the directory of the executable.

`

func main() {
	procman.Main("webserv", usage, 0, "")
}
