// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Configuration.

package hemi

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LogLevelEnv overrides the level of error_log when set.
const LogLevelEnv = "WEBSERV_LOG_LEVEL"

// configurator applies configuration and creates a new stage.
type configurator struct {
	// States
	base       string  // relative paths are resolved against this. empty in text mode
	tokens     []token // the token list
	index      int     // token index
	errorLog   [2]string
	accessLog  string
	cgiTimeout time.Duration
	hosts      []*VirtualHost
}

func (c *configurator) stageFromText(text string) (stage *Stage, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = x.(error)
		}
	}()
	var l lexer
	c.tokens = l.scanText(text)
	if DebugLevel() >= 2 {
		c.showTokens()
	}
	return c.newStage()
}
func (c *configurator) stageFromFile(base string, path string) (stage *Stage, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = x.(error)
		}
	}()
	var l lexer
	c.base = base
	c.tokens = l.scanFile(base, path)
	if DebugLevel() >= 2 {
		c.showTokens()
	}
	return c.newStage()
}

func (c *configurator) showTokens() {
	for i := 0; i < len(c.tokens); i++ {
		token := &c.tokens[i]
		fmt.Printf("kind=%12s line=%4d file=%s    %s\n", token.name(), token.line, token.file, token.text)
	}
}

func (c *configurator) end() bool { return c.index == len(c.tokens) }
func (c *configurator) forwardToken() *token {
	c._forwardCheckEOF()
	return &c.tokens[c.index]
}
func (c *configurator) expectToken(kind int16) *token {
	current := &c.tokens[c.index]
	if current.kind != kind {
		panic(fmt.Errorf("configurator: expect %s, but get %s=%s (in line %d)", tokenNames[kind], tokenNames[current.kind], current.text, current.line))
	}
	return current
}
func (c *configurator) forwardExpectToken(kind int16) *token {
	c._forwardCheckEOF()
	return c.expectToken(kind)
}
func (c *configurator) _forwardCheckEOF() {
	if c.index++; c.index == len(c.tokens) {
		panic(errors.New("configurator: unexpected EOF"))
	}
}

// parseArgs collects the values of the current directive up to its semicolon.
func (c *configurator) parseArgs() []string {
	var args []string
	for {
		current := c.forwardToken()
		switch current.kind {
		case tokenWord, tokenString:
			args = append(args, current.text)
		case tokenSemicolon:
			c.index++
			return args
		default:
			panic(fmt.Errorf("configurator: expect ';', but get %s (in line %d)", current.text, current.line))
		}
	}
}

func (c *configurator) newStage() (stage *Stage, err error) {
	c.errorLog = [2]string{"stderr", "info"}
	c.cgiTimeout = defaultCGITimeout
	for !c.end() {
		directive := c.expectToken(tokenWord)
		switch directive.text {
		case "error_log":
			args := c.checkArgs(directive, c.parseArgs(), 1, 2)
			c.errorLog[0] = args[0]
			if len(args) == 2 {
				c.errorLog[1] = args[1]
			}
		case "access_log":
			c.accessLog = c.checkArgs(directive, c.parseArgs(), 1, 1)[0]
		case "cgi_timeout":
			c.cgiTimeout = c.parseDuration(directive, c.checkArgs(directive, c.parseArgs(), 1, 1)[0])
		case "server":
			c.forwardExpectToken(tokenLeftBrace)
			c.parseServer()
		default:
			panic(fmt.Errorf("configurator: unknown directive '%s' in line %d (%s)", directive.text, directive.line, directive.file))
		}
	}
	if len(c.hosts) == 0 {
		panic(errors.New("configurator: no server is configured"))
	}

	stage = newStage()
	stage.hosts = c.hosts
	groups := make(map[string]*listenerGroup)
	triples := make(map[string]bool)
	for _, host := range c.hosts {
		triple := host.Address() + " " + host.name
		if triples[triple] {
			panic(fmt.Errorf("configurator: duplicate server %s with name '%s'", host.Address(), host.name))
		}
		triples[triple] = true
		if host.cgiTimeout == 0 {
			host.cgiTimeout = c.cgiTimeout
		}
		host.onPrepare()
		group, ok := groups[host.Address()]
		if !ok {
			group = newListenerGroup(host.address, host.port)
			groups[host.Address()] = group
			stage.groups = append(stage.groups, group)
		}
		group.hosts = append(group.hosts, host)
	}
	stage.errorLog = c.createErrorLog()
	if c.accessLog != "" {
		stage.accessLog = c.createLogger(c.accessLog)
	}
	return stage, nil
}

func (c *configurator) createErrorLog() *levelLog {
	name := c.errorLog[1]
	if env, ok := os.LookupEnv(LogLevelEnv); ok && env != "" {
		name = env
	}
	level, ok := ParseLogLevel(strings.ToLower(name))
	if !ok {
		panic(fmt.Errorf("configurator: unknown log level '%s'", name))
	}
	return newLevelLog(c.createLogger(c.errorLog[0]), level)
}

// createLogger maps a log target to a registered logger.
func (c *configurator) createLogger(target string) Logger {
	sign := "simple"
	switch target {
	case "stderr":
		sign = "console"
	case "off":
		sign = "noop"
	}
	if !loggerRegistered(sign) {
		panic(fmt.Errorf("configurator: no logger for '%s'", target))
	}
	if sign == "simple" {
		target = c.resolve(target)
	}
	logger := createLogger(sign, &LogConfig{Target: target})
	if logger == nil {
		panic(fmt.Errorf("configurator: cannot open log '%s'", target))
	}
	return logger
}

func (c *configurator) parseServer() { // server {}
	host := &VirtualHost{address: "0.0.0.0", maxBodySize: -1}
	listened := false
	paths := make(map[string]bool)
	for {
		directive := c.forwardToken()
		if directive.kind == tokenRightBrace {
			c.index++
			break
		}
		c.expectToken(tokenWord)
		switch directive.text {
		case "listen":
			host.address, host.port = c.parseListen(directive, c.checkArgs(directive, c.parseArgs(), 1, 1)[0])
			listened = true
		case "server_name":
			host.name = strings.ToLower(c.checkArgs(directive, c.parseArgs(), 1, 1)[0])
		case "location":
			path := c.forwardExpectToken(tokenWord).text
			if path == "" || path[0] != '/' {
				panic(fmt.Errorf("configurator: location path '%s' must start with '/' in line %d", path, directive.line))
			}
			if paths[path] {
				panic(fmt.Errorf("configurator: duplicate location '%s' in line %d", path, directive.line))
			}
			paths[path] = true
			c.forwardExpectToken(tokenLeftBrace)
			host.locations = append(host.locations, c.parseLocation(path))
		default:
			c.parseCommon(directive, &commonProps{
				root:        &host.root,
				index:       &host.index,
				maxBodySize: &host.maxBodySize,
				methods:     &host.methods,
				errorPages:  &host.errorPages,
				autoindex:   &host.autoindex,
				cgis:        &host.cgis,
				cgiTimeout:  &host.cgiTimeout,
			})
		}
		c.index-- // so that forwardToken steps onto the next directive
	}
	if !listened {
		panic(errors.New("configurator: server without listen"))
	}
	c.hosts = append(c.hosts, host)
}

func (c *configurator) parseLocation(path string) *Location { // location /path {}
	location := newLocation(path)
	var autoindex bool
	autoindexSet := false
	for {
		directive := c.forwardToken()
		if directive.kind == tokenRightBrace {
			c.index++
			break
		}
		c.expectToken(tokenWord)
		switch directive.text {
		case "redirect":
			location.redirect = c.checkArgs(directive, c.parseArgs(), 1, 1)[0]
		case "autoindex":
			autoindex = c.parseSwitch(directive, c.checkArgs(directive, c.parseArgs(), 1, 1)[0])
			autoindexSet = true
		case "listen", "server_name", "location":
			panic(fmt.Errorf("configurator: '%s' is not allowed in location in line %d", directive.text, directive.line))
		default:
			c.parseCommon(directive, &commonProps{
				root:        &location.root,
				index:       &location.index,
				maxBodySize: &location.maxBodySize,
				methods:     &location.methods,
				errorPages:  &location.errorPages,
				cgis:        &location.cgis,
				cgiTimeout:  &location.cgiTimeout,
			})
		}
		c.index--
	}
	if autoindexSet {
		location.autoindex = 0
		if autoindex {
			location.autoindex = 1
		}
	}
	return location
}

// commonProps points to the properties shared by servers and locations.
type commonProps struct {
	root        *string
	index       *string
	maxBodySize *int64
	methods     *MethodSet
	errorPages  *errorPages
	autoindex   *bool // nil in locations, which handle it themselves
	cgis        *map[string]string
	cgiTimeout  *time.Duration
}

func (c *configurator) parseCommon(directive *token, props *commonProps) {
	switch directive.text {
	case "root":
		*props.root = c.resolve(c.checkArgs(directive, c.parseArgs(), 1, 1)[0])
	case "index":
		*props.index = c.checkArgs(directive, c.parseArgs(), 1, 1)[0]
	case "client_max_body_size":
		*props.maxBodySize = c.parseSize(directive, c.checkArgs(directive, c.parseArgs(), 1, 1)[0])
	case "allow_methods":
		*props.methods = c.parseMethods(directive, c.checkArgs(directive, c.parseArgs(), 1, -1))
	case "error_page":
		args := c.checkArgs(directive, c.parseArgs(), 2, -1)
		page := args[len(args)-1]
		for _, arg := range args[:len(args)-1] {
			status, err := strconv.Atoi(arg)
			if err != nil || status < 300 || status > 599 {
				panic(fmt.Errorf("configurator: bad error_page status '%s' in line %d", arg, directive.line))
			}
			*props.errorPages = append(*props.errorPages, errorPage{status: int16(status), path: page})
		}
	case "autoindex":
		if props.autoindex == nil {
			panic(fmt.Errorf("configurator: misplaced autoindex in line %d", directive.line))
		}
		*props.autoindex = c.parseSwitch(directive, c.checkArgs(directive, c.parseArgs(), 1, 1)[0])
	case "cgi":
		args := c.checkArgs(directive, c.parseArgs(), 2, 2)
		ext := args[0]
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if len(ext) == 1 {
			panic(fmt.Errorf("configurator: empty cgi extension in line %d", directive.line))
		}
		if *props.cgis == nil {
			*props.cgis = make(map[string]string)
		}
		(*props.cgis)[ext] = args[1]
	case "cgi_timeout":
		*props.cgiTimeout = c.parseDuration(directive, c.checkArgs(directive, c.parseArgs(), 1, 1)[0])
	default:
		panic(fmt.Errorf("configurator: unknown directive '%s' in line %d (%s)", directive.text, directive.line, directive.file))
	}
}

// resolve makes a relative path of a config file relative to its base.
func (c *configurator) resolve(path string) string {
	if c.base == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.base, path)
}

// checkArgs panics unless there are between min and max args. A negative max means unbounded.
func (c *configurator) checkArgs(directive *token, args []string, min int, max int) []string {
	if len(args) < min || max >= 0 && len(args) > max {
		panic(fmt.Errorf("configurator: wrong number of values for '%s' in line %d", directive.text, directive.line))
	}
	return args
}

func (c *configurator) parseListen(directive *token, value string) (address string, port int) {
	address, portText := "0.0.0.0", value
	if i := strings.LastIndexByte(value, ':'); i != -1 {
		address, portText = value[:i], value[i+1:]
		if ip := net.ParseIP(address); ip == nil || ip.To4() == nil {
			panic(fmt.Errorf("configurator: bad listen address '%s' in line %d", address, directive.line))
		}
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		panic(fmt.Errorf("configurator: bad listen port '%s' in line %d", portText, directive.line))
	}
	return address, port
}

// parseSize accepts 123, 16K, 256M and 1G.
func (c *configurator) parseSize(directive *token, value string) int64 {
	unit := int64(1)
	if n := len(value); n > 0 {
		switch value[n-1] {
		case 'k', 'K':
			unit = 1 << 10
		case 'm', 'M':
			unit = 1 << 20
		case 'g', 'G':
			unit = 1 << 30
		}
		if unit != 1 {
			value = value[:n-1]
		}
	}
	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil || size < 0 || size > (1<<62)/unit {
		panic(fmt.Errorf("configurator: bad size for '%s' in line %d", directive.text, directive.line))
	}
	return size * unit
}

func (c *configurator) parseDuration(directive *token, value string) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		panic(fmt.Errorf("configurator: bad duration for '%s' in line %d", directive.text, directive.line))
	}
	return duration
}

func (c *configurator) parseSwitch(directive *token, value string) bool {
	switch value {
	case "on":
		return true
	case "off":
		return false
	}
	panic(fmt.Errorf("configurator: '%s' expects on or off in line %d", directive.text, directive.line))
}

func (c *configurator) parseMethods(directive *token, names []string) MethodSet {
	var methods MethodSet
	for _, name := range names {
		method := MethodOf(strings.ToUpper(name))
		if method&configurableMethods == 0 {
			panic(fmt.Errorf("configurator: method '%s' is not allowed in line %d", name, directive.line))
		}
		if methods.Has(method) {
			panic(fmt.Errorf("configurator: duplicate method '%s' in line %d", name, directive.line))
		}
		methods = methods.With(method)
	}
	return methods
}

const ( // list of tokens. if you change this list, change tokenNames too.
	tokenWord       = 1 + iota // listen, 127.0.0.1:8080, /var/www, ...
	tokenString                // "", "abc", `def`, ...
	tokenLeftBrace             // {
	tokenRightBrace            // }
	tokenSemicolon             // ;
)

var tokenNames = [...]string{ // token names. if you change this list, change token list too.
	tokenWord:       "word",
	tokenString:     "string",
	tokenLeftBrace:  "leftBrace",
	tokenRightBrace: "rightBrace",
	tokenSemicolon:  "semicolon",
}

var soloKinds = [256]int16{
	'{': tokenLeftBrace,
	'}': tokenRightBrace,
	';': tokenSemicolon,
}

// token is a token in config file.
type token struct {
	kind int16  // tokenXXX
	line int32  // at line number
	file string // file path
	text string // text literal
}

func (t token) name() string { return tokenNames[t.kind] }

// lexer scans tokens in config file.
type lexer struct {
	index int
	limit int
	text  string // the config text
	base  string
	file  string
}

func (l *lexer) scanText(text string) []token {
	l.text = text
	return l.scan()
}
func (l *lexer) scanFile(base string, file string) []token {
	l.text = l.load(base, file)
	l.base, l.file = base, file
	return l.scan()
}

func (l *lexer) scan() []token {
	l.index, l.limit = 0, len(l.text)
	var tokens []token
	line := int32(1)
	for l.index < l.limit {
		from := l.index
		switch b := l.text[l.index]; b {
		case ' ', '\t', '\r': // blank, ignore
			l.index++
		case '\n': // new line
			line++
			l.index++
		case '#': // shell comment
			l.nextUntil('\n')
		case '"', '`': // "string" or `string`
			l.index++
			l.nextUntil(b)
			l.checkEOF()
			text := l.text[from+1 : l.index]
			tokens = append(tokens, token{tokenString, line, l.file, text})
			line += int32(strings.Count(text, "\n"))
			l.index++
		case '<': // <includedFile>
			if l.base == "" {
				panic(errors.New("lexer: include is not allowed in text mode"))
			}
			l.index++
			l.nextUntil('>')
			l.checkEOF()
			file := l.text[from+1 : l.index]
			l.index++
			var ll lexer
			tokens = append(tokens, ll.scanFile(l.base, file)...)
		default:
			if kind := soloKinds[b]; kind != 0 {
				tokens = append(tokens, token{kind, line, l.file, l.text[from : from+1]})
				l.index++
			} else if b > ' ' && b < 0x7f {
				l.nextWord()
				tokens = append(tokens, token{tokenWord, line, l.file, l.text[from:l.index]})
			} else {
				panic(fmt.Errorf("lexer: unknown character %c (ascii %v) in line %d (%s)", b, b, line, l.file))
			}
		}
	}
	return tokens
}

func (l *lexer) nextUntil(b byte) {
	if i := strings.IndexByte(l.text[l.index:], b); i == -1 {
		l.index = l.limit
	} else {
		l.index += i
	}
}
func (l *lexer) checkEOF() {
	if l.index == l.limit {
		panic(errors.New("lexer: unexpected eof"))
	}
}
func (l *lexer) nextWord() {
	for l.index++; l.index < l.limit; l.index++ {
		if b := l.text[l.index]; b <= ' ' || b >= 0x7f || soloKinds[b] != 0 || b == '#' || b == '"' || b == '`' {
			return
		}
	}
}

func (l *lexer) load(base string, file string) string {
	path := file
	if !filepath.IsAbs(file) {
		path = filepath.Join(base, file)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	return string(data)
}
