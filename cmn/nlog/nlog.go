// Package nlog is the runtime's own logger: buffered, timestamped,
// severity-leveled, file-rotating. No third-party logging library covers
// this shape of hot-path logging, so the package stays stdlib-only.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nikitapn/nprpc-sub000/cmn/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const maxLineSize = 2 * 1024

var (
	MaxSize int64 = 4 * 1024 * 1024

	toStderr     bool
	alsoToStderr bool
	logDir       string
	aisrole      string
	title        string

	host, _ = os.Hostname()
	pid     = os.Getpid()

	nlogs = [3]*nlog{
		sevInfo: newNlog(sevInfo),
		sevWarn: newNlog(sevWarn),
		sevErr:  newNlog(sevErr),
	}
)

type nlog struct {
	mw      sync.Mutex
	sev     severity
	file    *os.File
	w       *bufio.Writer
	written int64
	last    int64
	erred   bool
}

func newNlog(sev severity) *nlog {
	return &nlog{sev: sev}
}

func sname() string {
	s := filepath.Base(os.Args[0])
	if idx := strings.LastIndexByte(s, '.'); idx > 0 {
		s = s[:idx]
	}
	return s
}

func logfname(tag string, t time.Time) string {
	return fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d.log",
		sname(), host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), pid)
}

var sevText = [3]string{"INFO", "WARNING", "ERROR"}

func (n *nlog) ensureOpen() error {
	if n.file != nil {
		return nil
	}
	return n.rotate(time.Now())
}

// under mw lock
func (n *nlog) rotate(now time.Time) error {
	dir := logDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		n.erred = true
		return err
	}
	fname := filepath.Join(dir, logfname(sevText[n.sev], now))
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		n.erred = true
		return err
	}
	if n.file != nil {
		n.file.Close()
	}
	n.file = f
	n.w = bufio.NewWriterSize(f, 64*1024)
	n.written = 0
	n.erred = false
	s := fmt.Sprintf("host %s, %s for %s/%s\n", host, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if title == "" {
		fmt.Fprintf(n.w, "Started up at %s, %s", now.Format("2006/01/02 15:04:05"), s)
	} else {
		fmt.Fprintf(n.w, "Rotated at %s, %s%s\n", now.Format("2006/01/02 15:04:05"), s, title)
	}
	return nil
}

func formatHdr(sev severity, depth int, w *strings.Builder) {
	const char = "IWE"
	_, fn, ln, ok := runtime.Caller(3 + depth)
	if ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx > 0 {
			fn = fn[idx+1:]
		}
		if l := len(fn); l > 3 {
			fn = fn[:l-3]
		}
	}
	w.WriteByte(char[sev])
	w.WriteByte(' ')
	w.WriteString(time.Now().Format("15:04:05.000000"))
	w.WriteByte(' ')
	if ok {
		w.WriteString(fn)
		w.WriteByte(':')
		w.WriteString(strconv.Itoa(ln))
		w.WriteByte(' ')
	}
}

func render(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	formatHdr(sev, depth+1, &b)
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	return b.String()
}

func (n *nlog) write(line string) {
	n.mw.Lock()
	defer n.mw.Unlock()
	if err := n.ensureOpen(); err != nil {
		os.Stderr.WriteString(line)
		return
	}
	n.w.WriteString(line)
	n.written += int64(len(line))
	n.last = mono.NanoTime()
	if n.written >= MaxSize {
		n.w.Flush()
		n.rotate(time.Now())
	}
}

func (n *nlog) flush() {
	n.mw.Lock()
	defer n.mw.Unlock()
	if n.w != nil {
		n.w.Flush()
	}
	if n.file != nil {
		n.file.Sync()
	}
}

func (n *nlog) since(now int64) time.Duration { return time.Duration(now - n.last) }

func log(sev severity, depth int, format string, args ...any) {
	line := render(sev, depth, format, args...)
	switch {
	case !flag.Parsed():
		os.Stderr.WriteString("Error: logging before flag.Parse: ")
		fallthrough
	case toStderr:
		os.Stderr.WriteString(line)
	case alsoToStderr || sev >= sevWarn:
		if alsoToStderr || sev >= sevErr {
			os.Stderr.WriteString(line)
		}
		if sev >= sevWarn {
			nlogs[sevErr].write(line)
		}
		nlogs[sevInfo].write(line)
	default:
		nlogs[sevInfo].write(line)
	}
}
