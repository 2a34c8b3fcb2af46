// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"container/list"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/secsecsec/libusnet/envknob"
	"golang.org/x/time/rate"
)

// Logf is the basic logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
//
// Wrappers must pass the original format through, possibly augmented:
// rate limiting is keyed by format.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// StdLogger returns a standard library logger that writes to f, for APIs
// such as http.Server.ErrorLog that want one.
func StdLogger(f Logf) *log.Logger {
	return log.New(writer(f), "", 0)
}

type writer Logf

func (w writer) Write(p []byte) (int, error) {
	w("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// OrDiscard returns f, or Discard if f is nil.
func OrDiscard(f Logf) Logf {
	if f == nil {
		return Discard
	}
	return f
}

// RateLimitedFn returns a rate-limiting Logf wrapping logf. Each format
// string may log once every f, in bursts of up to burst lines. The first
// suppressed line of a run is replaced by a "[RATE LIMITED]" notice. Up to
// maxCache formats are tracked, least recently used first out.
//
// Setting USNET_DEBUG_LOG_RATE=all disables rate limiting.
func RateLimitedFn(logf Logf, f time.Duration, burst int, maxCache int) Logf {
	if envknob.String("USNET_DEBUG_LOG_RATE") == "all" {
		return logf
	}
	rl := &rateLimiter{
		every:    rate.Every(f),
		burst:    burst,
		maxCache: maxCache,
		byFormat: make(map[string]*formatLimit),
		lru:      list.New(),
	}
	return func(format string, args ...any) {
		switch rl.judge(format) {
		case allow:
			logf(format, args...)
		case warn:
			logf("[RATE LIMITED] format string %q (example: %q)", format, strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}

type verdict int

const (
	allow verdict = iota
	warn
	block
)

type formatLimit struct {
	lim     *rate.Limiter
	warned  bool          // the [RATE LIMITED] notice was logged for the current run
	element *list.Element // in rateLimiter.lru
}

type rateLimiter struct {
	every    rate.Limit
	burst    int
	maxCache int

	mu       sync.Mutex
	byFormat map[string]*formatLimit
	lru      *list.List // of format strings, most recent first
}

func (rl *rateLimiter) judge(format string) verdict {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	fl, ok := rl.byFormat[format]
	if ok {
		rl.lru.MoveToFront(fl.element)
	} else {
		fl = &formatLimit{
			lim:     rate.NewLimiter(rl.every, rl.burst),
			element: rl.lru.PushFront(format),
		}
		rl.byFormat[format] = fl
		if rl.lru.Len() > rl.maxCache {
			oldest := rl.lru.Back()
			delete(rl.byFormat, oldest.Value.(string))
			rl.lru.Remove(oldest)
		}
	}
	switch {
	case fl.lim.Allow():
		fl.warned = false
		return allow
	case !fl.warned:
		fl.warned = true
		return warn
	}
	return block
}
