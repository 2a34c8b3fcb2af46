// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package envknob provides access to environment-variable tweakable
// debug settings of a socket stack.
//
// Knobs are for development and debugging. They are not a stable
// interface and may be removed at any time.
package envknob

import (
	"log"
	"maps"
	"os"
	"slices"
	"strconv"
	"sync"
)

var (
	mu    sync.Mutex
	inUse = map[string]string{}         // non-empty knobs seen so far
	knobs = map[string][]func(string){} // registered knobs, refreshed by Setenv
)

func noteLocked(k, v string) {
	if v == "" {
		delete(inUse, k)
		return
	}
	inUse[k] = v
}

// LogCurrent logs every knob that has been read or set with a non-empty
// value, sorted by name.
func LogCurrent(logf func(format string, args ...any)) {
	mu.Lock()
	defer mu.Unlock()
	for _, k := range slices.Sorted(maps.Keys(inUse)) {
		logf("envknob: %s=%q", k, inUse[k])
	}
}

// Setenv sets an environment variable and refreshes every registered knob
// that reads it. Calls belong early in main or in tests, before the knobs
// are read concurrently.
func Setenv(envVar, val string) {
	mu.Lock()
	defer mu.Unlock()
	os.Setenv(envVar, val)
	noteLocked(envVar, val)
	for _, refresh := range knobs[envVar] {
		refresh(val)
	}
}

// String returns the named environment variable, recording it as in use
// if it is set.
func String(envVar string) string {
	v := os.Getenv(envVar)
	mu.Lock()
	defer mu.Unlock()
	noteLocked(envVar, v)
	return v
}

// register returns a getter for envVar parsed by parse. The getter does
// no lookup of its own; Setenv keeps it current. An unparsable value is
// fatal.
func register[T any](envVar string, parse func(string) (T, error)) func() T {
	mu.Lock()
	defer mu.Unlock()
	v := new(T)
	refresh := func(s string) {
		noteLocked(envVar, s)
		if s == "" {
			*v = *new(T)
			return
		}
		x, err := parse(s)
		if err != nil {
			log.Fatalf("envknob: invalid value %q for %s: %v", s, envVar, err)
		}
		*v = x
	}
	refresh(os.Getenv(envVar))
	knobs[envVar] = append(knobs[envVar], refresh)
	return func() T { return *v }
}

// RegisterBool returns a getter for a boolean knob. Unset is false.
func RegisterBool(envVar string) func() bool {
	return register(envVar, strconv.ParseBool)
}

// RegisterInt returns a getter for an integer knob. Unset is 0.
func RegisterInt(envVar string) func() int {
	return register(envVar, strconv.Atoi)
}
