// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package conf loads the HuJSON configuration file of a userspace socket
// stack.
package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/secsecsec/libusnet/net/route"
	"github.com/secsecsec/libusnet/net/sockbuf"
	"github.com/secsecsec/libusnet/net/usock"
	"github.com/tailscale/hujson"
)

const v1Alpha1 = "v1alpha1"

// Config describes a config file.
type Config struct {
	Raw     []byte // raw bytes, in HuJSON form
	Std     []byte // standardized JSON form
	Version string // "v1alpha1"

	// Parsed is the parsed config, converted from its raw bytes version to the
	// latest known format.
	Parsed ConfigV1Alpha1
}

// VersionedConfig allows specifying config at the root of the object, or in
// a versioned sub-object.
// e.g. {"version": "v1alpha1", "maxSockets": 64}
// or {"version": "v1beta1", "v1alpha1": {"maxSockets": 64}}
type VersionedConfig struct {
	Version string `json:",omitempty"` // "v1alpha1"

	// Latest version of the config.
	*ConfigV1Alpha1

	// Backwards compatibility version(s) of the config. Fields and sub-fields
	// from here should only be added to, never changed in place.
	V1Alpha1 *ConfigV1Alpha1 `json:",omitempty"`
}

type ConfigV1Alpha1 struct {
	MaxSockets     *int                    `json:",omitempty"` // Size of the socket handle table.
	SOMAXCONN      *int                    `json:",omitempty"` // Cap on listen backlogs.
	EphemeralPorts *string                 `json:",omitempty"` // "first-last", e.g. "49152-65535".
	LogLevel       *string                 `json:",omitempty"` // "debug", "info". Defaults to "info".
	Buffers        map[string]BufferConfig `json:",omitempty"` // Keyed by socket type: "stream", "dgram", "raw".
	Routes         []RouteConfig           `json:",omitempty"`
}

// BufferConfig overrides protocol default buffer limits. Zero fields keep
// the protocol default.
type BufferConfig struct {
	SendHiWat   int `json:",omitempty"`
	RecvHiWat   int `json:",omitempty"`
	SendLoWat   int `json:",omitempty"`
	RecvLoWat   int `json:",omitempty"`
	MaxSegments int `json:",omitempty"` // applies to both directions
}

type RouteConfig struct {
	Prefix  netip.Prefix
	Gateway netip.Addr `json:",omitzero"` // unset for an on-link route
	Source  netip.Addr
}

// Load parses a config file's contents.
func Load(raw []byte) (c Config, err error) {
	c.Raw = raw
	c.Std, err = hujson.Standardize(c.Raw)
	if err != nil {
		return c, fmt.Errorf("error parsing config as HuJSON/JSON: %w", err)
	}
	var ver VersionedConfig
	if err := json.Unmarshal(c.Std, &ver); err != nil {
		return c, fmt.Errorf("error parsing config: %w", err)
	}
	rootV1Alpha1 := (ver.Version == v1Alpha1)
	backCompatV1Alpha1 := (ver.V1Alpha1 != nil)
	switch {
	case ver.Version == "":
		return c, errors.New("error parsing config: no \"version\" field provided")
	case rootV1Alpha1 && backCompatV1Alpha1:
		// Exactly one of these should be set.
		return c, errors.New("error parsing config: both root and v1alpha1 config provided")
	case rootV1Alpha1 != backCompatV1Alpha1:
		c.Version = v1Alpha1
		switch {
		case rootV1Alpha1 && ver.ConfigV1Alpha1 != nil:
			c.Parsed = *ver.ConfigV1Alpha1
		case backCompatV1Alpha1:
			c.Parsed = *ver.V1Alpha1
		default:
			c.Parsed = ConfigV1Alpha1{}
		}
	default:
		return c, fmt.Errorf("error parsing config: unsupported \"version\" value %q; want \"%s\"", ver.Version, v1Alpha1)
	}
	if err := c.validate(); err != nil {
		return c, fmt.Errorf("error validating config: %w", err)
	}
	return c, nil
}

// LoadFile reads and parses the config file at path.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Load(raw)
	if err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) validate() error {
	p := &c.Parsed
	if p.MaxSockets != nil && *p.MaxSockets < 0 {
		return fmt.Errorf("maxSockets %d is negative", *p.MaxSockets)
	}
	if p.SOMAXCONN != nil && *p.SOMAXCONN < 0 {
		return fmt.Errorf("somaxconn %d is negative", *p.SOMAXCONN)
	}
	if p.LogLevel != nil && *p.LogLevel != "info" && *p.LogLevel != "debug" {
		return fmt.Errorf("logLevel %q; want \"info\" or \"debug\"", *p.LogLevel)
	}
	if _, _, err := c.EphemeralPorts(); err != nil {
		return err
	}
	for name, b := range p.Buffers {
		if _, err := usock.ParseType(name); err != nil {
			return fmt.Errorf("buffers: %w", err)
		}
		for _, v := range []int{b.SendHiWat, b.RecvHiWat} {
			if v < 0 || v > sockbuf.SBMax {
				return fmt.Errorf("buffers.%s: high-water mark %d out of range [0, %d]", name, v, sockbuf.SBMax)
			}
		}
	}
	for i, r := range p.Routes {
		if !r.Prefix.IsValid() || !r.Source.IsValid() {
			return fmt.Errorf("routes[%d]: prefix and source are required", i)
		}
	}
	return nil
}

// EphemeralPorts returns the configured ephemeral port range, or zeros if
// unset.
func (c *Config) EphemeralPorts() (first, last uint16, err error) {
	if c.Parsed.EphemeralPorts == nil {
		return 0, 0, nil
	}
	s := *c.Parsed.EphemeralPorts
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("ephemeralPorts %q: want \"first-last\"", s)
	}
	f, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("ephemeralPorts %q: %w", s, err)
	}
	l, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("ephemeralPorts %q: %w", s, err)
	}
	if f == 0 || f > l {
		return 0, 0, fmt.Errorf("ephemeralPorts %q: empty range", s)
	}
	return uint16(f), uint16(l), nil
}

// Debug reports whether debug logging was requested.
func (c *Config) Debug() bool {
	return c.Parsed.LogLevel != nil && *c.Parsed.LogLevel == "debug"
}

// Routes returns the configured routes.
func (c *Config) Routes() []route.Route {
	rs := make([]route.Route, 0, len(c.Parsed.Routes))
	for _, r := range c.Parsed.Routes {
		rs = append(rs, route.Route{Prefix: r.Prefix, Gateway: r.Gateway, Source: r.Source})
	}
	return rs
}

// RouteTable builds a route table from the configured routes.
func (c *Config) RouteTable() (*route.Table, error) {
	t := new(route.Table)
	for _, r := range c.Routes() {
		if err := t.Add(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Options returns the stack options described by c. The caller supplies
// Logf; Routes is built from the configured routes.
func (c *Config) Options() (usock.Options, error) {
	var o usock.Options
	if c.Parsed.MaxSockets != nil {
		o.MaxSockets = *c.Parsed.MaxSockets
	}
	if c.Parsed.SOMAXCONN != nil {
		o.SOMAXCONN = *c.Parsed.SOMAXCONN
	}
	var err error
	if o.EphemeralFirst, o.EphemeralLast, err = c.EphemeralPorts(); err != nil {
		return o, err
	}
	if len(c.Parsed.Buffers) > 0 {
		o.Buffers = make(map[usock.Type]usock.BufferLimits)
		for name, b := range c.Parsed.Buffers {
			t, err := usock.ParseType(name)
			if err != nil {
				return o, err
			}
			o.Buffers[t] = usock.BufferLimits{
				Send: sockbuf.Limits{HiWat: b.SendHiWat, LoWat: b.SendLoWat, MaxSegments: b.MaxSegments},
				Recv: sockbuf.Limits{HiWat: b.RecvHiWat, LoWat: b.RecvLoWat, MaxSegments: b.MaxSegments},
			}
		}
	}
	if o.Routes, err = c.RouteTable(); err != nil {
		return o, err
	}
	return o, nil
}
