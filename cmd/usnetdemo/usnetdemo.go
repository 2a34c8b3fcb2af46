// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The usnetdemo command builds a userspace socket stack with an in-memory
// stream protocol, drives a number of simulated connections through a
// listener, and optionally serves the stack's metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/secsecsec/libusnet/conf"
	"github.com/secsecsec/libusnet/envknob"
	"github.com/secsecsec/libusnet/net/route"
	"github.com/secsecsec/libusnet/net/usock"
	"github.com/secsecsec/libusnet/net/usock/usocktest"
	"github.com/secsecsec/libusnet/types/logger"
	"gvisor.dev/gvisor/pkg/buffer"
)

func main() {
	fs := flag.NewFlagSet("usnetdemo", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "", "path to a HuJSON stack config file")
		listenAddr  = fs.String("listen", "0.0.0.0:8080", "address and port to listen on")
		conns       = fs.Int("conns", 8, "number of connections to drive through the listener")
		metricsAddr = fs.String("metrics-addr", "", "if non-empty, serve Prometheus metrics on this address until interrupted")
		verbose     = fs.Bool("verbose", false, "log socket and PCB debug messages")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("USNET")); err != nil {
		log.Fatalf("ff.Parse: %v", err)
	}
	if *verbose {
		envknob.Setenv("USNET_DEBUG_SOCKET", "true")
		envknob.Setenv("USNET_DEBUG_PCB", "true")
	}
	logf := logger.Logf(log.Printf)
	envknob.LogCurrent(logf)

	listen, err := netip.ParseAddrPort(*listenAddr)
	if err != nil {
		log.Fatalf("-listen: %v", err)
	}

	s, err := newStack(*configPath, logf)
	if err != nil {
		log.Fatal(err)
	}
	if err := drive(s, listen, *conns, logf); err != nil {
		log.Fatal(err)
	}

	if *metricsAddr == "" {
		return
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := serveMetrics(ctx, *metricsAddr, s, logf); err != nil {
		log.Fatal(err)
	}
}

var defaultRoutes = []route.Route{
	{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Source: netip.MustParseAddr("10.0.0.1")},
}

func newStack(configPath string, logf logger.Logf) (*usock.Stack, error) {
	var opts usock.Options
	if configPath != "" {
		c, err := conf.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		if c.Debug() {
			envknob.Setenv("USNET_DEBUG_SOCKET", "true")
		}
		if opts, err = c.Options(); err != nil {
			return nil, fmt.Errorf("%s: %w", configPath, err)
		}
	}
	if opts.Routes == nil || opts.Routes.Len() == 0 {
		opts.Routes = new(route.Table)
		for _, r := range defaultRoutes {
			if err := opts.Routes.Add(r); err != nil {
				return nil, err
			}
		}
	}
	opts.Logf = logf
	s := usock.NewStack(opts)
	if err := s.RegisterProtocol(usocktest.NewStream()); err != nil {
		return nil, err
	}
	return s, nil
}

// drive accepts n simulated connections on listen, exchanges a payload
// over each and closes everything.
func drive(s *usock.Stack, listen netip.AddrPort, n int, logf logger.Logf) error {
	ls, err := s.Socket(usock.INET, usock.Stream, 0)
	if err != nil {
		return err
	}
	defer ls.Close()
	if err := ls.Bind(listen); err != nil {
		return err
	}

	var accepted []*usock.Socket
	onAccept := usock.HandlerFuncs{
		Accept: func(ls *usock.Socket) {
			for {
				so, ok := ls.Accept()
				if !ok {
					return
				}
				accepted = append(accepted, so)
			}
		},
	}
	if err := ls.Listen(min(n, usock.SOMAXCONN), onAccept); err != nil {
		return err
	}
	logf("listening on %v", ls.LocalAddr())

	routes := s.Routes().Routes()
	if len(routes) == 0 {
		return errors.New("no routes")
	}
	peer := routes[0].Source.Next()
	for i := range n {
		remote := netip.AddrPortFrom(peer, uint16(20000+i))
		if _, err := usocktest.Handshake(s, ls, remote); err != nil {
			logf("handshake from %v: %v", remote, err)
		}
	}

	var exchanged int
	for _, so := range accepted {
		if err := exchange(so); err != nil {
			logf("%v: %v", so, err)
		} else {
			exchanged++
		}
		so.Close()
	}
	logf("accepted %d of %d connections, %d exchanges completed; %d sockets open", len(accepted), n, exchanged, s.Len())
	return nil
}

func exchange(so *usock.Socket) error {
	greeting := fmt.Sprintf("hello %v", so.RemoteAddr())
	if err := so.Write(buffer.NewViewWithData([]byte(greeting))); err != nil {
		return err
	}
	c, ok := usocktest.ConnOf(so)
	if !ok {
		return errors.New("no protocol state")
	}
	// Loop the sent bytes back as if the peer echoed them.
	if err := so.Deliver(buffer.NewViewWithData(c.OutBytes())); err != nil {
		return err
	}
	v, err := so.Read()
	if err != nil {
		return err
	}
	defer v.Release()
	if got := string(v.AsSlice()); got != greeting {
		return fmt.Errorf("echo mismatch: got %q, want %q", got, greeting)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, s *usock.Stack, logf logger.Logf) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(s); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(logger.WithPrefix(logf, "metrics: ")),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logf("serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
