// Command ustd is the per-node tracing session daemon (spec 1, 2): it
// accepts application registrations on a unix socket, drives the C6
// reconciler against each app's tracer transport, and exposes the C7
// session API's status over HTTP.
package main

import (
	"encoding/gob"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/ustd/sessiond/internal/consumer"
	"github.com/ustd/sessiond/internal/fdbudget"
	"github.com/ustd/sessiond/internal/metrics"
	"github.com/ustd/sessiond/internal/reconcile"
	"github.com/ustd/sessiond/internal/registry"
	"github.com/ustd/sessiond/internal/sessiond"
	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
)

var (
	sockPath       = pflag.String("listen-socket", "/var/run/ustd/ustd.sock", "unix socket path applications register on")
	consumer32Sock = pflag.String("consumer32-socket", "", "unix socket path of the 32-bit consumer daemon (empty disables 32-bit apps)")
	consumer64Sock = pflag.String("consumer64-socket", "", "unix socket path of the 64-bit consumer daemon (empty disables 64-bit apps)")
	traceRoot      = pflag.String("trace-root", "", "local base directory for trace output (empty skips local directory creation)")
	protocolMajor  = pflag.Uint32("protocol-major", 2, "tracer control protocol major version this daemon accepts")
	fdBudget       = pflag.Int64("fd-budget", 0, "ceiling on file descriptors reserved for registered apps (0 means unbounded)")
	statusAddr     = pflag.String("status-address", ":8080", "address to serve /metrics, /healthz and /debug/registry on")
	peerCheck      = pflag.Duration("peer-check-interval", 30*time.Second, "interval to probe registered apps for peer death")
)

func main() {
	pflag.Parse()
	pflag.VisitAll(func(f *pflag.Flag) {
		klog.V(0).Infof("FLAG: --%s=%q", f.Name, f.Value)
	})

	consumers := consumer.NewSelector()
	dialConsumer(consumers, 32, *consumer32Sock)
	dialConsumer(consumers, 64, *consumer64Sock)

	var limits map[fdbudget.Class]int64
	if *fdBudget > 0 {
		limits = map[fdbudget.Class]int64{fdbudget.ClassApps: *fdBudget}
	}
	fds := fdbudget.New(limits)

	reg := registry.New(*protocolMajor, consumers.Available, fds)

	cfg := reconcile.DefaultConfig()
	if *traceRoot != "" {
		cfg.TracePath = func(outputPath string) (string, bool) {
			return *traceRoot + "/" + outputPath, true
		}
		cfg.MkdirAll = func(path string, uid, gid uint32) error {
			if err := os.MkdirAll(path, 0770); err != nil {
				return err
			}
			return os.Chown(path, int(uid), int(gid))
		}
	}

	collector := metrics.New(reg, fds, fdbudget.ClassApps)
	rec := reconcile.New(reg, consumers, fds, cfg)
	rec.Metrics = collector

	daemon := sessiond.New(reg, rec, func(app *shadow.App) (uint32, uint32, error) {
		return rec.Transport(app).TracerVersion()
	})
	daemon.Metrics = collector

	go serveStatus(collector, reg)
	go drainOnSignal(reg)
	go reapDeadPeers(daemon, reg, *peerCheck)

	klog.Fatalf("listen: %v", serve(daemon, *sockPath))
}

// dialConsumer wires a consumer client for bitness if sockPath is
// configured; an empty path leaves that bitness unavailable, which
// registry.Register rejects per spec 4.4.
func dialConsumer(consumers *consumer.Selector, bitness int32, sockPath string) {
	if sockPath == "" {
		return
	}
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		klog.Fatalf("dial %d-bit consumer at %s: %v", bitness, sockPath, err)
	}
	consumers.SetClient(bitness, consumer.NewClient(conn))
}

func serveStatus(c *metrics.Collector, reg *registry.Registry) {
	klog.V(0).Infof("status HTTP listening on %s", *statusAddr)
	klog.Errorf("status server: %v", http.ListenAndServe(*statusAddr, metrics.StatusMux(c, reg)))
}

// drainOnSignal waits for SIGINT/SIGTERM and blocks until every
// in-flight deferred destroy has completed before exiting, unlike the
// teacher's setupSignalHandlers which only ever logs and ignores the
// signal -- clean socket teardown here matters because a killed daemon
// leaves app sockets open for the tracer to detect as peer death.
func drainOnSignal(reg *registry.Registry) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	klog.V(0).Infof("received signal %v, draining registry before exit", sig)
	reg.WaitIdle()
	os.Exit(0)
}

// reapDeadPeers periodically probes every registered app's tracer
// version, the cheapest transport round trip available, and unregisters
// any whose connection has gone away. A request/response transport has
// no way to observe a clean peer hangup except by trying a call, so this
// periodic sweep is the daemon's only source of that signal outside of
// fan-out operations already in flight; it mirrors the periodic
// reconciliation tick node-cache uses to re-check iptables state
// (--syncinterval) rather than reacting to an OS-level notification.
func reapDeadPeers(daemon *sessiond.Daemon, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		reg.ForEach(func(app *shadow.App) error {
			if err := daemon.ValidateVersion(app.Sock); err != nil && usterrors.IsBenignPeerDeath(err) {
				klog.V(4).Infof("reaper: pid %d: peer gone: %v", app.Pid, err)
				daemon.Unregister(app.Sock)
			}
			return nil
		})
	}
}

// serve accepts app registrations on path, handing each connection's
// RegisterMessage to the daemon. The connection is kept open as the
// app's persistent tracer-control socket, driven from then on by the
// reconciler's transport client and the periodic reaper above.
func serve(daemon *sessiond.Daemon, path string) error {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	defer ln.Close()
	klog.V(0).Infof("listening for app registrations on %s", path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go handleConn(daemon, conn)
	}
}

// handleConn decodes a new connection's registration message, registers
// the app and validates its tracer version. It returns immediately on
// success; the connection's lifecycle from then on is owned by the
// reconciler's transport client and the periodic reaper.
func handleConn(daemon *sessiond.Daemon, conn net.Conn) {
	var msg registry.RegisterMessage
	if err := gob.NewDecoder(conn).Decode(&msg); err != nil {
		klog.Errorf("register: decode: %v", err)
		conn.Close()
		return
	}

	if _, err := daemon.Register(msg, conn); err != nil {
		klog.Errorf("register: pid %d: %v", msg.Pid, err)
		return
	}
	if err := daemon.ValidateVersion(conn); err != nil {
		klog.Errorf("validate_version: pid %d: %v", msg.Pid, err)
	}
}
