// Package cmdutil holds the flag state and connection-dialing helper
// shared by busctl's subcommands: a single package-level Flags struct
// synced from the root command's PersistentPreRun.
package cmdutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/buslink/buslink/internal/telemetry"
	"github.com/buslink/buslink/pkg/busaddr"
	"github.com/buslink/buslink/pkg/busconn"
	"github.com/buslink/buslink/pkg/busmetrics"
	"github.com/buslink/buslink/pkg/config"
	"github.com/buslink/buslink/pkg/ioloop"
	"github.com/buslink/buslink/pkg/transport"

	"github.com/prometheus/client_golang/prometheus"
)

// CommandFlags holds the global flag values synced by the root command's
// PersistentPreRun.
type CommandFlags struct {
	Bus        string // "session", "system", or an explicit ConnectAddress
	Peer       string // explicit peer ConnectAddress, bypasses Hello when set
	ConfigPath string
	Timeout    time.Duration
	Verbose    bool
}

// Flags is the process-wide flag state, synced once per invocation.
var Flags CommandFlags

// Dial resolves the configured bus or peer address, connects, and blocks
// until the Connection is ready (authenticated and, for a bus connection,
// has its unique name) or the --timeout value elapses (cfg.Bus.ReplyTimeout
// when --timeout is unset). A peer connection is returned without waiting.
// The returned cleanup closes both the connection's transport and the
// dispatcher.
func Dial() (*busconn.Connection, *ioloop.Dispatcher, func(), error) {
	cfg, err := config.Load(Flags.ConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	telemetryShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	addrStr, peerMode, err := resolveAddress(cfg)
	if err != nil {
		telemetryShutdown(context.Background())
		return nil, nil, nil, err
	}

	addr, err := busaddr.Parse(addrStr)
	if err != nil {
		telemetryShutdown(context.Background())
		return nil, nil, nil, fmt.Errorf("parsing address %q: %w", addrStr, err)
	}

	tr, err := dialTransport(addr)
	if err != nil {
		telemetryShutdown(context.Background())
		return nil, nil, nil, fmt.Errorf("dialing %q: %w", addrStr, err)
	}

	dispatcher, err := ioloop.NewDispatcher()
	if err != nil {
		tr.Close()
		telemetryShutdown(context.Background())
		return nil, nil, nil, fmt.Errorf("creating event dispatcher: %w", err)
	}

	var metrics *busmetrics.Metrics
	if cfg.Metrics.Enabled {
		metrics = wireMetrics(dispatcher)
	}

	timeout := Flags.Timeout
	if timeout <= 0 {
		timeout = cfg.Bus.ReplyTimeout
	}

	conn, err := connect(tr, dispatcher, peerMode, timeout)
	if err != nil {
		dispatcher.Close()
		telemetryShutdown(context.Background())
		return nil, nil, nil, err
	}
	if metrics != nil {
		conn.SetMetrics(metrics)
	}

	cleanup := func() {
		conn.Close()
		dispatcher.Close()
		telemetryShutdown(context.Background())
	}
	return conn, dispatcher, cleanup, nil
}

func resolveAddress(cfg *config.Config) (addr string, peerMode bool, err error) {
	if Flags.Peer != "" {
		return Flags.Peer, true, nil
	}

	switch Flags.Bus {
	case "", "session":
		if cfg.Bus.SessionAddress != "" {
			return cfg.Bus.SessionAddress, false, nil
		}
		if env, ok := busaddr.SessionBusAddress(); ok && env != "" {
			return env, false, nil
		}
		return "", false, fmt.Errorf("no session bus address: set %s or pass --bus", busaddr.SessionBusEnv)
	case "system":
		if cfg.Bus.SystemAddress != "" {
			return cfg.Bus.SystemAddress, false, nil
		}
		return busaddr.SystemBusAddress(), false, nil
	default:
		return Flags.Bus, false, nil
	}
}

func dialTransport(addr *busaddr.Address) (transport.Transport, error) {
	switch addr.Kind {
	case busaddr.KindUnixPath:
		return transport.DialUnix(addr.Path, false)
	case busaddr.KindUnixAbstract:
		return transport.DialUnix(addr.Path, true)
	case busaddr.KindTCP:
		family := transport.TCPIPv4
		if addr.Family == busaddr.FamilyIPv6 {
			family = transport.TCPIPv6
		}
		return transport.DialTCP(addr.Host, addr.Port, family)
	default:
		return nil, fmt.Errorf("address kind %v is not dialable from a client", addr.Kind)
	}
}

// connect drives the dispatcher's Poll loop until the Connection finishes
// its handshake (or peerMode skips it entirely) or timeout elapses.
func connect(tr transport.Transport, d *ioloop.Dispatcher, peerMode bool, timeout time.Duration) (*busconn.Connection, error) {
	if peerMode {
		return busconn.ConnectPeer(tr, d), nil
	}

	type result struct {
		conn *busconn.Connection
		err  error
	}
	done := make(chan result, 1)
	conn := busconn.ConnectBus(tr, d, uint32(os.Getuid()), func(c *busconn.Connection, err error) {
		done <- result{c, err}
	})

	deadline := time.Now().Add(timeout)
	for {
		select {
		case r := <-done:
			if r.err != nil {
				return nil, fmt.Errorf("connecting to bus: %w", r.err)
			}
			return r.conn, nil
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			conn.Close()
			return nil, fmt.Errorf("timed out waiting for bus handshake after %s", timeout)
		}
		step := remaining
		if step > 50*time.Millisecond {
			step = 50 * time.Millisecond
		}
		if _, err := d.Poll(step); err != nil {
			return nil, fmt.Errorf("polling event dispatcher: %w", err)
		}
	}
}

// RunUntil pumps d.Poll in a loop until done reports true or timeout
// elapses, used by call and introspect-raw to wait for a PendingReply.
func RunUntil(d *ioloop.Dispatcher, timeout time.Duration, done func() bool) error {
	deadline := time.Now().Add(timeout)
	for !done() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out after %s", timeout)
		}
		step := remaining
		if step > 50*time.Millisecond {
			step = 50 * time.Millisecond
		}
		if _, err := d.Poll(step); err != nil {
			return fmt.Errorf("polling event dispatcher: %w", err)
		}
	}
	return nil
}

// wireMetrics registers a fresh Metrics collector against a private
// registry and hooks it into the dispatcher's poll-return callback; Dial
// calls Connection.SetMetrics with the result once the connection exists.
func wireMetrics(d *ioloop.Dispatcher) *busmetrics.Metrics {
	reg := prometheus.NewRegistry()
	m := busmetrics.New(reg)
	d.SetPollReturnHook(func(interrupted bool) {
		m.RecordPollerWakeup(interrupted)
	})
	return m
}
