// Package engine wires every component into the running daemon:
// hardware drivers, the protocol registry, the capture/decode/send
// pipeline, the broadcaster, the client session manager, the optional
// upstream link, the self-monitor, and the webserver. Lifecycle shape
// (Start/Stop, net.Listener accept loop, running flag under a mutex)
// is grounded on the teacher's pkg/engine/engine.go CoreEngine.
package engine

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/n0call/rfbridged/pkg/broadcaster"
	"github.com/n0call/rfbridged/pkg/config"
	"github.com/n0call/rfbridged/pkg/decoder"
	"github.com/n0call/rfbridged/pkg/hardware"
	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/monitor"
	"github.com/n0call/rfbridged/pkg/protocol"
	"github.com/n0call/rfbridged/pkg/protocol/builtin"
	"github.com/n0call/rfbridged/pkg/pulse"
	"github.com/n0call/rfbridged/pkg/sender"
	"github.com/n0call/rfbridged/pkg/session"
	"github.com/n0call/rfbridged/pkg/upstream"
	"github.com/n0call/rfbridged/pkg/webserver"
)

// CoreEngine is the assembled daemon: every component named in spec §2
// plus the ambient HTTP surface, built once from Config and run until
// Stop.
type CoreEngine struct {
	cfg *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	hardware *hardware.Registry
	registry *protocol.Registry

	receiveQueue   *pulse.Queue[pulse.Segment]
	sendQueue      *pulse.Queue[message.SendTask]
	broadcastQueue *pulse.Queue[message.Broadcast]

	decoder     *decoder.Decoder
	sender      *sender.Sender
	broadcaster *broadcaster.Broadcaster
	sessions    *session.Manager
	upstream    *upstream.Link // nil in standalone mode
	monitor     *monitor.Monitor
	gauges      *monitor.Gauges
	web         *webserver.Server

	listener  net.Listener
	webServer *http.Server
	txLock    *pulse.TransmitLock
}

type broadcastSink struct {
	queue *pulse.Queue[message.Broadcast]
}

func (s broadcastSink) Publish(b message.Broadcast) { s.queue.Push(b) }

// NewCoreEngine builds every component from cfg but starts nothing.
func NewCoreEngine(cfg *config.Config) (*CoreEngine, error) {
	hw, err := buildHardware(cfg)
	if err != nil {
		return nil, err
	}

	registry := protocol.NewRegistry()
	if err := builtin.RegisterAll(registry); err != nil {
		return nil, fmt.Errorf("engine: register builtin protocols: %w", err)
	}

	e := &CoreEngine{
		cfg:            cfg,
		hardware:       hw,
		registry:       registry,
		receiveQueue:   pulse.NewQueue[pulse.Segment](),
		sendQueue:      pulse.NewQueue[message.SendTask](),
		broadcastQueue: pulse.NewQueue[message.Broadcast](),
		txLock:         &pulse.TransmitLock{},
	}

	e.decoder = decoder.NewDecoder(registry, 1)
	e.sender = sender.NewSender(registry, hw, e.txLock, 1, e.receiveQueue, e.broadcastQueue)

	e.sessions = session.NewManager()
	e.sessions.SendQueue = e.sendQueue
	e.sessions.Broadcast = e.broadcastQueue
	e.sessions.ConfigSnapshot = cfg.ConfigSnapshot
	e.sessions.Devices = cfg

	e.broadcaster = &broadcaster.Broadcaster{
		GUI:       e.sessions,
		Receivers: e.sessions,
		Config:    broadcaster.NewDeviceStateCache(),
		Firmware:  &broadcaster.Firmware{},
	}

	if cfg.Mode == config.ModeNode {
		e.upstream = &upstream.Link{
			Addr:      cfg.Master.Address,
			UUID:      cfg.NodeUUID,
			Config:    cfg,
			SendQueue: e.sendQueue,
			Broadcast: e.broadcastQueue,
		}
		e.broadcaster.Upstream = e.upstream
	}

	if cfg.Monitor.MetricsEnabled {
		e.gauges = monitor.NewGauges()
	}
	e.monitor = monitor.NewMonitor(e.broadcastQueue, e.fatalExit, cfg.Monitor.WarnPercent, cfg.Monitor.FatalPercent)
	e.monitor.Gauges = e.gauges

	e.web = webserver.NewServer(e, cfg, e.gauges)
	e.sessions.HTTP = e.web
	e.web.HandleFunc(cfg.Listen.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		if err := e.sessions.ServeWebSocket(w, r); err != nil {
			log.Printf("engine: websocket upgrade failed: %v", err)
		}
	})

	return e, nil
}

func buildHardware(cfg *config.Config) (*hardware.Registry, error) {
	var drivers []hardware.Driver
	for _, name := range cfg.Hardware.Drivers {
		switch name {
		case "mock433":
			drivers = append(drivers, hardware.NewMockRF433Driver())
		case "null":
			drivers = append(drivers, hardware.NewNullDriver())
		default:
			return nil, fmt.Errorf("engine: unknown hardware driver %q", name)
		}
	}
	if len(drivers) == 0 {
		drivers = append(drivers, hardware.NewMockRF433Driver())
	}
	return hardware.NewRegistry(drivers...), nil
}

// Status implements webserver.StatusSource.
func (e *CoreEngine) Status() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]interface{}{
		"running":   e.running,
		"mode":      e.cfg.Mode,
		"uptime":    time.Since(e.startTime).String(),
		"receivers": e.sessions.ReceiverCount(),
		"dropped": map[string]int64{
			"receive":   e.receiveQueue.Dropped(),
			"send":      e.sendQueue.Dropped(),
			"broadcast": e.broadcastQueue.Dropped(),
		},
	}
}

// Start brings up every component in the dependency order spec §2
// names: hardware, then the decode/send pipeline, then the broadcaster,
// then the session manager and (if configured) the upstream link.
func (e *CoreEngine) Start() error {
	e.mu.Lock()
	e.running = true
	e.startTime = time.Now()
	e.mu.Unlock()

	e.ctx, e.cancel = context.WithCancel(context.Background())

	if err := e.hardware.InitAll(); err != nil {
		return err
	}

	if err := e.registry.StartDevices(broadcastSink{e.broadcastQueue}); err != nil {
		return fmt.Errorf("engine: start protocol devices: %w", err)
	}

	minRaw, maxRaw, ok := e.registry.RawLenBounds()
	if !ok {
		minRaw, maxRaw = 1, pulse.MaxRawLen
	}
	for _, d := range e.hardware.All() {
		if d.Receiver() == nil {
			continue
		}
		driver := d
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			decoder.CaptureLoop(e.ctx, driver, e.txLock, minRaw, maxRaw, e.receiveQueue)
		}()
	}

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.decoder.Run(e.ctx, e.receiveQueue, e.broadcastQueue) }()
	go func() { defer e.wg.Done(); e.sender.Run(e.ctx, e.sendQueue) }()
	// The broadcaster returns only when its queue channel is closed,
	// which never happens, so it is not part of the WaitGroup Stop
	// waits on.
	go e.broadcaster.Run(e.broadcastQueue)

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.monitor.Run(e.ctx) }()

	if e.upstream != nil {
		e.wg.Add(1)
		go func() { defer e.wg.Done(); e.upstream.Run(e.ctx) }()
	}

	listener, err := net.Listen("tcp", e.cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("engine: listen on %s: %w", e.cfg.Listen.Address, err)
	}
	e.listener = listener
	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.sessions.Serve(listener) }()

	if e.cfg.Web.Enabled {
		addr := fmt.Sprintf("%s:%d", e.cfg.Web.BindAddress, e.cfg.Web.Port)
		e.webServer = &http.Server{Addr: addr, Handler: e.web.Handler()}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			log.Printf("engine: webserver listening on %s", addr)
			if err := e.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("engine: webserver error: %v", err)
			}
		}()
	}

	log.Printf("engine: rfbridged listening on %s (mode=%s)", e.cfg.Listen.Address, e.cfg.Mode)
	return nil
}

// fatalExit is wired as the self-monitor's escalation hook (spec §6).
func (e *CoreEngine) fatalExit(reason string) {
	log.Printf("engine: fatal resource threshold, stopping: %s", reason)
	go e.Stop()
}

// Stop tears everything down. Individual session goroutines and the
// broadcaster goroutine are not waited on — closing the listener stops
// new accepts, matching the
// teacher's Stop, which likewise doesn't block on in-flight per-client
// connections.
func (e *CoreEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if e.upstream != nil {
		e.upstream.Stop()
	}
	if e.listener != nil {
		e.listener.Close()
	}
	if e.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.webServer.Shutdown(ctx)
	}

	e.registry.StopDevices()
	for _, err := range e.hardware.DeinitAll() {
		log.Printf("engine: %v", err)
	}

	e.wg.Wait()
	return nil
}
