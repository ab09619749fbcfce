// Package relay wires device machine, queue and hub behind HTTP/WebSocket server.
package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/alive/v2"
	"github.com/temoto/telerelay/internal/config"
	"github.com/temoto/telerelay/internal/device"
	"github.com/temoto/telerelay/internal/hub"
	"github.com/temoto/telerelay/internal/line"
	"github.com/temoto/telerelay/internal/queue"
	"github.com/temoto/telerelay/log2"
	"github.com/temoto/telerelay/tele"
)

type Options struct {
	Log    *log2.Log
	Config *config.Config
	// Discoverer and Opener default to serial port implementations.
	Discoverer device.Discoverer
	Opener     device.Opener
	// Registry defaults to new private registry.
	Registry *prometheus.Registry
}

type Server struct {
	log      *log2.Log
	config   *config.Config
	alive    *alive.Alive
	queue    *queue.Queue
	hub      *hub.Hub
	machine  *device.Machine
	mqtt     *mqttSubscriber
	metrics  *metrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
}

func NewServer(opt Options) (*Server, error) {
	c := opt.Config
	if c == nil {
		return nil, errors.NotValidf("relay server without config")
	}
	log := opt.Log
	self := &Server{
		log:      log,
		config:   c,
		alive:    alive.NewAlive(),
		registry: opt.Registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if self.registry == nil {
		self.registry = prometheus.NewRegistry()
	}

	var err error
	if self.queue, err = queue.New(c.QueueCapacity()); err != nil {
		return nil, errors.Annotate(err, "relay queue")
	}
	self.queue.OnDrop = func(m tele.Message) {
		log.Debugf("queue overflow dropped kind=%s", m.Kind())
	}
	self.metrics = newMetrics(self.registry, self.queue)
	// before any Named clone, clones inherit the hook
	log.SetErrorFunc(func(error) { self.metrics.logErrors.Inc() })

	alerts, err := c.Line.AlertMap()
	if err != nil {
		return nil, errors.Trace(err)
	}
	discoverer := opt.Discoverer
	if discoverer == nil {
		discoverer = &device.PortDiscoverer{
			Log:     log.Named("discover"),
			Path:    c.Device.Path,
			USB:     c.Device.USB(),
			Product: c.Device.Product(),
		}
	}
	opener := opt.Opener
	if opener == nil {
		opener = &device.SerialOpener{
			Log:       log.Named("serial"),
			MaxLine:   c.Device.LineLimit(),
			BytesRead: self.metrics.deviceBytes,
		}
	}
	backoff := c.Device.NewBackoff()
	self.machine, err = device.NewMachine(device.Options{
		Log:         log.Named("device"),
		Discoverer:  discoverer,
		Opener:      opener,
		Sink:        self.queue,
		Parser:      line.NewParser(c.Line.Untyped, alerts),
		Baud:        c.Device.BaudRate(),
		ReadTimeout: c.Device.ReadTimeout(),
		ErrorStreak: c.Device.Streak(),
		Backoff:     &backoff,
		OnState:     self.metrics.deviceState,
	})
	if err != nil {
		return nil, errors.Annotate(err, "relay device")
	}

	self.hub = hub.New(hub.Options{
		Log:               log.Named("hub"),
		Source:            self.queue,
		Metrics:           hub.NewMetrics(self.registry),
		Status:            self.deviceStatus,
		HeartbeatInterval: c.Relay.Heartbeat(),
		PruneInterval:     c.Relay.Prune(),
		DrainInterval:     c.Relay.Drain(),
	})
	if c.Mqtt.Enabled {
		self.mqtt = newMqttSubscriber(log.Named("mqtt"), c.Mqtt)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", self.handleIndex)
	mux.HandleFunc("/ws", self.handleWebSocket)
	mux.HandleFunc("/healthz", self.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(self.registry, promhttp.HandlerOpts{}))
	self.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return self, nil
}

// Listen binds relay address. Bind failure is the only fatal runtime error.
func (self *Server) Listen() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.listener != nil {
		return nil
	}
	addr := self.config.Relay.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "relay listen addr=%s", addr)
	}
	self.listener = ln
	return nil
}

// Addr returns bound address or empty string before Listen.
func (self *Server) Addr() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.listener == nil {
		return ""
	}
	return self.listener.Addr().String()
}

func (self *Server) DeviceState() device.State { return self.machine.State() }
func (self *Server) Subscribers() int          { return self.hub.Count() }

func (self *Server) Stop() { self.alive.Stop() }

// Run blocks until ctx is done or Stop is called and all workers finished.
func (self *Server) Run(ctx context.Context) error {
	if err := self.Listen(); err != nil {
		return err
	}
	a := self.alive
	stopch := a.StopChan()
	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-stopch:
		}
	}()

	a.Add(1)
	go func() {
		defer a.Done()
		self.machine.Run(stopch)
	}()
	a.Add(1)
	go func() {
		defer a.Done()
		self.hub.Run(stopch)
	}()
	if self.mqtt != nil {
		self.mqtt.Connect()
		self.hub.Register(self.mqtt)
	}

	serveErr := make(chan error, 1)
	a.Add(1)
	go func() {
		defer a.Done()
		if err := self.http.Serve(self.listener); err != nil && err != http.ErrServerClosed {
			serveErr <- errors.Annotate(err, "relay serve")
			a.Stop()
		}
	}()
	self.log.Infof("relay listening addr=%s", self.Addr())

	<-stopch
	self.log.Debugf("relay stopping")
	sctx, cancel := context.WithTimeout(context.Background(), self.config.Relay.ShutdownTimeout())
	defer cancel()
	if err := self.http.Shutdown(sctx); err != nil {
		self.log.Errorf("relay http shutdown err=%v", err)
		_ = self.http.Close()
	}
	a.Wait()
	self.log.Infof("relay stopped")

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

func (self *Server) deviceStatus() string {
	if self.machine.State() == device.Connected {
		return "device connected"
	}
	return "device not connected"
}

func (self *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		self.handleWebSocket(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("telerelay: connect with WebSocket at /ws\n"))
}

func (self *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !self.alive.IsRunning() {
		http.Error(w, "relay stopping", http.StatusServiceUnavailable)
		return
	}
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already replied with error status
		self.log.Debugf("websocket upgrade remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	rc := &self.config.Relay
	s := newWsSubscriber(self.log, conn, rc.Buffer(), rc.WriteTimeout(), rc.Ping(), rc.Pong())
	s.onPong = self.metrics.pongs.Inc
	s.log.Debugf("websocket accepted remote=%s", r.RemoteAddr)
	go s.writePump()
	if !self.hub.Register(s) {
		return
	}
	s.readPump()
	self.hub.Unregister(s)
}

type health struct {
	Device      string  `json:"device"`
	Failures    int     `json:"failures"`
	LastFailure float64 `json:"last_failure_sec,omitempty"`
	Subscribers int     `json:"subscribers"`
	Queued      int     `json:"queued"`
	Capacity    int     `json:"capacity"`
	Dropped     uint64  `json:"dropped"`
}

func (self *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	failures, since := self.machine.Failures()
	h := health{
		Device:      self.machine.State().String(),
		Failures:    failures,
		LastFailure: since.Seconds(),
		Subscribers: self.hub.Count(),
		Queued:      self.queue.Len(),
		Capacity:    self.queue.Cap(),
		Dropped:     self.queue.Dropped(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h); err != nil {
		self.log.Errorf("healthz encode err=%v", err)
	}
}
