package bus

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
)

const (
	// DBusInterface is the D-Bus interface name for outlet signals.
	DBusInterface = "org.outlet.SyncStatus"
	// DBusObjectPath is the D-Bus object path for outlet signals.
	DBusObjectPath = "/org/outlet/SyncStatus"
)

// OpCounter is the view a D-Bus client gets of the op pipeline.
type OpCounter interface {
	PendingOpCount() int
}

// DBusServer mirrors core signals onto the session bus so desktop clients can
// follow sync progress without a dedicated RPC channel.
type DBusServer struct {
	bus     *Bus
	counter OpCounter
	conn    *dbus.Conn
	sub     *Subscriber

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewDBusServer builds a server which will relay events from the given bus.
func NewDBusServer(b *Bus, counter OpCounter) *DBusServer {
	return &DBusServer{bus: b, counter: counter}
}

// Start connects to the session bus, exports the status object, and begins
// relaying signals.
func (s *DBusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("could not connect to D-Bus session bus: %w", err)
	}
	s.conn = conn

	reply, err := conn.RequestName(DBusInterface, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("could not request D-Bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		log.Warn().Msgf("D-Bus name already taken: %v. Continuing without primary ownership.", reply)
	}

	if err := conn.Export(s, DBusObjectPath, DBusInterface); err != nil {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("could not export D-Bus object: %w", err)
	}
	node := &introspect.Node{
		Name: DBusObjectPath,
		Interfaces: []introspect.Interface{
			{
				Name: DBusInterface,
				Methods: []introspect.Method{
					{
						Name: "GetPendingOpCount",
						Args: []introspect.Arg{
							{Name: "count", Type: "u", Direction: "out"},
						},
					},
				},
				Signals: []introspect.Signal{
					{
						Name: "SyncSignal",
						Args: []introspect.Arg{
							{Name: "signal", Type: "s"},
							{Name: "sender", Type: "s"},
							{Name: "detail", Type: "s"},
						},
					},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), DBusObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("could not export introspection data: %w", err)
	}

	s.sub = s.bus.Subscribe("dbus")
	s.started = true
	s.wg.Add(1)
	go s.relayLoop()

	log.Info().Msg("D-Bus signal server started.")
	return nil
}

func (s *DBusServer) relayLoop() {
	defer s.wg.Done()
	for {
		ev, ok := s.sub.Next()
		if !ok {
			return
		}
		detail := ev.Msg
		if detail == "" && ev.Node != nil {
			detail = ev.Node.Identifier().String()
		}
		if err := s.conn.Emit(DBusObjectPath, DBusInterface+".SyncSignal",
			ev.Signal.String(), ev.Sender, detail); err != nil {
			log.Error().Err(err).Str("signal", ev.Signal.String()).Msg("Failed to emit D-Bus signal.")
		}
	}
}

// GetPendingOpCount returns the number of ops still in the graph.
func (s *DBusServer) GetPendingOpCount() (uint32, *dbus.Error) {
	if s.counter == nil {
		return 0, nil
	}
	return uint32(s.counter.PendingOpCount()), nil
}

// Stop disconnects from the bus and stops relaying.
func (s *DBusServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.bus.Unsubscribe(s.sub)
	s.wg.Wait()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close D-Bus connection.")
		}
		s.conn = nil
	}
	s.started = false
	log.Info().Msg("D-Bus signal server stopped.")
}
