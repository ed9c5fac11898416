package transport

import (
	"context"
	"encoding/json"
	"sync"

	"fieldchat/internal/protocol"
)

// User-facing connection status messages. The transport error itself is
// appended where it helps; views render these verbatim.
const (
	msgConnectPrefix   = "Ошибка подключения: "
	msgConnectionLost  = "Соединение с сервером потеряно"
	msgReconnectFailed = "Не удалось восстановить соединение"
)

// Monitor is a per-application view over the shared Conn: a connected flag
// and the last normalized error, kept current from lifecycle events. Start
// is guarded so that any number of concurrent consumers trigger exactly one
// connection attempt and one set of handler registrations.
type Monitor struct {
	conn *Conn
	once sync.Once

	mu        sync.Mutex
	connected bool
	errMsg    string
}

func NewMonitor(conn *Conn) *Monitor {
	return &Monitor{conn: conn}
}

// Start registers the lifecycle handlers and establishes the connection.
// Only the first call does anything; subsequent calls return nil.
func (m *Monitor) Start(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		m.conn.Subscribe(protocol.EventConnect, func(json.RawMessage) {
			m.set(true, "")
		})
		m.conn.Subscribe(protocol.EventReconnect, func(json.RawMessage) {
			m.set(true, "")
		})
		m.conn.Subscribe(protocol.EventDisconnect, func(data json.RawMessage) {
			var d protocol.Disconnect
			_ = json.Unmarshal(data, &d)
			if d.Requested {
				m.set(false, "")
				return
			}
			m.set(false, msgConnectionLost)
		})
		m.conn.Subscribe(protocol.EventConnectError, func(data json.RawMessage) {
			var e protocol.ConnectError
			_ = json.Unmarshal(data, &e)
			m.set(false, msgConnectPrefix+e.Error)
		})
		m.conn.Subscribe(protocol.EventReconnectFailed, func(json.RawMessage) {
			m.set(false, msgReconnectFailed)
		})

		err = m.conn.Connect(ctx)
	})
	return err
}

func (m *Monitor) set(connected bool, errMsg string) {
	m.mu.Lock()
	m.connected = connected
	m.errMsg = errMsg
	m.mu.Unlock()
}

// Status returns the connected flag and the last connection-level error
// ("" when healthy).
func (m *Monitor) Status() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected, m.errMsg
}

// Conn exposes the underlying connection for controllers. The handle is
// stable for the life of the monitor.
func (m *Monitor) Conn() *Conn {
	return m.conn
}
