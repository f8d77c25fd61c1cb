package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exposed on the internal
// metrics port. All methods are safe for concurrent use.
type Metrics struct {
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	framesReceived       *prometheus.CounterVec
	framesSent           *prometheus.CounterVec
	commandErrors        *prometheus.CounterVec
	notificationsFanned  *prometheus.CounterVec
	messagesStored       prometheus.Counter
	messagesDeleted      prometheus.Counter
	accountsRegistered   prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics returns the process-wide metrics set, registering it with
// the default registry on first call. Instruments can only be
// registered once per process, so all servers share one set.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = newMetrics()
	})
	return sharedMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pigeonhole_active_sessions",
			Help: "Number of currently connected websocket sessions",
		}),
		sessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pigeonhole_sessions_created_total",
			Help: "Total number of websocket sessions accepted",
		}),
		sessionsDisconnected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pigeonhole_sessions_disconnected_total",
			Help: "Total number of websocket sessions closed",
		}),
		framesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonhole_frames_received_total",
			Help: "Total command frames received, by command",
		}, []string{"command"}),
		framesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonhole_frames_sent_total",
			Help: "Total frames sent to clients, by kind",
		}, []string{"kind"}),
		commandErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonhole_command_errors_total",
			Help: "Total failed commands, by command and error",
		}, []string{"command", "error"}),
		notificationsFanned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonhole_notifications_total",
			Help: "Total notification frames fanned out, by kind",
		}, []string{"kind"}),
		messagesStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pigeonhole_messages_stored_total",
			Help: "Total messages accepted into conversations",
		}),
		messagesDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pigeonhole_messages_deleted_total",
			Help: "Total messages deleted from conversations",
		}),
		accountsRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pigeonhole_accounts_registered_total",
			Help: "Total accounts created via /register",
		}),
	}
}

// RecordActiveSessions updates the active session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordFrameReceived tracks a received command frame
func (m *Metrics) RecordFrameReceived(command string) {
	m.framesReceived.WithLabelValues(command).Inc()
}

// RecordFrameSent tracks a sent frame by kind (response, notification, transport error)
func (m *Metrics) RecordFrameSent(kind string) {
	m.framesSent.WithLabelValues(kind).Inc()
}

// RecordCommandError tracks a command that failed validation or execution
func (m *Metrics) RecordCommandError(command, errText string) {
	m.commandErrors.WithLabelValues(command, errText).Inc()
}

// RecordNotification tracks a notification frame fanned out to a session
func (m *Metrics) RecordNotification(kind string) {
	m.notificationsFanned.WithLabelValues(kind).Inc()
}

// RecordMessageStored increments the stored message counter
func (m *Metrics) RecordMessageStored() {
	m.messagesStored.Inc()
}

// RecordMessageDeleted increments the deleted message counter
func (m *Metrics) RecordMessageDeleted() {
	m.messagesDeleted.Inc()
}

// RecordAccountRegistered increments the account registration counter
func (m *Metrics) RecordAccountRegistered() {
	m.accountsRegistered.Inc()
}
