package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead-letter statistics per channel, both as Prometheus
// collectors and as an in-process snapshot for the status API.
type DLQMetrics struct {
	mu sync.RWMutex

	channels map[string]*DLQChannelMetrics

	messagesTotal    *prometheus.CounterVec
	messagesCurrent  *prometheus.GaugeVec
	replayedTotal    *prometheus.CounterVec
	purgedTotal      *prometheus.CounterVec
	ageSeconds       *prometheus.HistogramVec
	deliveryCountHis *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
	now        func() time.Time
}

// DLQChannelMetrics holds dead-letter metrics for one channel.
type DLQChannelMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	MessagesPurged   uint64    `json:"messages_purged"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgDeliveryCount float64   `json:"avg_delivery_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of dead-letter metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                        `json:"total_messages"`
	TotalReplayed uint64                        `json:"total_replayed"`
	TotalPurged   uint64                        `json:"total_purged"`
	Channels      map[string]*DLQChannelMetrics `json:"channels"`
	CollectedAt   time.Time                     `json:"collected_at"`
}

func dlqOpts(name, help string) (string, string, string, string) {
	return "relayflow", "dlq", name, help
}

func newDLQCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	ns, sub, n, h := dlqOpts(name, help)
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Subsystem: sub, Name: n, Help: h}, labels)
}

func newDLQGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	ns, sub, n, h := dlqOpts(name, help)
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Subsystem: sub, Name: n, Help: h}, labels)
}

func newDLQHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	ns, sub, n, h := dlqOpts(name, help)
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Subsystem: sub, Name: n, Help: h, Buckets: buckets}, labels)
}

// NewDLQMetrics creates a dead-letter metrics collector. Collectors are
// registered on registerer by Register.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		channels:         make(map[string]*DLQChannelMetrics),
		registerer:       registerer,
		now:              time.Now,
		messagesTotal:    newDLQCounterVec("messages_total", "Total number of messages dead-lettered", []string{"channel", "message_type"}),
		messagesCurrent:  newDLQGaugeVec("messages_current", "Current number of messages in the dead-letter destination", []string{"channel"}),
		replayedTotal:    newDLQCounterVec("replayed_total", "Total number of dead letters replayed", []string{"channel"}),
		purgedTotal:      newDLQCounterVec("purged_total", "Total number of dead letters purged", []string{"channel"}),
		ageSeconds:       newDLQHistogramVec("message_age_seconds", "Time between enqueue and dead-lettering", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"channel"}),
		deliveryCountHis: newDLQHistogramVec("delivery_count", "Delivery count at the time the message was dead-lettered", []float64{1, 2, 3, 5, 10, 20}, []string{"channel"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.messagesCurrent,
		m.replayedTotal,
		m.purgedTotal,
		m.ageSeconds,
		m.deliveryCountHis,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordMessageToDLQ records a message being dead-lettered.
func (m *DLQMetrics) RecordMessageToDLQ(channel, messageType string, deliveryCount int, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cm := m.channelLocked(channel)
	cm.MessagesReceived++
	cm.MessagesCurrent++
	cm.LastUpdatedAt = now
	if cm.OldestMessageAt.IsZero() {
		cm.OldestMessageAt = now
	}
	cm.NewestMessageAt = now

	total := cm.MessagesReceived
	cm.AvgDeliveryCount = ((cm.AvgDeliveryCount * float64(total-1)) + float64(deliveryCount)) / float64(total)

	m.messagesTotal.WithLabelValues(channel, messageType).Inc()
	m.messagesCurrent.WithLabelValues(channel).Set(float64(cm.MessagesCurrent))
	if messageAge > 0 {
		m.ageSeconds.WithLabelValues(channel).Observe(messageAge.Seconds())
	}
	m.deliveryCountHis.WithLabelValues(channel).Observe(float64(deliveryCount))
}

// RecordMessagesReplayed records count dead letters being replayed.
func (m *DLQMetrics) RecordMessagesReplayed(channel string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cm := m.channelLocked(channel)
	cm.MessagesReplayed += uint64(count)
	cm.MessagesCurrent = subFloor(cm.MessagesCurrent, uint64(count))
	cm.LastUpdatedAt = m.now()

	m.replayedTotal.WithLabelValues(channel).Add(float64(count))
	m.messagesCurrent.WithLabelValues(channel).Set(float64(cm.MessagesCurrent))
}

// RecordMessagesPurged records count dead letters being purged.
func (m *DLQMetrics) RecordMessagesPurged(channel string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cm := m.channelLocked(channel)
	cm.MessagesPurged += uint64(count)
	cm.MessagesCurrent = subFloor(cm.MessagesCurrent, uint64(count))
	cm.LastUpdatedAt = m.now()

	m.purgedTotal.WithLabelValues(channel).Add(float64(count))
	m.messagesCurrent.WithLabelValues(channel).Set(float64(cm.MessagesCurrent))
}

// SetCurrentCount syncs the current count with the transport's own figure.
func (m *DLQMetrics) SetCurrentCount(channel string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cm := m.channelLocked(channel)
	cm.MessagesCurrent = count
	cm.LastUpdatedAt = m.now()

	m.messagesCurrent.WithLabelValues(channel).Set(float64(count))
}

// Snapshot returns a point-in-time copy of all channel metrics.
func (m *DLQMetrics) Snapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		Channels:    make(map[string]*DLQChannelMetrics, len(m.channels)),
		CollectedAt: m.now(),
	}
	for name, cm := range m.channels {
		c := *cm
		snapshot.Channels[name] = &c
		snapshot.TotalMessages += cm.MessagesCurrent
		snapshot.TotalReplayed += cm.MessagesReplayed
		snapshot.TotalPurged += cm.MessagesPurged
	}
	return snapshot
}

// ChannelMetrics returns a copy of one channel's metrics, nil if none were recorded.
func (m *DLQMetrics) ChannelMetrics(channel string) *DLQChannelMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if cm, ok := m.channels[channel]; ok {
		c := *cm
		return &c
	}
	return nil
}

func (m *DLQMetrics) channelLocked(channel string) *DLQChannelMetrics {
	if cm, ok := m.channels[channel]; ok {
		return cm
	}
	cm := &DLQChannelMetrics{}
	m.channels[channel] = cm
	return cm
}

func subFloor(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return 0
}
