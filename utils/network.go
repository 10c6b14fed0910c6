package utils

import (
	"net"
	"sync"
	"time"

	ping "github.com/prometheus-community/pro-bing"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// probeFailThreshold is how many consecutive missed probes flip a live
// link to offline. A single lost packet is not an outage.
const probeFailThreshold = 3

// NetworkMonitor polls link state via netlink and internet
// reachability via ICMP, caches the latest snapshot and broadcasts
// network_status transitions to WebSocket clients.
type NetworkMonitor struct {
	log      *zap.Logger
	hub      *WebSocketHub
	iface    string
	host     string
	interval time.Duration

	mu     sync.RWMutex
	status NetworkStatus

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

func NewNetworkMonitor(log *zap.Logger, hub *WebSocketHub, iface, host string, interval time.Duration) *NetworkMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &NetworkMonitor{
		log:      log,
		hub:      hub,
		iface:    iface,
		host:     host,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the poll loop.
func (m *NetworkMonitor) Start() {
	go m.run()
}

// Stop halts polling and waits for the loop to exit.
func (m *NetworkMonitor) Stop() {
	m.closeOnce.Do(func() { close(m.stopChan) })
	<-m.doneChan
}

// Status returns the latest snapshot.
func (m *NetworkMonitor) Status() NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *NetworkMonitor) run() {
	defer close(m.doneChan)

	failCount := 0
	online := false
	first := true

	apply := func(st NetworkStatus) {
		if st.Online {
			failCount = 0
		} else {
			failCount++
			if online && failCount < probeFailThreshold {
				st.Online = true
			}
		}

		m.mu.Lock()
		prev := m.status
		m.status = st
		m.mu.Unlock()

		changed := first ||
			prev.Online != st.Online ||
			prev.Up != st.Up ||
			prev.OperState != st.OperState
		first = false
		online = st.Online

		if changed {
			m.log.Info("network: status",
				zap.String("iface", st.Interface),
				zap.Bool("up", st.Up),
				zap.Bool("online", st.Online))
			m.hub.Broadcast(WebSocketEvent{
				Type:      "network_status",
				Timestamp: st.CheckedAt,
				Payload:   st,
			})
		}
	}

	apply(m.check())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			apply(m.check())
		}
	}
}

func (m *NetworkMonitor) check() NetworkStatus {
	st := NetworkStatus{Interface: m.iface, CheckedAt: time.Now().UTC()}

	link, err := netlink.LinkByName(m.iface)
	if err != nil {
		m.log.Debug("network: link lookup failed",
			zap.String("iface", m.iface),
			zap.Error(err))
	} else {
		st.Up = link.Attrs().Flags&net.FlagUp != 0
		st.OperState = link.Attrs().OperState.String()
	}

	pinger, err := ping.NewPinger(m.host)
	if err != nil {
		m.log.Debug("network: pinger init failed", zap.Error(err))
		return st
	}
	pinger.Count = 1
	pinger.Timeout = 1 * time.Second
	pinger.Interval = 1 * time.Second
	pinger.SetPrivileged(true)
	if err := pinger.Run(); err != nil {
		m.log.Debug("network: probe failed", zap.Error(err))
		return st
	}
	if stats := pinger.Statistics(); stats.PacketsRecv > 0 {
		st.Online = true
		st.LatencyMs = float64(stats.AvgRtt) / float64(time.Millisecond)
	}
	return st
}
