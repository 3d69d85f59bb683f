package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-wake/internal/bus"
	"github.com/loqalabs/loqa-wake/internal/config"
	"github.com/loqalabs/loqa-wake/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// StatusFunc reports the local listener status for each heartbeat.
type StatusFunc func() protocol.ListenerStatus

// Node is the last known listener status of a node on the bus.
type Node struct {
	Status   protocol.ListenerStatus `json:"status"`
	Role     string                  `json:"role,omitempty"`
	LastSeen time.Time               `json:"last_seen"`
	Healthy  bool                    `json:"healthy"`
}

// Tracker heartbeats the local listener status and keeps track of every
// voice node heard on voice.status.*.
type Tracker struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	status StatusFunc

	mu    sync.RWMutex
	nodes map[string]*Node

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
}

func New(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, status StatusFunc, log *slog.Logger) (*Tracker, error) {
	if busClient == nil {
		return nil, fmt.Errorf("presence requires a bus client")
	}
	if status == nil {
		return nil, fmt.Errorf("presence requires a status function")
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		cfg:    cfg,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		status: status,
		nodes:  make(map[string]*Node),
		cancel: cancel,
		meter:  otel.Meter("github.com/loqalabs/loqa-wake/presence"),
	}

	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectStatusPrefix+".*", t.handleStatus)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe status: %w", err)
	}
	t.subs = append(t.subs, sub)

	if err := t.publishHeartbeat(); err != nil {
		t.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}

	t.wg.Add(2)
	go t.runHeartbeat(ctx)
	go t.monitorHealth(ctx)
	return t, nil
}

func (t *Tracker) Close() {
	t.cancel()
	for _, sub := range t.subs {
		_ = sub.Drain()
	}
	t.wg.Wait()
}

func (t *Tracker) runHeartbeat(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(time.Duration(t.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.publishHeartbeat(); err != nil {
				t.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (t *Tracker) monitorHealth(ctx context.Context) {
	defer t.wg.Done()
	interval := time.Duration(t.cfg.HeartbeatInterval) * time.Millisecond
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.evaluateHealth(now)
		}
	}
}

func (t *Tracker) publishHeartbeat() error {
	status := t.status()
	status.NodeID = t.cfg.ID
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	return t.bus.PublishJSON(protocol.StatusSubject(t.cfg.ID), status)
}

func (t *Tracker) handleStatus(msg *nats.Msg) {
	var status protocol.ListenerStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.log.Warn("invalid status message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if status.NodeID == "" {
		return
	}
	t.update(status, time.Now().UTC())
}

func (t *Tracker) update(status protocol.ListenerStatus, seen time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[status.NodeID]
	if !ok {
		node = &Node{}
		t.nodes[status.NodeID] = node
		t.log.Info("voice node discovered", slog.String("node_id", status.NodeID), slog.String("state", status.State))
	}
	if status.NodeID == t.cfg.ID {
		node.Role = t.cfg.Role
	}
	node.Status = status
	node.LastSeen = seen
	node.Healthy = true
}

func (t *Tracker) evaluateHealth(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	timeout := time.Duration(t.cfg.HeartbeatTimeout) * time.Millisecond
	for id, node := range t.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			t.log.Warn("voice node missed heartbeats", slog.String("node_id", id))
		}
	}
}

// Healthy reports whether the local node's own heartbeats are arriving.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[t.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns the known nodes that satisfy filter, or all of them.
func (t *Tracker) Nodes(filter func(Node) bool) map[string]Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Node, len(t.nodes))
	for id, node := range t.nodes {
		if filter == nil || filter(*node) {
			out[id] = *node
		}
	}
	return out
}

// Listening matches healthy nodes whose listener is running.
func Listening(n Node) bool {
	return n.Healthy && n.Status.Available && n.Status.State == "listening"
}

func (t *Tracker) initMetrics() error {
	nodes, err := t.meter.Int64ObservableGauge("loqa.voice.nodes", metric.WithDescription("Voice nodes heard on the bus"))
	if err != nil {
		return err
	}
	listening, err := t.meter.Int64ObservableGauge("loqa.voice.nodes_listening", metric.WithDescription("Healthy voice nodes with a running listener"))
	if err != nil {
		return err
	}
	_, err = t.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, active := t.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(listening, active)
		return nil
	}, nodes, listening)
	return err
}

func (t *Tracker) snapshotCounts() (int64, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total, active int64
	for _, node := range t.nodes {
		total++
		if Listening(*node) {
			active++
		}
	}
	return total, active
}
