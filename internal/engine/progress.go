package engine

import (
	"sync"
	"time"

	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
)

// EventType represents the type of progress event.
type EventType string

const (
	EventExecutionStart    EventType = "execution_start"
	EventNodeProgress      EventType = "node_progress"
	EventExecutionComplete EventType = "execution_complete"
)

// ProgressSnapshot summarizes run progress at the moment an event fired.
type ProgressSnapshot struct {
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ProgressEvent is a single execution progress update. Node events carry
// NodeID, NodeLabel, Status and a Progress snapshot; lifecycle events carry
// the run-level counters instead.
type ProgressEvent struct {
	Type       EventType         `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	NodeID     string            `json:"nodeId,omitempty"`
	NodeLabel  string            `json:"nodeLabel,omitempty"`
	Status     NodeStatus        `json:"status,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Error      string            `json:"error,omitempty"`
	TotalNodes int               `json:"total_nodes,omitempty"`
	Completed  int               `json:"completed,omitempty"`
	Failed     int               `json:"failed,omitempty"`
	Progress   *ProgressSnapshot `json:"progress,omitempty"`
}

// NewExecutionStartEvent announces that a run has begun.
func NewExecutionStartEvent(totalNodes int) ProgressEvent {
	return ProgressEvent{
		Type:       EventExecutionStart,
		Timestamp:  time.Now().UnixMilli(),
		TotalNodes: totalNodes,
	}
}

// NewNodeEvent reports one node's status change.
func NewNodeEvent(node *flow.Node, status NodeStatus, snapshot ProgressSnapshot) ProgressEvent {
	return ProgressEvent{
		Type:      EventNodeProgress,
		Timestamp: time.Now().UnixMilli(),
		NodeID:    node.ID,
		NodeLabel: node.DisplayLabel(),
		Status:    status,
		Progress:  &snapshot,
	}
}

// NewExecutionCompleteEvent announces that a run has finished.
func NewExecutionCompleteEvent(completed, failed, total int, duration time.Duration) ProgressEvent {
	return ProgressEvent{
		Type:       EventExecutionComplete,
		Timestamp:  time.Now().UnixMilli(),
		Completed:  completed,
		Failed:     failed,
		TotalNodes: total,
		DurationMS: duration.Milliseconds(),
	}
}

// ProgressSink receives progress events from a running flow.
type ProgressSink interface {
	Publish(event ProgressEvent)
}

// ProgressFunc adapts a plain function to a ProgressSink.
type ProgressFunc func(event ProgressEvent)

func (f ProgressFunc) Publish(event ProgressEvent) { f(event) }

// Broadcaster fans progress events out to attached sinks. Sinks attached
// mid-run receive only events published after attachment.
type Broadcaster struct {
	mu    sync.RWMutex
	sinks []ProgressSink
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Attach registers a sink for future events.
func (b *Broadcaster) Attach(sink ProgressSink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Publish delivers the event to every attached sink.
func (b *Broadcaster) Publish(event ProgressEvent) {
	b.mu.RLock()
	sinks := make([]ProgressSink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, sink := range sinks {
		sink.Publish(event)
	}
}

// LogSink writes progress events to the structured logger.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a sink that logs every event.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(event ProgressEvent) {
	switch event.Type {
	case EventExecutionStart:
		s.log.Info("execution started", "total_nodes", event.TotalNodes)
	case EventExecutionComplete:
		s.log.Info("execution complete",
			"completed", event.Completed,
			"failed", event.Failed,
			"total", event.TotalNodes,
			"duration_ms", event.DurationMS)
	default:
		if event.Error != "" {
			s.log.Warn("node failed",
				"node_id", event.NodeID,
				"node_label", event.NodeLabel,
				"error", event.Error)
			return
		}
		s.log.Debug("node progress",
			"node_id", event.NodeID,
			"node_label", event.NodeLabel,
			"status", string(event.Status))
	}
}
