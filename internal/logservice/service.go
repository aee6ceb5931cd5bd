// Package logservice implements the central log sink: every service forwards
// its WARN+ records here over RPC, and the sink keeps the most recent ones in
// memory for inspection.
package logservice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/rpc"
)

// RingSize is how many recent messages the sink retains.
const RingSize = 100

// Entry is one forwarded log record.
type Entry struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Component string    `json:"component"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// Service is the log sink. It registers its handlers on an rpc.Service and
// keeps a bounded ring of recent messages.
type Service struct {
	svc    *rpc.Service
	logger *slog.Logger

	mu   sync.Mutex
	ring []Entry // append-bounded, oldest first
}

// New builds the sink and registers its RPC methods.
func New(svc *rpc.Service, logger *slog.Logger) *Service {
	s := &Service{
		svc:    svc,
		logger: logger.With("component", "logservice"),
	}
	svc.Register("log", s.handleLog)
	svc.Register("last_messages", s.handleLastMessages)
	return s
}

// handleLog records one forwarded message. Called by every other service
// through the forwarding slog handler.
func (s *Service) handleLog(_ context.Context, data map[string]any) (any, error) {
	entry := Entry{
		Severity:  stringField(data, "severity"),
		Message:   stringField(data, "message"),
		Component: stringField(data, "component"),
		Service:   stringField(data, "service"),
		Timestamp: time.Now(),
	}
	if raw := stringField(data, "timestamp"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.Timestamp = ts
		}
	}

	// Echo the record into the sink's own output, prefixed with its origin.
	s.logger.Info("remote log",
		"severity", entry.Severity,
		"service", entry.Service,
		"remote_component", entry.Component,
		"message", entry.Message)

	s.mu.Lock()
	s.ring = append(s.ring, entry)
	if len(s.ring) > RingSize {
		s.ring = s.ring[len(s.ring)-RingSize:]
	}
	s.mu.Unlock()
	return true, nil
}

// handleLastMessages returns the retained ring, oldest first.
func (s *Service) handleLastMessages(_ context.Context, _ map[string]any) (any, error) {
	return s.Last(), nil
}

// Last returns a copy of the retained messages, oldest first.
func (s *Service) Last() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.ring...)
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

// Coord is the conventional coordinate of the single log sink shard.
var Coord = config.ServiceCoord{Name: "LogService", Shard: 0}
