package splice

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"pipelined.dev/splice/graph"
	"pipelined.dev/splice/log"
	"pipelined.dev/splice/metric"
)

// monitor consumes lifecycle messages of the graph. End of stream and
// error are terminal: the graph is driven to Null and monitor returns.
type monitor struct {
	graph   *graph.Graph
	flag    *StopFlag
	mutator *Mutator
	handles *handles
	metrics *metric.Relay
	log     log.Logger
}

func (m *monitor) run(ctx context.Context) error {
	bus := m.graph.Bus()
	for {
		msg, err := bus.Pop(ctx)
		if err != nil {
			m.flag.Raise()
			m.shutdown()
			return fmt.Errorf("forced shutdown: %w", err)
		}
		switch msg.Type {
		case graph.MessageEOS:
			m.log.Info("end of stream")
			m.shutdown()
			return nil
		case graph.MessageError:
			m.flag.Raise()
			m.metrics.UpstreamErrors.WithLabelValues(m.kind(msg.Source)).Inc()
			m.log.WithError(msg.Err).WithField("stage", msg.Source).Error("upstream error")
			if m.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
				m.log.Debugf("topology at error:\n%s", m.graph.Topology().Dump())
			}
			m.shutdown()
			return &UpstreamError{
				Source: msg.Source,
				Err:    msg.Err,
				Debug:  msg.Debug,
			}
		case graph.MessageStateChanged:
			if msg.Source == m.graph.Name() {
				m.log.Infof("state changed %v -> %v", msg.Old, msg.New)
			} else {
				m.log.WithField("stage", msg.Source).Debugf("state changed %v -> %v", msg.Old, msg.New)
			}
		}
	}
}

// shutdown stops accepting structural changes and stops the graph.
func (m *monitor) shutdown() {
	m.mutator.Close()
	if err := m.graph.SetState(graph.Null); err != nil {
		m.log.WithError(err).Warn("stop graph")
	}
	m.handles.retire(m.graph.ID())
}

func (m *monitor) kind(source string) string {
	if s := m.graph.ByName(source); s != nil {
		return s.Kind()
	}
	return "unknown"
}
