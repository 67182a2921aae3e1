package splice

import (
	"pipelined.dev/splice/graph"
	"pipelined.dev/splice/log"
	"pipelined.dev/splice/metric"
)

// Interceptor observes items pushed through an output port. The callback
// is executed on the pushing goroutine: it must return immediately and
// must not change the graph.
type Interceptor struct {
	probe *graph.Probe
}

// Intercept installs fn on the port.
func Intercept(p *graph.Port, fn graph.ProbeFunc) *Interceptor {
	return &Interceptor{probe: p.AddProbe(fn)}
}

// Remove detaches the interceptor. Destroyed ports detach it implicitly.
func (i *Interceptor) Remove() {
	i.probe.Remove()
}

// watchdog counts data leaving the merge and reports end of stream
// which left it before stop.
func watchdog(flag *StopFlag, m *metric.Relay, l log.Logger) graph.ProbeFunc {
	return func(it graph.Item) graph.Disposition {
		switch v := it.(type) {
		case *graph.Buffer:
			m.Buffers.Inc()
			m.Samples.Add(float64(v.Size()))
		case graph.Event:
			if v.Type == graph.EOS && !flag.Raised() {
				m.Premature.Inc()
				l.Warn("premature end of stream")
			}
		}
		return graph.Pass
	}
}

// frameLog logs every buffer and event.
func frameLog(l log.Logger) graph.ProbeFunc {
	return func(it graph.Item) graph.Disposition {
		switch v := it.(type) {
		case *graph.Buffer:
			l.Infof("frame %v", v)
		case graph.Event:
			l.Infof("event %v", v)
		}
		return graph.Pass
	}
}
