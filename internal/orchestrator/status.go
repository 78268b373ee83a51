package orchestrator

import "time"

// Status is a point-in-time snapshot of the worker, served on /statusz.
type Status struct {
	Connected           bool    `json:"connected"`
	SessionID           string  `json:"session_id,omitempty"`
	Epoch               int     `json:"epoch"`
	InFlight            int     `json:"in_flight"`
	Capacity            int     `json:"capacity"`
	Pending             int     `json:"pending"`
	Breaker             string  `json:"breaker"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Backpressure        string  `json:"backpressure"`
	SegmenterState      string  `json:"segmenter_state"`
	AccumulatedSeconds  float64 `json:"accumulated_seconds"`
	Draining            bool    `json:"draining"`
}

// view is the loop's last published snapshot.
type view struct {
	status Status
}

// publishView copies loop-owned state into the shared snapshot. Only the
// loop goroutine calls it.
func (o *Orchestrator) publishView() {
	st := Status{
		Connected:      o.connected,
		InFlight:       o.tracker.InFlight(),
		Capacity:       o.tracker.Capacity(),
		Pending:        len(o.pending),
		Backpressure:   o.bp.Current().Action.String(),
		SegmenterState: o.seg.State().String(),
		Draining:       o.draining,
	}
	if o.sess != nil {
		st.SessionID = o.sess.ID
		st.Epoch = o.sess.Epoch
	}
	snap := o.breaker.Snapshot()
	st.Breaker = snap.State.String()
	st.ConsecutiveFailures = snap.ConsecutiveFailures
	st.AccumulatedSeconds = roundSeconds(o.seg.Stats().AccumulatedDuration)

	o.mu.Lock()
	o.view.status = st
	o.mu.Unlock()
}

// Status returns the most recent snapshot. It is safe to call from any
// goroutine.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.status
}

// Connected reports whether the last snapshot had a live peer session.
func (o *Orchestrator) Connected() bool {
	return o.Status().Connected
}

func roundSeconds(d time.Duration) float64 {
	return d.Round(time.Millisecond).Seconds()
}
