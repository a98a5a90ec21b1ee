// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package commux

import "expvar"

// aggMetrics record aggregator activity counters.
type aggMetrics struct {
	packetRecv      expvar.Int
	packetSent      expvar.Int
	packetDropped   expvar.Int // failed validation or could not be delivered
	framesCombined  expvar.Int // reassembled from fragments
	framesRetained  expvar.Int // held for a communicator not yet active
	framesDelivered expvar.Int
	feedbackSent    expvar.Int // synthesized error responses
	probesSent      expvar.Int // version negotiation frames
	tasksQueued     expvar.Int
	tasksFailed     expvar.Int // send tasks that finished with an error
	waitRetry       expvar.Int // sends deferred by adapter backpressure

	emap *expvar.Map
}

func newAggMetrics() *aggMetrics {
	m := &aggMetrics{emap: new(expvar.Map)}
	m.emap.Set("packets_received", &m.packetRecv)
	m.emap.Set("packets_sent", &m.packetSent)
	m.emap.Set("packets_dropped", &m.packetDropped)
	m.emap.Set("frames_combined", &m.framesCombined)
	m.emap.Set("frames_retained", &m.framesRetained)
	m.emap.Set("frames_delivered", &m.framesDelivered)
	m.emap.Set("feedback_sent", &m.feedbackSent)
	m.emap.Set("probes_sent", &m.probesSent)
	m.emap.Set("tasks_queued", &m.tasksQueued)
	m.emap.Set("tasks_failed", &m.tasksFailed)
	m.emap.Set("send_wait_retry", &m.waitRetry)
	return m
}
