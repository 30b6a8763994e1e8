// Package engine implements the real-time re-tuning session: the pitch
// parameter controller, the per-block frame processor, the stream session
// state machine and the latency monitor.
//
// Two execution contexts meet here. The control context (CLI, HTTP, hot
// reload, terminal UI) starts and stops sessions and changes the target
// pitch at arbitrary times. The audio context is the driver thread that
// calls [Processor.Process] once per hardware period under a hard deadline.
// The only state they share is the pitch ratio ([Controller], a lock-free
// atomic word), the latency metric ([Latency], single writer), and a bounded
// event queue the audio context writes to without blocking. Everything else
// (logging, metrics, observer notification) happens on the control side.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine
