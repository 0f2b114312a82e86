// Package pipeline relays live audio from an external encoder process to
// HTTP clients, one encoder per client.
//
// # Core Components
//
//   - Launcher and Process: start the encoder (ffmpeg by default) with its
//     audio on stdout and its diagnostics captured from stderr
//   - Session: the relay loop for one client, which owns one encoder and
//     always terminates and reaps it before returning
//   - Manager: opens sessions, enforces the session limit, runs post-session
//     hooks (history, events, alerts) and drains everything on shutdown
//   - Metrics: Prometheus collectors for sessions, bytes and HTTP requests
//   - Logger: structured logging backed by zap
//
// # Usage Example
//
//	manager, err := pipeline.NewManager(pipeline.ManagerConfig{
//		Source:  "virtual_sink.monitor",
//		Encoder: pipeline.DefaultEncoderConfig(),
//	}, pipeline.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//
//	session, err := manager.Open(r.Context(), r.RemoteAddr)
//	if err != nil {
//		return err
//	}
//	defer session.Close()
//
//	summary := session.Relay(sink)
//	logger.Info("Relayed", pipeline.Int64("bytes", summary.Bytes))
//
// Relay reads at most one chunk ahead of the client: a slow reader stalls the
// encoder instead of growing a buffer.
package pipeline
