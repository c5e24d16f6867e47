// Package shutdown stops a runtime process in phases.
//
// Handlers are registered with a phase; lower phases run first and the
// handlers of one phase run concurrently. A runtime process typically
// registers:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterWithPhase("metrics-http", shutdown.HandlerFunc(srv.Shutdown), shutdown.PhaseIngress)
//	coord.RegisterWithPhase("app", shutdown.CloseAndWait(a), shutdown.PhaseApp)
//	coord.RegisterWithPhase("tracing", shutdown.HandlerFunc(provider.Shutdown), shutdown.PhaseFlush)
//	coord.HandleSignals()
//	<-coord.Done()
//
// Every handler gets the same context, cancelled at the shutdown timeout.
// Handler errors are combined into the result; a timeout is reported as
// TIMEOUT.
package shutdown
