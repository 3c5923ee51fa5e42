// Package shutdown coordinates graceful teardown of the governance layer.
//
// Every subsystem runs background loops (registration-expiry sweep,
// health checker, correlation-rule processor, session-deadline monitor)
// that must be joined deterministically at process exit. The Coordinator
// collects their close functions, groups them into phases, and runs each
// phase's handlers concurrently while phases execute in order:
//
//	coord := shutdown.New(shutdown.DefaultConfig())
//	coord.RegisterFunc("event-feed", feed.Shutdown, shutdown.PhaseFrontend)
//	coord.Register("consensus", shutdown.Closer(coordinator.Close), shutdown.PhaseCoordinators)
//	coord.Register("discovery", shutdown.Closer(svc.Close), shutdown.PhaseBackground)
//	coord.Register("bus", shutdown.Closer(b.Close), shutdown.PhaseBacking)
//	coord.HandleSignals()
//	<-coord.Done()
//
// Ordering matters: outward-facing surfaces stop first so no new work
// arrives, orchestrators next so they stop issuing discovery and event
// calls, leaf subsystems after that, and the backing broker/store last.
package shutdown
