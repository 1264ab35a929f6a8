// Package event provides a synchronous pub-sub bus and the events exchanged
// between the escrow ledger, the workflow coordinator and their observers.
//
// # Main Types
//
//   - [Event]: Interface that all events implement, providing EventType() and Timestamp()
//   - [TaskScoped]: Events that belong to one task expose EventTaskID()
//   - [Bus]: Synchronous dispatcher, safe for concurrent use
//
// # Event Categories
//
// Ledger events, emitted after a ledger operation commits:
//   - [EscrowCreatedEvent], [ProofSubmittedEvent], [ProofVerifiedEvent]
//   - [MilestoneReleasedEvent], [EscrowCompletedEvent]
//   - [DisputeRaisedEvent], [DisputeResolvedEvent], [EscrowRefundedEvent]
//   - [ReputationUpdatedEvent]
//
// Workflow events:
//   - [WorkflowTransitionEvent], [ExecutionFailedEvent]
//   - [MediationEscalatedEvent], [MessageSentEvent], [MessageDroppedEvent], [BudgetWarningEvent]
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//
//	bus.Subscribe(event.TypeReputationUpdated, func(e event.Event) {
//	    u := e.(event.ReputationUpdatedEvent)
//	    fmt.Printf("%s: %d -> %d\n", u.Agent, u.Old, u.New)
//	})
//
//	bus.SubscribeAll(func(e event.Event) {
//	    logger.Debug("event", "type", e.EventType())
//	})
//
// Handlers run on the publisher's goroutine. A handler that panics is logged
// and does not prevent delivery to the remaining handlers.
package event
