// Package mailbox carries protocol messages between workflow participants.
//
// Every message is an immutable [Message] envelope with a typed [Payload];
// there is one payload struct per [MessageType]. A single [Router] is built
// at startup and handed to every participant. It is the only routing
// context: participants register an inbox, send through the router and read
// from their channel.
//
// # Delivery
//
// Delivery is at-most-once per inbox. The router never blocks on a slow
// participant: when an inbox is full the message is dropped for that
// recipient, logged, and a [event.MessageDroppedEvent] is published. A task
// whose message was dropped stalls rather than corrupting state.
//
// [Router.Observe] lets the workflow coordinator project every accepted
// message in global send order. Observers must not call [Router.Send].
//
// # Journal
//
// With [WithStore], accepted messages are appended to
// <data_dir>/mailbox/<recipient>/index.jsonl:
//
//	<data_dir>/mailbox/
//	├── broadcast/index.jsonl
//	├── auditor/index.jsonl
//	└── client/index.jsonl
//
// [Follow] tails a participant's journal using fsnotify, with a slow poll as
// a fallback.
package mailbox
