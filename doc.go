// Package tradewind routes natural-language questions to a trade-economics
// data platform and streams grounded answers back.
//
// A question enters through the HTTP layer, is assigned a conversation
// thread, and is handed to a stateful agent graph. The agent consults the
// model to pick one of three tools — a relational SQL pipeline against the
// trade database, a GraphQL pipeline against the two remote atlas APIs, or a
// local documentation lookup. The matching pipeline runs node by node, posts
// a tool-result message back into the shared state, and control returns to
// the agent, which either issues another tool call or produces the final
// answer. Intermediate pipeline state is surfaced to clients as typed
// server-sent events.
//
// # Core pieces
//
// The root package defines the contracts and the domain core:
//
//   - [State] — the single dictionary flowing through every graph node
//   - [Graph] — explicit state machine: named nodes plus a transition table
//   - [Catalog] — lazy-loaded, TTL-bounded, multi-index entity catalogs
//   - [BudgetTracker] — sliding-window API budget with consume-on-success
//   - [CircuitBreaker] — three-state failure gate for the remote APIs
//   - [Provider] and [Model] — LLM backend and structured-output helpers
//   - [CheckpointStore] and [ConversationStore] — cross-turn persistence
//   - [Runner] — blocking and streaming execution surfaces
//
// # Included implementations
//
// Providers: provider/openaicompat (any OpenAI-compatible API).
// Remote APIs: atlas (explore and countryPages GraphQL endpoints).
// Storage: store/postgres (pgx), store/sqlite (local fallback).
// Documentation: corpus (markdown, HTML, and PDF loaders).
// Telemetry: observer (OpenTelemetry traces, metrics, logs).
//
// See cmd/tradewind for the composed service binary.
package tradewind
