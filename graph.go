package tradewind

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Node names. The projection layer and the routing function key on these,
// so the set is closed; an unknown name flowing through the graph is a bug.
const (
	NodeAgent              = "agent"
	NodeMaxQueriesExceeded = "max_queries_exceeded"

	NodeExtractToolQuestion = "extract_tool_question"
	NodeExtractProducts     = "extract_products"
	NodeLookupCodes         = "lookup_codes"
	NodeGetTableInfo        = "get_table_info"
	NodeGenerateSQL         = "generate_sql"
	NodeValidateSQL         = "validate_sql"
	NodeExecuteSQL          = "execute_sql"
	NodeFormatResults       = "format_results"

	NodeExtractGraphQLQuestion = "extract_graphql_question"
	NodeClassifyQuery          = "classify_query"
	NodeExtractEntities        = "extract_entities"
	NodeResolveIDs             = "resolve_ids"
	NodeBuildAndExecuteGraphQL = "build_and_execute_graphql"
	NodeFormatGraphQLResults   = "format_graphql_results"

	NodeExtractDocsQuestion = "extract_docs_question"
	NodeAnswerFromDocs      = "answer_from_docs"
	NodeFormatDocsResults   = "format_docs_results"

	// End terminates graph execution.
	End = "__end__"
)

// NodeFunc is one unit of graph work. Nodes mutate the state they are given;
// the graph serializes node execution, so no locking is needed inside.
type NodeFunc func(ctx context.Context, s *State, emit EmitFunc) error

// NodeRetry bounds re-execution of a node whose work is model-backed and
// occasionally fails transiently.
type NodeRetry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type graphNode struct {
	name  string
	run   NodeFunc
	retry *NodeRetry
}

// Graph is an explicit state machine: named nodes, static edges, and
// conditional routing functions. Execution is sequential; there is no
// parallelism across nodes within one request.
type Graph struct {
	nodes    map[string]*graphNode
	edges    map[string]string
	routers  map[string]func(*State) string
	entry    string
	maxSteps int
	logger   *slog.Logger
	tracer   Tracer
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// GraphLogger sets the structured logger for step execution.
func GraphLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) { g.logger = l }
}

// GraphTracer sets the tracer; each node execution becomes a span.
func GraphTracer(t Tracer) GraphOption {
	return func(g *Graph) { g.tracer = t }
}

// GraphMaxSteps bounds total node executions per run as a runaway guard.
// The agent/pipeline loop is cyclic; the bound should be the per-turn tool
// budget times the longest pipeline, plus slack for the nudge and exceeded
// paths. Default 64.
func GraphMaxSteps(n int) GraphOption {
	return func(g *Graph) { g.maxSteps = n }
}

// NewGraph creates an empty graph whose execution starts at entry.
func NewGraph(entry string, opts ...GraphOption) *Graph {
	g := &Graph{
		nodes:    map[string]*graphNode{},
		edges:    map[string]string{},
		routers:  map[string]func(*State) string{},
		entry:    entry,
		maxSteps: 64,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddNode registers a node under name.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = &graphNode{name: name, run: fn}
	return g
}

// AddRetryNode registers a node whose execution is retried with exponential
// backoff on error, up to retry.MaxAttempts.
func (g *Graph) AddRetryNode(name string, fn NodeFunc, retry NodeRetry) *Graph {
	g.nodes[name] = &graphNode{name: name, run: fn, retry: &retry}
	return g
}

// AddEdge registers a static transition from one node to the next.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddRouter registers a conditional transition: after from completes, route
// is called with the state and returns the next node name (or End).
func (g *Graph) AddRouter(from string, route func(*State) string) *Graph {
	g.routers[from] = route
	return g
}

// Run executes the graph from the entry node until End. Events are emitted
// into emit; checkpoint, when non-nil, is called after every node (the step
// boundary). Node errors abort the run.
func (g *Graph) Run(ctx context.Context, s *State, emit EmitFunc, checkpoint func(context.Context, *State) error) error {
	if emit == nil {
		emit = nopEmit
	}
	cur := g.entry
	for steps := 0; cur != End; steps++ {
		if steps >= g.maxSteps {
			return fmt.Errorf("graph: aborted after %d steps at node %q", steps, cur)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		node, ok := g.nodes[cur]
		if !ok {
			return fmt.Errorf("graph: unknown node %q", cur)
		}

		if cur != NodeAgent {
			emit(Event{Type: EventNodeStart, Source: cur, Payload: NodeStartEvent{Node: cur}})
		}
		if err := g.runNode(ctx, node, s, emit); err != nil {
			return fmt.Errorf("graph: node %s: %w", cur, err)
		}
		if snap, ok := ProjectState(cur, s); ok {
			emit(Event{Type: EventPipelineState, Source: cur, Payload: snap})
		}
		if checkpoint != nil {
			if err := checkpoint(ctx, s); err != nil {
				g.logger.Warn("checkpoint write failed", "node", cur, "error", err)
			}
		}
		cur = g.next(cur, s)
	}
	return nil
}

// runNode executes one node, honoring its retry policy and tracing.
func (g *Graph) runNode(ctx context.Context, node *graphNode, s *State, emit EmitFunc) error {
	var span Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "graph.node", StringAttr("node", node.name))
		defer span.End()
	}
	start := time.Now()

	attempts := 1
	base := time.Duration(0)
	if node.retry != nil {
		attempts = node.retry.MaxAttempts
		base = node.retry.BaseDelay
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(retryBackoff(base, i-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			g.logger.Warn("retrying node", "node", node.name, "attempt", i+1, "max_attempts", attempts)
		}
		err = node.run(ctx, s, emit)
		if err == nil {
			break
		}
	}

	g.logger.Debug("node finished",
		"node", node.name,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)
	if span != nil && err != nil {
		span.Error(err)
	}
	return err
}

// next resolves the transition out of a completed node. A router takes
// precedence over a static edge; a node with neither ends the run.
func (g *Graph) next(from string, s *State) string {
	if route, ok := g.routers[from]; ok {
		return route(s)
	}
	if to, ok := g.edges[from]; ok {
		return to
	}
	return End
}
