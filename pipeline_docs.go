package tradewind

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tradewindhq/tradewind/corpus"
)

// DocsPipeline answers methodology and data-coverage questions from the
// reference documentation instead of the data backends. Docs lookups do not
// count against the per-turn query budget.
type DocsPipeline struct {
	model   *Model
	library *corpus.Library
	maxDocs int
	logger  *slog.Logger
}

// DocsPipelineOption configures a DocsPipeline.
type DocsPipelineOption func(*DocsPipeline)

// DocsMaxDocs caps how many documents are loaded into one answer. Default 3.
func DocsMaxDocs(n int) DocsPipelineOption {
	return func(p *DocsPipeline) { p.maxDocs = n }
}

// DocsLogger sets the structured logger.
func DocsLogger(l *slog.Logger) DocsPipelineOption {
	return func(p *DocsPipeline) { p.logger = l }
}

// NewDocsPipeline wires the docs pipeline to the model and a loaded library.
func NewDocsPipeline(model *Model, library *corpus.Library, opts ...DocsPipelineOption) *DocsPipeline {
	p := &DocsPipeline{
		model:   model,
		library: library,
		maxDocs: 3,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds the pipeline's three nodes to the graph.
func (p *DocsPipeline) Register(g *Graph) {
	retry := NodeRetry{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
	g.AddNode(NodeExtractDocsQuestion, p.ExtractQuestion)
	g.AddRetryNode(NodeAnswerFromDocs, p.Answer, retry)
	g.AddNode(NodeFormatDocsResults, p.FormatResults)

	g.AddEdge(NodeExtractDocsQuestion, NodeAnswerFromDocs)
	g.AddEdge(NodeAnswerFromDocs, NodeFormatDocsResults)
	g.AddEdge(NodeFormatDocsResults, NodeAgent)
}

// ExtractQuestion resets the docs fields and lifts the question out of the
// tool call.
func (p *DocsPipeline) ExtractQuestion(_ context.Context, s *State, _ EmitFunc) error {
	s.ResetDocs()
	tc, _, ok := firstToolCall(s)
	if !ok {
		return fmt.Errorf("docs pipeline: no tool call to process")
	}
	s.DocsQuestion, _ = parseToolArgs(tc)
	return nil
}

// docSelection is the structured output of the document-selection step.
type docSelection struct {
	IDs []string `json:"ids" jsonschema:"required"`
}

const selectDocsSystem = `You select which reference documents can answer a question about trade data methodology, coverage, or definitions. Answer with the ids of the most relevant documents, best first. Select at most three; select none when no document is relevant.`

const answerDocsSystem = `You answer questions about trade data methodology, coverage, and definitions strictly from the reference documents provided. Quote figures and definitions as the documents state them. When the documents do not cover the question, say so instead of guessing.`

// Answer selects relevant documents from the manifest and answers from their
// content. Failures land in LastError for the format node.
func (p *DocsPipeline) Answer(ctx context.Context, s *State, _ EmitFunc) error {
	manifest := p.library.Manifest()
	var list strings.Builder
	fmt.Fprintf(&list, "Question: %s\n\nDocuments:\n", s.DocsQuestion)
	for _, d := range manifest {
		fmt.Fprintf(&list, "- %s: %s\n", d.ID, d.Title)
	}

	sel, err := InvokeStructured[docSelection](ctx, p.model, "doc_selection", selectDocsSystem, list.String())
	if err != nil {
		if IsTransientErr(err) {
			return fmt.Errorf("select docs: %w", err)
		}
		s.LastError = fmt.Sprintf("document selection failed: %v", err)
		return nil
	}
	if len(sel.IDs) == 0 {
		s.LastError = "no reference document covers this question"
		return nil
	}
	if len(sel.IDs) > p.maxDocs {
		sel.IDs = sel.IDs[:p.maxDocs]
	}

	var prompt strings.Builder
	loaded := 0
	for _, id := range sel.IDs {
		text, err := p.library.Content(id)
		if err != nil {
			p.logger.Warn("selected document missing", "id", id)
			continue
		}
		fmt.Fprintf(&prompt, "=== %s ===\n%s\n\n", id, truncateStr(text, 12000))
		loaded++
	}
	if loaded == 0 {
		s.LastError = "selected documents could not be loaded"
		return nil
	}
	fmt.Fprintf(&prompt, "Question: %s", s.DocsQuestion)

	answer, err := p.model.Invoke(ctx, answerDocsSystem, prompt.String())
	if err != nil {
		if IsTransientErr(err) {
			return fmt.Errorf("answer from docs: %w", err)
		}
		s.LastError = fmt.Sprintf("documentation lookup failed: %v", err)
		return nil
	}
	s.DocsAnswer = strings.TrimSpace(answer)
	p.logger.Info("docs answered", "documents", loaded)
	return nil
}

// FormatResults answers the tool call. Docs lookups never increment the
// query budget.
func (p *DocsPipeline) FormatResults(_ context.Context, s *State, emit EmitFunc) error {
	_, calls, ok := firstToolCall(s)
	if !ok {
		return fmt.Errorf("docs pipeline: no tool call to answer")
	}
	content := s.DocsAnswer
	if s.LastError != "" {
		content = "Documentation lookup failed: " + s.LastError
	} else if content == "" {
		content = "The reference documentation does not cover this question."
	}
	emitToolMessages(s, emit, NodeFormatDocsResults, ToolDocs, content, calls)
	s.recordTurnTool(ToolDocs)
	return nil
}
