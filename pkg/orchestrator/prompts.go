package orchestrator

// PromptKind selects the prompt template and the output parser for one
// orchestrated call.
type PromptKind string

const (
	KindGraphExtraction PromptKind = "graph-extraction"
	KindSummary         PromptKind = "summary"
	KindAdjudication    PromptKind = "node-adjudication"
)

// Bumped whenever a template changes so cached results from an older prompt
// generation are never reused.
const promptVersion = "v2"

const GraphExtractionSystemPrompt = `You are a helpful assistant specialized in building concept maps from document text. You extract the key concepts and their relationships and express them as a mermaid flowchart.`

const GraphExtractionPrompt = `
# Task Context
You will be provided with a segment of a document. Your job is to turn it into a small concept graph.

# Background Data
%s

# Detailed Task Description & Rules
- Identify between 5 and 15 key concepts in the text.
- Every concept must appear verbatim or near-verbatim in the text. Do not invent concepts.
- Connect related concepts with directed, labeled edges.
- Every concept must be connected to at least one other concept.
- Keep concept titles short (under 80 characters).

# Output Format
Return ONLY a mermaid flowchart inside a fenced code block:

` + "```mermaid" + `
graph TD
    a[First Concept]
    b[Second Concept]
    a -->|relates to| b
` + "```" + `

No prose before or after the code block.
`

const SummarySystemPrompt = `You are a helpful assistant that writes short, factual summaries of document text.`

const SummaryPrompt = `
# Task Context
Summarize the following document segment in 2-4 sentences. Only state facts present in the text.

# Background Data
%s
`

const AdjudicationSystemPrompt = `You are a helpful assistant that decides whether two concepts from a knowledge graph refer to the same thing.`

const AdjudicationPrompt = `
# Task Context
You will be provided with numbered pairs of concepts. For each pair, decide whether both entries refer to the same real-world concept.

# Background Data
%s

# Detailed Task Description & Rules
- Treat case, whitespace and abbreviation differences as the same concept.
- Treat distinct specializations as different concepts (e.g. "Neural Networks" and "Social Networks" are different).
- Answer every pair.

# Output Format
Return a JSON object of the form:
{"decisions": [{"pair": 0, "merge": true}, {"pair": 1, "merge": false}]}
`

const feedbackPreamble = `Your previous attempt had problems. Fix ALL of the following before answering again:
%s

`

const parseFailureFeedback = `your previous output was not valid structured data; follow the output format exactly`
