package embedding

import (
	"strings"
)

// =============================================================================
// TASK TYPE SELECTION
// =============================================================================

// GenAI task types. Document and query embeddings live in one asymmetric
// space; the other tasks tune the space for their use case.
const (
	TaskSemanticSimilarity = "SEMANTIC_SIMILARITY"
	TaskRetrievalDocument  = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery     = "RETRIEVAL_QUERY"
	TaskCodeRetrievalQuery = "CODE_RETRIEVAL_QUERY"
	TaskQuestionAnswering  = "QUESTION_ANSWERING"
	TaskFactVerification   = "FACT_VERIFICATION"
)

// ContentKind classifies text handed to the embedder.
type ContentKind string

const (
	KindDocument ContentKind = "document" // ingested corpus chunks
	KindCode     ContentKind = "code"     // source-code chunks
	KindQuery    ContentKind = "query"    // search queries
	KindQuestion ContentKind = "question" // natural-language questions
	KindClaim    ContentKind = "claim"    // claims under verification
)

// SelectTaskType maps a content kind to the GenAI task that optimizes
// its embedding.
func SelectTaskType(kind ContentKind, isQuery bool) string {
	switch kind {
	case KindCode:
		if isQuery {
			return TaskCodeRetrievalQuery
		}
		return TaskRetrievalDocument

	case KindQuery:
		return TaskRetrievalQuery

	case KindQuestion:
		return TaskQuestionAnswering

	case KindClaim:
		return TaskFactVerification

	case KindDocument:
		if isQuery {
			return TaskRetrievalQuery
		}
		return TaskRetrievalDocument

	default:
		return TaskSemanticSimilarity
	}
}

// codeMediaTypes are media types whose chunks embed as source code.
var codeMediaTypes = map[string]bool{
	"text/x-go":              true,
	"text/x-python":          true,
	"text/x-python-script":   true,
	"text/javascript":        true,
	"application/javascript": true,
	"application/x-go":       true,
}

// DetectContentKind classifies text for embedding, trusting the media
// type when one is known and falling back to text heuristics.
func DetectContentKind(text, mediaType string) ContentKind {
	if codeMediaTypes[mediaType] {
		return KindCode
	}
	if mediaType != "" {
		return KindDocument
	}

	lowered := strings.ToLower(strings.TrimSpace(text))

	codeIndicators := []string{
		"func ", "function ", "class ", "def ", "import ", "package ",
		"const ", "var ", "interface ", "struct ", "=>", "//", "/*",
	}
	codeScore := 0
	for _, indicator := range codeIndicators {
		if strings.Contains(lowered, indicator) {
			codeScore++
		}
	}
	if codeScore >= 3 {
		return KindCode
	}

	if strings.HasPrefix(lowered, "what ") || strings.HasPrefix(lowered, "how ") ||
		strings.HasPrefix(lowered, "why ") || strings.HasPrefix(lowered, "when ") ||
		strings.HasPrefix(lowered, "where ") || strings.HasSuffix(lowered, "?") {
		return KindQuestion
	}

	return KindDocument
}

// OptimalTaskType combines detection and selection.
func OptimalTaskType(text, mediaType string, isQuery bool) string {
	return SelectTaskType(DetectContentKind(text, mediaType), isQuery)
}
