package embedding

import "testing"

func TestSelectTaskType(t *testing.T) {
	if got := SelectTaskType(KindCode, true); got != TaskCodeRetrievalQuery {
		t.Fatalf("SelectTaskType(code, query)=%q, want CODE_RETRIEVAL_QUERY", got)
	}
	if got := SelectTaskType(KindCode, false); got != TaskRetrievalDocument {
		t.Fatalf("SelectTaskType(code, doc)=%q, want RETRIEVAL_DOCUMENT", got)
	}
	if got := SelectTaskType(KindQuestion, true); got != TaskQuestionAnswering {
		t.Fatalf("SelectTaskType(question)=%q, want QUESTION_ANSWERING", got)
	}
	if got := SelectTaskType(KindClaim, false); got != TaskFactVerification {
		t.Fatalf("SelectTaskType(claim)=%q, want FACT_VERIFICATION", got)
	}
	if got := SelectTaskType(KindQuery, false); got != TaskRetrievalQuery {
		t.Fatalf("SelectTaskType(query)=%q, want RETRIEVAL_QUERY", got)
	}
	if got := SelectTaskType(KindDocument, false); got != TaskRetrievalDocument {
		t.Fatalf("SelectTaskType(document)=%q, want RETRIEVAL_DOCUMENT", got)
	}
}

func TestDetectContentKind_MediaTypeWins(t *testing.T) {
	if got := DetectContentKind("anything at all", "text/x-go"); got != KindCode {
		t.Fatalf("DetectContentKind(text/x-go)=%q, want %q", got, KindCode)
	}
	if got := DetectContentKind("what is this?", "application/pdf"); got != KindDocument {
		t.Fatalf("DetectContentKind(application/pdf)=%q, want %q", got, KindDocument)
	}
}

func TestDetectContentKind_Heuristics(t *testing.T) {
	code := "package main\n\nfunc main() { /* hi */ }\n"
	if got := DetectContentKind(code, ""); got != KindCode {
		t.Fatalf("DetectContentKind(code)=%q, want %q", got, KindCode)
	}

	q := "how do I refresh a Drive watch channel?"
	if got := DetectContentKind(q, ""); got != KindQuestion {
		t.Fatalf("DetectContentKind(question)=%q, want %q", got, KindQuestion)
	}

	prose := "Quarterly revenue grew by twelve percent across all regions."
	if got := DetectContentKind(prose, ""); got != KindDocument {
		t.Fatalf("DetectContentKind(prose)=%q, want %q", got, KindDocument)
	}
}

func TestOptimalTaskType(t *testing.T) {
	got := OptimalTaskType("package main\nfunc main() {}", "", true)
	if got != TaskCodeRetrievalQuery {
		t.Fatalf("OptimalTaskType(code query)=%q, want CODE_RETRIEVAL_QUERY", got)
	}
}
