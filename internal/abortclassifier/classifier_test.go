package abortclassifier

import "testing"

func TestClassifyExactAbortMessage(t *testing.T) {
	got := Classify(ClassifiableError{Message: "Request was aborted."})
	if got != UserAbort {
		t.Fatalf("Classify = %v, want %v", got, UserAbort)
	}
}

func TestClassifyAbortKeyword(t *testing.T) {
	got := Classify(ClassifiableError{Message: "cherry studio abort requested by operator"})
	if got != UserAbort {
		t.Fatalf("Classify = %v, want %v", got, UserAbort)
	}
}

func TestClassifyAbortErrorName(t *testing.T) {
	got := Classify(ClassifiableError{Message: "something else entirely", Name: "AbortError"})
	if got != UserAbort {
		t.Fatalf("Classify = %v, want %v", got, UserAbort)
	}
}

func TestClassifyConnectionErrorClassWithKeyword(t *testing.T) {
	got := Classify(ClassifiableError{Message: "socket was closed unexpectedly", ClassName: "ConnectionError"})
	if got != UserAbort {
		t.Fatalf("Classify = %v, want %v", got, UserAbort)
	}
}

func TestClassifyStatus499(t *testing.T) {
	got := Classify(ClassifiableError{Message: "client gone", StatusCode: 499})
	if got != UserAbort {
		t.Fatalf("Classify = %v, want %v", got, UserAbort)
	}
}

func TestClassifyKnownClientUserAgent(t *testing.T) {
	got := Classify(ClassifiableError{Message: "user clicked abort", ResponseUserAgent: "Cherry-Studio/1.0"})
	if got != UserAbort {
		t.Fatalf("Classify = %v, want %v", got, UserAbort)
	}
}

func TestClassifyDisconnect(t *testing.T) {
	// "connection reset"/"broken pipe" double as abort-pattern entries too
	// (they signal the browser tearing down after a user stop), so this
	// uses a disconnect-only keyword ("peer closed") to exercise rule 7
	// distinctly from rule 2.
	got := Classify(ClassifiableError{Message: "peer closed the connection unexpectedly"})
	if got != ClientDisconnect {
		t.Fatalf("Classify = %v, want %v", got, ClientDisconnect)
	}
}

func TestClassifyOther(t *testing.T) {
	got := Classify(ClassifiableError{Message: "unexpected nil pointer dereference"})
	if got != Other {
		t.Fatalf("Classify = %v, want %v", got, Other)
	}
}

func TestShouldTreatAsSuccess(t *testing.T) {
	if !ShouldTreatAsSuccess(ClassifiableError{Message: "Request was aborted."}) {
		t.Fatal("user_abort must be treated as a successful pause")
	}
	if !ShouldTreatAsSuccess(ClassifiableError{Message: "peer closed the connection"}) {
		t.Fatal("client_disconnect must be treated as a successful pause")
	}
	if ShouldTreatAsSuccess(ClassifiableError{Message: "division by zero"}) {
		t.Fatal("other errors must not be treated as a successful pause")
	}
}
