package assembler

import (
	"errors"
	"fmt"

	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// DiagnosticKind classifies a non-fatal problem met during assembly.
type DiagnosticKind string

const (
	// KindMissingDocumentElement means a strategy referenced an element the
	// document does not have. The config is skipped and the chain continues.
	KindMissingDocumentElement DiagnosticKind = "MissingDocumentElement"

	// KindExtractorFailure means a strategy returned an error or panicked. The
	// field is left empty.
	KindExtractorFailure DiagnosticKind = "ExtractorFailure"

	// KindPatternsUnavailable means learned answer patterns could not be
	// loaded. Extraction runs with the configured patterns only.
	KindPatternsUnavailable DiagnosticKind = "PatternsUnavailable"

	// KindEmptyRowKey means a tabular row had no value for any key child and
	// was dropped together with its other values.
	KindEmptyRowKey DiagnosticKind = "EmptyRowKey"
)

// Diagnostic records one non-fatal problem.
type Diagnostic struct {
	Kind      DiagnosticKind `json:"kind"`
	Path      string         `json:"path"`
	Extractor string         `json:"extractor,omitempty"`
	Message   string         `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s [%s]: %s", d.Kind, d.Path, d.Extractor, d.Message)
}

// classify maps a strategy error to its diagnostic kind.
func classify(err error) DiagnosticKind {
	if errors.Is(err, document.ErrMissingElement) {
		return KindMissingDocumentElement
	}
	return KindExtractorFailure
}
