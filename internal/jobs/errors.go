package jobs

// Error classes recorded on jobs and DLQ items.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
)

// Job failure codes produced by parsers, retrieval and debug runs.
const (
	CodeDocParseOutputNotFound  = "DOC_PARSE_OUTPUT_NOT_FOUND"
	CodeDocParseSchemaInvalid   = "DOC_PARSE_SCHEMA_INVALID"
	CodeMineruBBoxFormatInvalid = "MINERU_BBOX_FORMAT_INVALID"
	CodeTextEncodingUnsupported = "TEXT_ENCODING_UNSUPPORTED"
	CodeParserFallbackExhausted = "PARSER_FALLBACK_EXHAUSTED"
	CodeRAGUpstreamUnavailable  = "RAG_UPSTREAM_UNAVAILABLE"
	CodeInternalForcedFail      = "INTERNAL_DEBUG_FORCED_FAIL"
)

// Classification describes how the executor treats a failure code.
type Classification struct {
	Class     string
	Retryable bool
	Message   string
}

var classifications = map[string]Classification{
	CodeDocParseOutputNotFound:  {ClassPermanent, false, "parse output missing"},
	CodeDocParseSchemaInvalid:   {ClassTransient, true, "parse schema invalid"},
	CodeMineruBBoxFormatInvalid: {ClassPermanent, false, "bbox format invalid"},
	CodeTextEncodingUnsupported: {ClassPermanent, false, "text encoding unsupported"},
	CodeParserFallbackExhausted: {ClassTransient, true, "parser fallback exhausted"},
	CodeRAGUpstreamUnavailable:  {ClassTransient, true, "retrieval upstream unavailable"},
	CodeInternalForcedFail:      {ClassTransient, true, "forced failure by internal debug run"},
}

// Classify looks up code in the failure matrix. Unknown codes are transient.
func Classify(code string) Classification {
	if c, ok := classifications[code]; ok {
		return c
	}
	return Classification{Class: ClassTransient, Retryable: true, Message: "unclassified failure"}
}

func knownCode(code string) bool {
	_, ok := classifications[code]
	return ok
}
