// Package telemetry provides OpenTelemetry observability for parley
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for parley attributes
const (
	// Session attributes
	KeySessionID    = "parley.session.id"
	KeySessionTurns = "parley.session.turns"

	// Model attributes
	KeyModelProvider = "parley.model.provider"
	KeyModelName     = "parley.model.name"
	KeyModelTokens   = "parley.model.tokens"

	// Knowledge attributes
	KeyKnowledgeTopK    = "parley.knowledge.top_k"
	KeyKnowledgeMatches = "parley.knowledge.matches"
	KeyKnowledgeSource  = "parley.knowledge.source"
	KeyKnowledgeChunks  = "parley.knowledge.chunks"

	// Error attributes
	KeyErrorType     = "parley.error.type"
	KeyErrorCategory = "parley.error.category"
)

// Error categories
const (
	ErrorCategoryModel     = "model"
	ErrorCategoryStorage   = "storage"
	ErrorCategoryKnowledge = "knowledge"
	ErrorCategoryTimeout   = "timeout"
)

// SessionAttrs returns a set of attributes for a session
func SessionAttrs(id string, turns int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeySessionID, id),
		attribute.Int(KeySessionTurns, turns),
	}
}

// ModelAttrs returns a set of attributes for a model call
func ModelAttrs(provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyModelProvider, provider),
		attribute.String(KeyModelName, model),
	}
}
