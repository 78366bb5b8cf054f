package otel

import "go.opentelemetry.io/otel/attribute"

// Metric attributes, loosely following the OpenLLMetry conventions.
var (
	// AttrLLMRoute is the dispatch route: "anthropic" or "custom".
	AttrLLMRoute = attribute.Key("llm.route")

	// AttrLLMProvider names the upstream: "anthropic" or the custom
	// provider name.
	AttrLLMProvider = attribute.Key("llm.provider")

	// AttrLLMModel is the upstream model actually dispatched.
	AttrLLMModel = attribute.Key("llm.model")

	// AttrLLMRequestModel is the model id the client asked for.
	AttrLLMRequestModel = attribute.Key("llm.request.model")

	// AttrLLMTokenType distinguishes input from output tokens.
	AttrLLMTokenType = attribute.Key("llm.token_type")

	// AttrLLMStreaming marks streaming requests.
	AttrLLMStreaming = attribute.Key("llm.streaming")

	// AttrLLMResponseStatus is "success", "error" or "canceled".
	AttrLLMResponseStatus = attribute.Key("llm.response.status")

	// AttrLLMErrorCode carries the error class on failures.
	AttrLLMErrorCode = attribute.Key("llm.error.code")
)
