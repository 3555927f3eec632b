// Package llm provides the AI completion collaborator used by the analysis
// pipeline. It supports OpenAI and Anthropic, a rate-limited wrapper, and a
// recovering structured extraction step for model output.
package llm
