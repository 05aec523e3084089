// Package providers defines the [Provider] interface for inference services that
// judge whether a candidate answer agrees with a reference text, and implements
// it for Gemini, OpenAI-compatible endpoints, and Anthropic.
//
// # Provider Interface
//
// All providers expose the same capability set, selected once per channel at
// configuration time:
//   - [Provider.Evaluate] : one judgment call per task
//   - [Provider.Probe] : lightweight credential validation before task traffic
//   - [Provider.ListModels] : model discovery for the providers command
//
// Credentials are not held by the provider. The channel's credential pool owns
// key state and passes the selected key into each call, so one provider value
// serves every credential on its channel.
//
// # Error Classification
//
// Errors are classified at the HTTP boundary into typed values the retry policy
// inspects with [errors.As]:
//   - [RateLimitError] : 429, carries the provider's retry hint when present
//   - [AuthError] : 401/403, credential is permanently invalid
//   - [TransientError] : network failures, timeouts, 5xx
//   - [FormatError] : response arrived but could not be interpreted
//
// # Judgment Wire Format
//
// Every provider is prompted to answer with a JSON object {"result", "reason"}.
// Markdown code fences around the object are stripped before parsing, and both
// English and Chinese result vocabularies are accepted.
package providers
