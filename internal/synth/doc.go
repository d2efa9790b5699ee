// Package synth reconciles detector findings with the submitted source using
// an OpenAI-compatible chat model.
//
// Every call yields a tagged Result instead of an error: ModeNormal when the
// model answered, ModeDegraded when no credential is configured, and
// ModeError when the call failed. Callers decide which modes they accept.
package synth
