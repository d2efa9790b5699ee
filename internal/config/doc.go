// Package config loads service configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. The merged result is validated against the CUE
// schema embedded in schema.cue. Secrets (the service signing key and the
// synthesizer API key) never enter the validated or printed form.
package config
