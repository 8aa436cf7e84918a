// Package model defines the provider-agnostic advisor model abstraction used
// by advisor skills.
//
// An advisor model turns a prompt into text (typically generated code or a
// JSON schema). Its output is never trusted: the executor passes it through
// the advisor output validator before anything leaves the call.
//
// Providers (model/anthropic, model/openai) implement the Model interface so
// skills stay decoupled from vendor SDKs. MockModel serves tests and
// examples.
package model
