// Package gemini adapts the Google Gemini API to eino's chat model interface.
//
// It wraps the google.golang.org/genai SDK and translates between eino
// schema messages and genai contents. System messages become the request's
// system instruction; user and assistant turns map to the "user" and
// "model" roles.
package gemini

const defaultModel = "gemini-2.0-flash"
