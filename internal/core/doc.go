// Package core provides the business logic tying the pipeline together:
// upload validation and parsing, the parsed-upload registry, script
// generation sessions, and sandboxed execution. It has no HTTP dependencies
// and can be driven by any frontend.
//
// The pipeline a caller walks is: ValidateAndParse (content sniffing, then
// tabular parsing) registers an Upload; GenerateScript obtains script text
// from the external generator through the session protocol; Execute runs
// that script against one or two registered uploads and returns a single
// outcome.
package core
