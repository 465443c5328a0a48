/*
Package templates is the thin adapter that turns the on-disk,
JSON-with-comments template files into the parsed types.Template
objects the rest of the orchestrator consumes.

Comment stripping is deliberately minimal: line comments starting with
"//" and block comments delimited by slash-star / star-slash outside of
string literals, matching the informal JSONC dialect the compute-run
config files use.
*/
package templates
