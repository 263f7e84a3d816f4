// Package testserver provides a scriptable stand-in for the Transkribus auth,
// processing and model listing endpoints, for use in tests.
package testserver
