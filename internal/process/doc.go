// Package process models one remote transcription job and its status
// lifecycle, from submission until it is finished or failed.
package process
