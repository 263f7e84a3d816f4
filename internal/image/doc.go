// Package image loads the page images submitted for recognition. An image
// is read from a local path, downloaded from a URL or taken from memory,
// checked against the size and format limits of the processing service and
// encoded into the JSON form the service expects.
package image
