// Package auth holds the OAuth2 credentials issued by the Transkribus
// identity server and decides when they need to be renewed.
package auth
