// Package session implements the authenticated client for the Transkribus
// processing API. A Session acquires and silently renews OAuth2 tokens,
// dispatches requests while honouring per-origin rate limits, and drives
// submitted processes to completion with a bounded-retry poll loop.
package session
