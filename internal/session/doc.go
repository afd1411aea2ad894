// Package session manages per-user connection state. It handles session
// creation, lookup, expiration, and storage of ephemeral call state backed
// by Redis.
package session
