// Package ratelimit bounds the request rate per caller identity and route
// category before any expensive work is attempted.
//
// The algorithm is a fixed-window counter per (identity, category) key.
// Identity resolution prefers the authenticated principal over the bearer
// token subject over the remote address, so a signed-in caller cannot
// escape its quota by rotating IPs. Counters live either in a sharded
// in-process map or in redis (one Lua round trip per decision) so several
// replicas can share a budget. Every decision carries the limit, the
// remaining count and the window reset time for response headers.
package ratelimit
