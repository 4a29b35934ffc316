// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntrack is a stateful connection tracking engine.
//
// Packets are classified against a concurrent hash table of tracked
// connections keyed by their original and reply tuples. A first packet
// creates a pending entry that only becomes visible to other packets once it
// is confirmed at a confirming hook. Entries expire through a deadline
// ordered reaper, can be evicted early under table pressure, and may spawn
// expectations that mark future flows as related.
//
// Protocol knowledge lives in pluggable codecs (see L3Protocol and
// L4Protocol); application helpers (see Helper) inspect payloads and
// register expectations.
package conntrack
