// Package tag carries a process-wide debug switch.
package tag

// Debug makes lru.detach (package cache) clear a detached node's list
// pointers. It is a var, not a const, so tests can change it; it is true by
// default and no build tag changes it. No free-list, LRU or chunk-accounting
// invariant walks are gated on it.
var Debug = true
