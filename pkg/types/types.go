package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// NodeID identifies a node in a pod.
type NodeID string

// PodName identifies a pod (shard group).
type PodName string

// PodHash is the partition hash of a row. It must be computed the same way
// on every node and on both read and write paths.
type PodHash = uint64

// Generation numbers published membership snapshots of a pod.
type Generation uint64
