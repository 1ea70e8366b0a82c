// Package client is the device-tier reconciliation engine: it mirrors
// the server orchestrator one hop down, pulling from the REST surface,
// diffing against the local cache and pushing pending writes.
package client

import "fmt"

type idKind uint8

const (
	kindProvisional idKind = iota
	kindConfirmed
)

// RecordID tags a cache key as provisional (minted locally, awaiting
// server confirmation) or confirmed (the durable server key). The tag
// is explicit; the numeric key never carries hidden state in its sign.
type RecordID struct {
	kind idKind
	key  int64
}

func Provisional(localKey int64) RecordID {
	return RecordID{kind: kindProvisional, key: localKey}
}

func Confirmed(serverKey int64) RecordID {
	return RecordID{kind: kindConfirmed, key: serverKey}
}

func (id RecordID) IsProvisional() bool { return id.kind == kindProvisional }

func (id RecordID) IsConfirmed() bool { return id.kind == kindConfirmed }

// Key returns the tier-local numeric key. Interpret it through the tag:
// a provisional key has no meaning outside this device.
func (id RecordID) Key() int64 { return id.key }

func (id RecordID) IsZero() bool { return id == RecordID{} }

func (id RecordID) String() string {
	if id.IsProvisional() {
		return fmt.Sprintf("provisional(%d)", id.key)
	}
	return fmt.Sprintf("confirmed(%d)", id.key)
}
