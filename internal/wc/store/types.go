package store

import (
	"time"

	"github.com/openvcs/workcopy/internal/wc/props"
)

// Kind is the node kind recorded in the metadata store.
type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
	KindNone    Kind = "none"
)

// Presence is the layered status of a node record.
type Presence string

const (
	PresenceNormal     Presence = "normal"
	PresenceAdded      Presence = "added"
	PresenceDeleted    Presence = "deleted"
	PresenceReplaced   Presence = "replaced"
	PresenceExcluded   Presence = "excluded"
	PresenceNotPresent Presence = "not-present"
	// PresenceIncomplete marks a directory whose children are still being
	// filled in by an in-flight edit. A crash mid-edit leaves the subtree
	// identifiable.
	PresenceIncomplete Presence = "incomplete"
)

// Node is one node record, keyed by working-copy relative path. The empty
// relpath is the working-copy root.
type Node struct {
	RelPath        string    `db:"local_relpath"`
	ParentRelPath  string    `db:"parent_relpath"`
	Name           string    `db:"name"`
	Kind           Kind      `db:"kind"`
	Presence       Presence  `db:"presence"`
	Revision       int64     `db:"revision"`
	ReposRelPath   string    `db:"repos_relpath"`
	Checksum       string    `db:"checksum"`
	TranslatedSize int64     `db:"translated_size"`
	ChangedRev     int64     `db:"changed_revision"`
	ChangedAuthor  string    `db:"changed_author"`
	ChangedDate    time.Time `db:"-"`
	CopyFromPath   string    `db:"copyfrom_relpath"`
	CopyFromRev    int64     `db:"copyfrom_revision"`
	LockToken      string    `db:"lock_token"`
	LockOwner      string    `db:"lock_owner"`
	// Props is the working property layer. BaseProps is the pristine
	// layer; nil means the layers share one physical record (unmodified).
	Props     props.Bag `db:"-"`
	BaseProps props.Bag `db:"-"`
	// RecordedSize/RecordedTime cache the last observed working file
	// size and mtime for the status fast path. Never load-bearing.
	RecordedSize int64 `db:"recorded_size"`
	RecordedTime int64 `db:"recorded_time"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := *n
	out.Props = n.Props.Clone()
	out.BaseProps = n.BaseProps.Clone()
	return &out
}

// EffectiveBaseProps returns the pristine property layer, resolving the
// shared-record case.
func (n *Node) EffectiveBaseProps() props.Bag {
	if n.BaseProps != nil {
		return n.BaseProps
	}
	return n.Props
}

// Schedule derives the pending local operation from presence.
func (n *Node) Schedule() string {
	switch n.Presence {
	case PresenceAdded:
		return "add"
	case PresenceDeleted:
		return "delete"
	case PresenceReplaced:
		return "replace"
	default:
		return "normal"
	}
}

// ConflictKind discriminates the three independent conflict categories.
type ConflictKind string

const (
	ConflictText ConflictKind = "text"
	ConflictProp ConflictKind = "prop"
	ConflictTree ConflictKind = "tree"
)

// Operation is the operation that raised a conflict.
type Operation string

const (
	OpUpdate Operation = "update"
	OpSwitch Operation = "switch"
	OpMerge  Operation = "merge"
	OpPatch  Operation = "patch"
)

// Reason describes the local state that collided with the incoming change.
type Reason string

const (
	ReasonEdited   Reason = "local-edit"
	ReasonDeleted  Reason = "locally-deleted"
	ReasonAdded    Reason = "locally-added"
	ReasonReplaced Reason = "locally-replaced"
)

// Action describes the incoming change that collided with the local state.
type Action string

const (
	ActionEdit   Action = "incoming-edit"
	ActionAdd    Action = "incoming-add"
	ActionDelete Action = "incoming-delete"
)

// Conflict is one persisted conflict record. A node carries at most one
// record per ConflictKind.
type Conflict struct {
	RelPath      string       `db:"local_relpath"`
	Kind         ConflictKind `db:"kind"`
	Operation    Operation    `db:"operation"`
	Reason       Reason       `db:"reason"`
	Action       Action       `db:"action"`
	BaseMarker   string       `db:"base_marker"`
	MineMarker   string       `db:"mine_marker"`
	TheirsMarker string       `db:"theirs_marker"`
	PropRej      []byte       `db:"prop_rej"`
	CreatedAt    time.Time    `db:"-"`
}

// WorkItem is one durable pending filesystem operation. Items run strictly
// in ID order after the transaction that enqueued them commits.
type WorkItem struct {
	ID   int64  `db:"id"`
	Op   string `db:"op"`
	Args []byte `db:"args"`
}
