package scene

import "github.com/drpcorg/scenesync/rdx"

// ObjectRecord holds the per-field registers of one object. Fields merge
// independently; records are never removed, only tombstoned.
type ObjectRecord struct {
	Position  rdx.Register[Vec3]
	Rotation  rdx.Register[Vec3]
	Tombstone rdx.Register[bool]
}

// Object is the plain-data view of a visible record.
type Object struct {
	ID       string
	Position Vec3
	Rotation Vec3
}

func (rec *ObjectRecord) Visible() bool {
	return !rec.Tombstone.Value
}

// Apply merges a delta into its register, returns whether it changed.
func (rec *ObjectRecord) Apply(d Delta) bool {
	switch d.Field {
	case FieldPosition:
		return rec.Position.Put(d.Vec, d.Stamp)
	case FieldRotation:
		return rec.Rotation.Put(d.Vec, d.Stamp)
	case FieldTombstone:
		return rec.Tombstone.Put(d.Deleted, d.Stamp)
	}
	return false
}

// Deltas renders the current registers as deltas, skipping the ones
// the filter rejects.
func (rec *ObjectRecord) Deltas(id string, keep func(rdx.Stamp) bool) (b Batch) {
	if rec.Position.Written() && keep(rec.Position.Stamp) {
		b = append(b, Delta{Object: id, Field: FieldPosition, Vec: rec.Position.Value, Stamp: rec.Position.Stamp})
	}
	if rec.Rotation.Written() && keep(rec.Rotation.Stamp) {
		b = append(b, Delta{Object: id, Field: FieldRotation, Vec: rec.Rotation.Value, Stamp: rec.Rotation.Stamp})
	}
	if rec.Tombstone.Written() && keep(rec.Tombstone.Stamp) {
		b = append(b, Delta{Object: id, Field: FieldTombstone, Deleted: rec.Tombstone.Value, Stamp: rec.Tombstone.Stamp})
	}
	return
}

func (rec *ObjectRecord) object(id string) Object {
	return Object{
		ID:       id,
		Position: rec.Position.Value,
		Rotation: rec.Rotation.Value,
	}
}
