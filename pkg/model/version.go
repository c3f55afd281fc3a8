package model

// Version is the (sequence, lastModified) pair used to order writes of the
// same entity. The zero value is the lowest possible version, so a missing
// version always loses the comparison.
type Version struct {
	Sequence  int64 `json:"sequence"`
	UpdatedAt int64 `json:"updatedAt"`
}

// IsZero returns true if the version is unset.
func (v Version) IsZero() bool {
	return v.Sequence == 0 && v.UpdatedAt == 0
}

// Compare compares two versions.
// Returns -1 if v < other, 0 if equal, 1 if v > other.
// Sequence dominates when both sides carry one; an absent (zero) sequence
// falls through to the timestamp comparison. Pure and total: missing
// fields compare as the lowest value on their own leg.
func (v Version) Compare(other Version) int {
	if v.Sequence != other.Sequence && v.Sequence != 0 && other.Sequence != 0 {
		if v.Sequence < other.Sequence {
			return -1
		}
		return 1
	}
	if v.UpdatedAt < other.UpdatedAt {
		return -1
	}
	if v.UpdatedAt > other.UpdatedAt {
		return 1
	}
	return 0
}

// CompareVersions compares the versions of two entities. A nil entity
// carries the zero version.
func CompareVersions(a, b *Entity) int {
	return a.Version().Compare(b.Version())
}
