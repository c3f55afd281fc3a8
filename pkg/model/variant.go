package model

// Variant identifies a query variant of an entity fetch: the relation-limit
// parameters the caller asked for. The same entity may be cached once per
// variant, so mutations must touch every variant. The zero value is the
// canonical variant (no limits).
//
// The schema tags drive query-string encoding in the indexer client.
type Variant struct {
	LimitTags      int `json:"limitTags,omitempty" schema:"limitTags,omitempty"`
	LimitAttendees int `json:"limitAttendees,omitempty" schema:"limitAttendees,omitempty"`
	LimitEvents    int `json:"limitEvents,omitempty" schema:"limitEvents,omitempty"`
}

// IsCanonical reports whether this is the canonical (unlimited) variant.
func (v Variant) IsCanonical() bool {
	return v == Variant{}
}
