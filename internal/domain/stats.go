package domain

import "time"

// EntityStat is one daily data point of a federation feature.
type EntityStat struct {
	ID           int64     `json:"id,omitempty"`
	FederationID int64     `json:"federation_id"`
	Feature      string    `json:"feature"`
	Time         time.Time `json:"time"`
	Value        int64     `json:"value"`
}

// StatFilter selects EntityStat rows.
type StatFilter struct {
	FederationID int64
	Feature      string
	From         *time.Time
	To           *time.Time
}

// CountQuery describes a membership count for one federation and day.
type CountQuery struct {
	FederationID int64
	// Descriptor restricts to entities with this type, if non-empty.
	Descriptor string
	// Protocol restricts to entities whose display protocols contain it.
	Protocol string
	// RegisteredBefore restricts to memberships registered strictly before it.
	RegisteredBefore *time.Time
}
