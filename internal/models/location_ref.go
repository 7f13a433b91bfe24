package models

// LocationRefKind tags the variant held by a LocationRef
type LocationRefKind int

const (
	LocationRefNone LocationRefKind = iota
	LocationRefDirect
	LocationRefOSM
)

// LocationRef is how a proof or price points at a location: nothing,
// a direct location id, or an OSM element resolved through the registry.
type LocationRef struct {
	Kind    LocationRefKind
	ID      int64
	OSMID   int64
	OSMType string
}

// DirectLocation references an existing location by id
func DirectLocation(id int64) LocationRef {
	return LocationRef{Kind: LocationRefDirect, ID: id}
}

// OSMLocation references an OSM element
func OSMLocation(osmID int64, osmType string) LocationRef {
	return LocationRef{Kind: LocationRefOSM, OSMID: osmID, OSMType: osmType}
}

// HasOSM reports whether the reference carries an OSM pair
func (r LocationRef) HasOSM() bool {
	return r.OSMID != 0 && r.OSMType != ""
}
