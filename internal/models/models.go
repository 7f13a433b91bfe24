package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Location types
const (
	LocationTypeOSM    = "OSM"
	LocationTypeOnline = "ONLINE"
)

// OSM element types
const (
	OSMTypeNode     = "NODE"
	OSMTypeWay      = "WAY"
	OSMTypeRelation = "RELATION"
)

// OSMTypes lists the accepted OSM element types
var OSMTypes = []string{OSMTypeNode, OSMTypeWay, OSMTypeRelation}

// Sources
const (
	SourceAPI        = "api"
	SourceWeb        = "web"
	SourcePrediction = "prediction"
)

// Location is a physical (OSM) or online place prices are observed at
type Location struct {
	ID                 int64            `db:"id" json:"id"`
	Type               string           `db:"type" json:"type"`
	OSMID              *int64           `db:"osm_id" json:"osm_id"`
	OSMType            *string          `db:"osm_type" json:"osm_type"`
	OSMName            *string          `db:"osm_name" json:"osm_name"`
	OSMDisplayName     *string          `db:"osm_display_name" json:"osm_display_name"`
	OSMBrand           *string          `db:"osm_brand" json:"osm_brand"`
	OSMVersion         *int             `db:"osm_version" json:"osm_version"`
	OSMAddressPostcode *string          `db:"osm_address_postcode" json:"osm_address_postcode"`
	OSMAddressCity     *string          `db:"osm_address_city" json:"osm_address_city"`
	OSMAddressCountry  *string          `db:"osm_address_country" json:"osm_address_country"`
	OSMLat             *decimal.Decimal `db:"osm_lat" json:"osm_lat"`
	OSMLon             *decimal.Decimal `db:"osm_lon" json:"osm_lon"`
	WebsiteURL         *string          `db:"website_url" json:"website_url"`
	Source             *string          `db:"source" json:"source"`
	PriceCount         int              `db:"price_count" json:"price_count"`
	ProofCount         int              `db:"proof_count" json:"proof_count"`
	Created            time.Time        `db:"created" json:"created"`
	Updated            time.Time        `db:"updated" json:"updated"`
}

// IsOSM reports whether the location references an OSM element
func (l *Location) IsOSM() bool {
	return l.Type == LocationTypeOSM
}

// IsOnline reports whether the location is an online shop
func (l *Location) IsOnline() bool {
	return l.Type == LocationTypeOnline
}

// MatchesOSM reports whether the location is the OSM element (osmID, osmType)
func (l *Location) MatchesOSM(osmID int64, osmType string) bool {
	return l.IsOSM() && l.OSMID != nil && l.OSMType != nil && *l.OSMID == osmID && *l.OSMType == osmType
}

// OSMMetadata carries the descriptive fields of an OSM element
type OSMMetadata struct {
	Name            *string          `json:"osm_name,omitempty"`
	DisplayName     *string          `json:"osm_display_name,omitempty"`
	Brand           *string          `json:"osm_brand,omitempty"`
	Version         *int             `json:"osm_version,omitempty"`
	AddressPostcode *string          `json:"osm_address_postcode,omitempty"`
	AddressCity     *string          `json:"osm_address_city,omitempty"`
	AddressCountry  *string          `json:"osm_address_country,omitempty"`
	Lat             *decimal.Decimal `json:"osm_lat,omitempty"`
	Lon             *decimal.Decimal `json:"osm_lon,omitempty"`
}

// IsEmpty reports whether no descriptive field is set
func (m OSMMetadata) IsEmpty() bool {
	return m.Name == nil && m.DisplayName == nil && m.Brand == nil && m.Version == nil &&
		m.AddressPostcode == nil && m.AddressCity == nil && m.AddressCountry == nil &&
		m.Lat == nil && m.Lon == nil
}

// Proof is an uploaded evidence document prices are derived from
type Proof struct {
	ID                int64            `db:"id" json:"id"`
	Type              ProofType        `db:"type" json:"type"`
	FilePath          string           `db:"file_path" json:"file_path"`
	Mimetype          string           `db:"mimetype" json:"mimetype"`
	ImageThumbPath    *string          `db:"image_thumb_path" json:"image_thumb_path"`
	Owner             string           `db:"owner" json:"owner"`
	Source            *string          `db:"source" json:"source"`
	LocationID        *int64           `db:"location_id" json:"location_id"`
	LocationOSMID     *int64           `db:"location_osm_id" json:"location_osm_id"`
	LocationOSMType   *string          `db:"location_osm_type" json:"location_osm_type"`
	Date              *Date            `db:"date" json:"date"`
	Currency          *string          `db:"currency" json:"currency"`
	ReceiptPriceCount *int             `db:"receipt_price_count" json:"receipt_price_count"`
	ReceiptPriceTotal *decimal.Decimal `db:"receipt_price_total" json:"receipt_price_total"`
	PriceCount        int              `db:"price_count" json:"price_count"`
	Created           time.Time        `db:"created" json:"created"`
	Updated           time.Time        `db:"updated" json:"updated"`

	Predictions []Prediction `db:"-" json:"predictions,omitempty"`
}

// Price is a single observed price of a product at a location and date
type Price struct {
	ID              int64           `db:"id" json:"id"`
	ProductCode     *string         `db:"product_code" json:"product_code"`
	Price           decimal.Decimal `db:"price" json:"price"`
	Currency        string          `db:"currency" json:"currency"`
	Date            Date            `db:"date" json:"date"`
	Owner           string          `db:"owner" json:"owner"`
	Source          *string         `db:"source" json:"source"`
	LocationID      *int64          `db:"location_id" json:"location_id"`
	LocationOSMID   *int64          `db:"location_osm_id" json:"location_osm_id"`
	LocationOSMType *string         `db:"location_osm_type" json:"location_osm_type"`
	ProofID         *int64          `db:"proof_id" json:"proof_id"`
	Created         time.Time       `db:"created" json:"created"`
	Updated         time.Time       `db:"updated" json:"updated"`
}

// Prediction types
type PredictionType string

const (
	PredictionTypeObjectDetection   PredictionType = "OBJECT_DETECTION"
	PredictionTypeClassification    PredictionType = "CLASSIFICATION"
	PredictionTypeReceiptExtraction PredictionType = "RECEIPT_EXTRACTION"
)

// Valid reports whether t is a known prediction type
func (t PredictionType) Valid() bool {
	switch t {
	case PredictionTypeObjectDetection, PredictionTypeClassification, PredictionTypeReceiptExtraction:
		return true
	}
	return false
}

// Prediction is an immutable ML/OCR annotation attached to a proof
type Prediction struct {
	ID            int64          `db:"id" json:"id"`
	ProofID       int64          `db:"proof_id" json:"proof_id"`
	Type          PredictionType `db:"type" json:"type"`
	ModelName     string         `db:"model_name" json:"model_name"`
	ModelVersion  string         `db:"model_version" json:"model_version"`
	Value         *string        `db:"value" json:"value"`
	MaxConfidence *float64       `db:"max_confidence" json:"max_confidence"`
	Data          types.JSONText `db:"data" json:"data"`
	Created       time.Time      `db:"created" json:"created"`
}

// LabelScore is one ranked classifier output
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}
