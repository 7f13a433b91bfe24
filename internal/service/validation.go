package service

import (
	"strings"
	"time"

	"prices-service/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// LocationInput is the raw location reference of a proof or price request
type LocationInput struct {
	LocationID      *int64  `json:"location_id" form:"location_id"`
	LocationOSMID   *int64  `json:"location_osm_id" form:"location_osm_id"`
	LocationOSMType *string `json:"location_osm_type" form:"location_osm_type"`
}

// Ref validates the input and converts it to a LocationRef
func (in LocationInput) Ref() (models.LocationRef, *ValidationError) {
	errs := &ValidationError{}

	hasID := in.LocationOSMID != nil
	hasType := in.LocationOSMType != nil && *in.LocationOSMType != ""
	if hasID != hasType {
		errs.Add("location_osm_id", "location_osm_id and location_osm_type must both be set or both be empty")
	}

	var osmID int64
	var osmType string
	if hasID {
		osmID = *in.LocationOSMID
		if osmID <= 0 {
			errs.Add("location_osm_id", "must be greater than 0")
		}
	}
	if hasType {
		osmType = strings.ToUpper(*in.LocationOSMType)
		if !validOSMType(osmType) {
			errs.Add("location_osm_type", "must be one of NODE, WAY, RELATION")
		}
	}
	if in.LocationID != nil && *in.LocationID <= 0 {
		errs.Add("location_id", "must be greater than 0")
	}
	if len(errs.Fields) > 0 {
		return models.LocationRef{}, errs
	}

	switch {
	case in.LocationID != nil:
		ref := models.DirectLocation(*in.LocationID)
		if hasID {
			ref.OSMID, ref.OSMType = osmID, osmType
		}
		return ref, nil
	case hasID:
		return models.OSMLocation(osmID, osmType), nil
	}
	return models.LocationRef{}, nil
}

// IsSet reports whether any location field is present
func (in LocationInput) IsSet() bool {
	return in.LocationID != nil || in.LocationOSMID != nil || in.LocationOSMType != nil
}

func validOSMType(t string) bool {
	for _, known := range models.OSMTypes {
		if t == known {
			return true
		}
	}
	return false
}

// validateDate rejects dates after today
func validateDate(errs *ValidationError, field string, d *models.Date, now time.Time) {
	if d == nil {
		return
	}
	if d.After(models.DateOf(now)) {
		errs.Add(field, "should not be in the future")
	}
}

// normalizeCurrency returns the canonical ISO 4217 code of code
func normalizeCurrency(errs *ValidationError, field, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		errs.Add(field, "must be an ISO 4217 currency code")
		return code
	}
	return unit.String()
}

// validateAmount checks a money amount is non-negative with at most 2 decimals
func validateAmount(errs *ValidationError, field string, amount decimal.Decimal) {
	if amount.IsNegative() {
		errs.Add(field, "must be greater than or equal to 0")
	}
	if !amount.Equal(amount.Round(2)) {
		errs.Add(field, "must have at most 2 decimal places")
	}
}

// validateProof applies the proof type rules table and the field checks
// to a fully merged proof
func validateProof(p *models.Proof, now time.Time) *ValidationError {
	errs := &ValidationError{}

	if !p.Type.Valid() {
		errs.Add("type", "must be one of PRICE_TAG, RECEIPT, GDPR_REQUEST, SHOP_IMPORT")
	}

	validateDate(errs, "date", p.Date, now)

	if p.Currency != nil {
		code := normalizeCurrency(errs, "currency", *p.Currency)
		p.Currency = &code
	}

	for _, rule := range models.ProofFieldRules {
		if rule.IsSet(p) && !p.Type.InGroup(rule.Group) {
			errs.Add(rule.Field, "can only be set for proofs of type "+joinTypes(models.TypeGroups[rule.Group]))
		}
	}

	if p.ReceiptPriceCount != nil && *p.ReceiptPriceCount < 0 {
		errs.Add("receipt_price_count", "must be greater than or equal to 0")
	}
	if p.ReceiptPriceTotal != nil {
		validateAmount(errs, "receipt_price_total", *p.ReceiptPriceTotal)
	}

	return errs
}

func joinTypes(types []models.ProofType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
