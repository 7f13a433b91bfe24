package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"prices-service/internal/models"
	"prices-service/internal/store"
	"prices-service/internal/util"

	"go.uber.org/zap"
)

// OSMLookup fetches the descriptive fields of an OSM element
type OSMLookup interface {
	Lookup(ctx context.Context, osmID int64, osmType string) (*models.OSMMetadata, error)
}

// LocationService is the registry of canonical locations
type LocationService struct {
	repo   store.Repository
	coord  *Coordinator
	osm    OSMLookup
	logger *zap.Logger
}

// NewLocationService creates a new location service. osm may be nil, in
// which case locations are created without metadata.
func NewLocationService(repo store.Repository, coord *Coordinator, osm OSMLookup) *LocationService {
	return &LocationService{
		repo:   repo,
		coord:  coord,
		osm:    osm,
		logger: util.GetLogger(),
	}
}

// Get returns a location by id
func (s *LocationService) Get(ctx context.Context, id int64) (*models.Location, error) {
	ctx, span := util.StartSpan(ctx, "LocationService.Get")
	defer span.End()

	loc, err := s.repo.GetLocation(ctx, id)
	if err != nil {
		return nil, lookupError(err, "location", id)
	}
	return loc, nil
}

// ResolveOrCreateOSM returns the location of an OSM element, creating it on
// first reference. Concurrent first references yield a single row.
func (s *LocationService) ResolveOrCreateOSM(ctx context.Context, osmID int64, osmType string, meta *models.OSMMetadata) (*models.Location, error) {
	ctx, span := util.StartSpan(ctx, "LocationService.ResolveOrCreateOSM")
	defer span.End()

	osmType = strings.ToUpper(osmType)
	ref, verr := LocationInput{LocationOSMID: &osmID, LocationOSMType: &osmType}.Ref()
	if verr != nil {
		return nil, verr
	}

	if meta == nil {
		meta = s.prefetch(ctx, ref)
	}
	return s.resolveOSM(ctx, s.repo, ref.OSMID, ref.OSMType, meta)
}

// ResolveOrCreateOnline returns the online location of a website, creating it
// on first reference
func (s *LocationService) ResolveOrCreateOnline(ctx context.Context, websiteURL string) (*models.Location, error) {
	ctx, span := util.StartSpan(ctx, "LocationService.ResolveOrCreateOnline")
	defer span.End()

	normalized, err := normalizeWebsiteURL(websiteURL)
	if err != nil {
		return nil, fieldError("website_url", err.Error())
	}

	loc, err := s.repo.GetLocationByWebsiteURL(ctx, normalized)
	if err == nil {
		util.LocationResolveTotal.WithLabelValues("existing").Inc()
		return loc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}

	loc = &models.Location{Type: models.LocationTypeOnline, WebsiteURL: &normalized}
	inserted, err := s.repo.InsertLocation(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to insert location: %w", err)
	}
	if inserted {
		util.LocationResolveTotal.WithLabelValues("created").Inc()
		s.logger.Info("Location created", zap.Int64("location_id", loc.ID), zap.String("website_url", normalized))
		return loc, nil
	}

	util.LocationResolveTotal.WithLabelValues("raced").Inc()
	loc, err = s.repo.GetLocationByWebsiteURL(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	return loc, nil
}

// Delete removes a location nothing references
func (s *LocationService) Delete(ctx context.Context, id int64) error {
	ctx, span := util.StartSpan(ctx, "LocationService.Delete")
	defer span.End()

	return s.repo.WithTx(ctx, func(q store.Queries) error {
		if _, err := q.GetLocation(ctx, id); err != nil {
			return lookupError(err, "location", id)
		}

		prices, err := q.CountLocationPrices(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count location prices: %w", err)
		}
		proofs, err := q.CountLocationProofs(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count location proofs: %w", err)
		}
		if prices > 0 || proofs > 0 {
			return &ConflictError{Reason: fmt.Sprintf("location %d is referenced by %d prices and %d proofs", id, prices, proofs)}
		}

		if err := q.DeleteLocation(ctx, id); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &ConflictError{Reason: err.Error()}
			}
			return fmt.Errorf("failed to delete location: %w", err)
		}
		s.logger.Info("Location deleted", zap.Int64("location_id", id))
		return nil
	})
}

// RecomputeCounters resets a location's counters from live rows
func (s *LocationService) RecomputeCounters(ctx context.Context, id int64) (*models.Location, error) {
	ctx, span := util.StartSpan(ctx, "LocationService.RecomputeCounters")
	defer span.End()

	var loc *models.Location
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		if _, err := q.GetLocation(ctx, id); err != nil {
			return lookupError(err, "location", id)
		}
		if err := s.coord.RecomputeLocation(ctx, q, id); err != nil {
			return err
		}
		var err error
		loc, err = q.GetLocation(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// prefetch looks up OSM metadata for a location that does not exist yet.
// It runs before any transaction opens; failures leave the location bare.
func (s *LocationService) prefetch(ctx context.Context, ref models.LocationRef) *models.OSMMetadata {
	if s.osm == nil || ref.Kind != models.LocationRefOSM {
		return nil
	}
	if _, err := s.repo.GetLocationByOSM(ctx, ref.OSMID, ref.OSMType); err == nil {
		return nil
	}

	meta, err := s.osm.Lookup(ctx, ref.OSMID, ref.OSMType)
	if err != nil {
		util.ExternalCallsFailed.WithLabelValues("osm").Inc()
		s.logger.Warn("OSM lookup failed, creating location without metadata",
			zap.Int64("osm_id", ref.OSMID),
			zap.String("osm_type", ref.OSMType),
			zap.Error(err))
		return nil
	}
	return meta
}

// resolveOSM is the upsert: insert unless present, then re-select the row
// that won
func (s *LocationService) resolveOSM(ctx context.Context, q store.Queries, osmID int64, osmType string, meta *models.OSMMetadata) (*models.Location, error) {
	loc, err := q.GetLocationByOSM(ctx, osmID, osmType)
	if err == nil {
		util.LocationResolveTotal.WithLabelValues("existing").Inc()
		return loc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}

	loc = newOSMLocation(osmID, osmType, meta)
	inserted, err := q.InsertLocation(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to insert location: %w", err)
	}
	if inserted {
		util.LocationResolveTotal.WithLabelValues("created").Inc()
		s.logger.Info("Location created",
			zap.Int64("location_id", loc.ID),
			zap.Int64("osm_id", osmID),
			zap.String("osm_type", osmType))
		return loc, nil
	}

	util.LocationResolveTotal.WithLabelValues("raced").Inc()
	loc, err = q.GetLocationByOSM(ctx, osmID, osmType)
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	return loc, nil
}

// resolveRef turns a location reference into a concrete location inside the
// caller's transaction. It returns nil for an empty reference. A reference
// naming no usable location is recorded in errs and yields nil.
func (s *LocationService) resolveRef(ctx context.Context, q store.Queries, ref models.LocationRef, meta *models.OSMMetadata, errs *ValidationError) (*models.Location, error) {
	switch ref.Kind {
	case models.LocationRefDirect:
		loc, err := q.GetLocation(ctx, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			errs.Add("location_id", fmt.Sprintf("location %d does not exist", ref.ID))
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get location: %w", err)
		}
		if ref.HasOSM() && !loc.MatchesOSM(ref.OSMID, ref.OSMType) {
			errs.Add("location_id", "does not match location_osm_id and location_osm_type")
			return nil, nil
		}
		return loc, nil

	case models.LocationRefOSM:
		return s.resolveOSM(ctx, q, ref.OSMID, ref.OSMType, meta)
	}
	return nil, nil
}

func newOSMLocation(osmID int64, osmType string, meta *models.OSMMetadata) *models.Location {
	source := models.SourceAPI
	loc := &models.Location{
		Type:    models.LocationTypeOSM,
		OSMID:   &osmID,
		OSMType: &osmType,
		Source:  &source,
	}
	if meta != nil {
		loc.OSMName = meta.Name
		loc.OSMDisplayName = meta.DisplayName
		loc.OSMBrand = meta.Brand
		loc.OSMVersion = meta.Version
		loc.OSMAddressPostcode = meta.AddressPostcode
		loc.OSMAddressCity = meta.AddressCity
		loc.OSMAddressCountry = meta.AddressCountry
		loc.OSMLat = meta.Lat
		loc.OSMLon = meta.Lon
	}
	return loc
}

// normalizeWebsiteURL keeps scheme and host of a shop website, lowercased
func normalizeWebsiteURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", errors.New("must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("must be an http or https URL")
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// applyLocation copies a resolved location onto the reference columns
func applyLocation(loc *models.Location) (id *int64, osmID *int64, osmType *string) {
	if loc == nil {
		return nil, nil, nil
	}
	locID := loc.ID
	return &locID, loc.OSMID, loc.OSMType
}
