package client

import (
	"context"
	"errors"
	"regexp"
	"time"

	"crowdmirror/internal/domain"
	"crowdmirror/internal/mirror"
)

// GetWorkUnit resolves a work unit through the tiers: cache, then mirror,
// then the remote. A remote hit is written back to both local tiers. Every
// resolution of the same id returns the same live object.
func (c *Client) GetWorkUnit(ctx context.Context, id string) (*domain.WorkUnit, error) {
	if u, ok := c.cache.GetUnit(id); ok {
		return u, nil
	}
	u, err := c.store.GetWorkUnit(ctx, id)
	if err == nil {
		return c.cacheUnit(&u), nil
	}
	if !errors.Is(err, mirror.ErrNotFound) {
		return nil, err
	}
	rec, err := c.facade.GetWorkUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := c.adoptTypeRecord(ctx, rec); err != nil {
		return nil, err
	}
	u = rec.Unit()
	if err := c.store.PutWorkUnit(ctx, u); err != nil {
		return nil, err
	}
	return c.cacheUnit(&u), nil
}

// GetWorkUnitType resolves a type through the tiers. The remote has no
// direct type lookup, so a remote resolution needs a unit of that type;
// without one the caller gets a NotFoundError after a full sync attempt.
func (c *Client) GetWorkUnitType(ctx context.Context, id string) (*domain.WorkUnitType, error) {
	return c.getType(ctx, id, "", true)
}

func (c *Client) getType(ctx context.Context, id, viaUnitID string, syncOnMiss bool) (*domain.WorkUnitType, error) {
	if t, ok := c.cache.GetType(id); ok {
		return t, nil
	}
	t, err := c.store.GetWorkUnitType(ctx, id)
	if err == nil {
		return c.cacheType(&t), nil
	}
	if !errors.Is(err, mirror.ErrNotFound) {
		return nil, err
	}
	if viaUnitID != "" {
		rec, ferr := c.facade.GetWorkUnit(ctx, viaUnitID)
		if ferr != nil {
			return nil, ferr
		}
		if rec.TypeID == id {
			return c.adoptTypeRecord(ctx, rec)
		}
	}
	if syncOnMiss {
		if err := c.SyncWithRemote(ctx); err != nil {
			return nil, err
		}
		if t, ok := c.cache.GetType(id); ok {
			return t, nil
		}
		t, err := c.store.GetWorkUnitType(ctx, id)
		if err == nil {
			return c.cacheType(&t), nil
		}
		if !errors.Is(err, mirror.ErrNotFound) {
			return nil, err
		}
	}
	return nil, &NotFoundError{Kind: KindWorkUnitType, ID: id}
}

// GetAssignment resolves an assignment. Assignments are only reachable
// through their work unit, so an id never seen by any local tier cannot be
// fetched and yields a NotFoundError.
func (c *Client) GetAssignment(ctx context.Context, id string) (*domain.Assignment, error) {
	now := c.Now()
	if a, ok := c.cache.GetAssignment(id); ok {
		return derivedStatus(a, now), nil
	}
	a, err := c.store.GetAssignment(ctx, id)
	if err == nil {
		return derivedStatus(c.cacheAssignment(&a), now), nil
	}
	if !errors.Is(err, mirror.ErrNotFound) {
		return nil, err
	}
	return nil, &NotFoundError{Kind: KindAssignment, ID: id}
}

// UnitQuery narrows WorkUnits listings. Zero fields match everything.
type UnitQuery struct {
	TypeID        string
	Status        string
	ExcludeStatus string
	Since         time.Time
	Until         time.Time
	Title         *regexp.Regexp
}

// WorkUnits lists mirrored work units, optionally filtered by creation
// window and by a regular expression over the type title. Each listed unit
// is resolved to its one live object.
func (c *Client) WorkUnits(ctx context.Context, q UnitQuery) ([]*domain.WorkUnit, error) {
	units, err := c.store.ListWorkUnits(ctx, mirror.WorkUnitFilters{
		TypeID:        q.TypeID,
		Status:        q.Status,
		ExcludeStatus: q.ExcludeStatus,
		CreatedSince:  q.Since,
		CreatedUntil:  q.Until,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.WorkUnit, 0, len(units))
	for i := range units {
		u := c.cacheUnit(&units[i])
		if q.Title != nil {
			t, err := c.getType(ctx, u.TypeID, u.ID, false)
			if err != nil {
				var nf *NotFoundError
				if errors.As(err, &nf) {
					continue
				}
				return nil, err
			}
			if !q.Title.MatchString(t.Title) {
				continue
			}
		}
		out = append(out, u)
	}
	return out, nil
}

// WorkUnitsForType lists mirrored work units of one type.
func (c *Client) WorkUnitsForType(ctx context.Context, typeID string) ([]*domain.WorkUnit, error) {
	return c.WorkUnits(ctx, UnitQuery{TypeID: typeID})
}

// ReviewableWorkUnits asks the remote for the units of a type that are
// ready for review and resolves each through the tiers.
func (c *Client) ReviewableWorkUnits(ctx context.Context, typeID string) ([]*domain.WorkUnit, error) {
	ids, err := c.facade.ReviewableWorkUnitIDs(ctx, typeID)
	if err != nil {
		return nil, err
	}
	units := make([]*domain.WorkUnit, 0, len(ids))
	for _, id := range ids {
		u, err := c.GetWorkUnit(ctx, id)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// adoptTypeRecord builds a type from a detail record and writes it to both
// local tiers if it is new.
func (c *Client) adoptTypeRecord(ctx context.Context, rec interface {
	Type() domain.WorkUnitType
}) (*domain.WorkUnitType, error) {
	t := rec.Type()
	if cached, ok := c.cache.GetType(t.ID); ok {
		return cached, nil
	}
	if err := c.store.PutWorkUnitType(ctx, t); err != nil {
		return nil, err
	}
	return c.cacheType(&t), nil
}

func (c *Client) cacheType(t *domain.WorkUnitType) *domain.WorkUnitType {
	return c.cache.AdoptType(t)
}

func (c *Client) cacheUnit(u *domain.WorkUnit) *domain.WorkUnit {
	return c.cache.AdoptUnit(u)
}

func (c *Client) cacheAssignment(a *domain.Assignment) *domain.Assignment {
	return c.cache.AdoptAssignment(a)
}

// derivedStatus applies the lazy autopay rule. The advance is monotonic, so
// writing it straight onto the live object is safe; the stored row catches
// up the next time the assignment is persisted.
func derivedStatus(a *domain.Assignment, now time.Time) *domain.Assignment {
	a.Status = a.EffectiveStatus(now)
	return a
}
