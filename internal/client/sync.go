package client

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crowdmirror/internal/domain"
	"crowdmirror/internal/mirror"
	"crowdmirror/internal/wire"
)

// SuggestSync runs a full sync when one is due: never synced, last sync
// older than the configured interval, or forced. It reports whether a sync
// actually ran.
func (c *Client) SuggestSync(ctx context.Context, force bool) (bool, error) {
	c.syncMu.Lock()
	now := c.Now()
	due := force || !c.syncedOnce || now.Sub(c.lastSync) > c.syncInterval
	if due {
		c.lastSync = now
		c.syncedOnce = true
	}
	c.syncMu.Unlock()
	if !due {
		return false, nil
	}
	return true, c.SyncWithRemote(ctx)
}

// SyncWithRemote reconciles the mirror with the full remote listing. Every
// remotely visible unit is updated or adopted; units the mirror knows but
// the listing no longer returns are marked disposed. All writes happen in
// one transaction.
func (c *Client) SyncWithRemote(ctx context.Context) error {
	recs, err := c.facade.SearchWorkUnits(ctx)
	if err != nil {
		return err
	}
	known, err := c.store.WorkUnitIDsExcludingStatus(ctx, domain.UnitDisposed)
	if err != nil {
		return err
	}
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		seen[rec.ID] = true
		if err := c.syncRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	for _, id := range known {
		if seen[id] {
			continue
		}
		err := c.store.UpdateWorkUnitTx(ctx, tx, id, mirror.WorkUnitUpdate{Status: strptr(domain.UnitDisposed)})
		if err != nil && !errors.Is(err, mirror.ErrNotFound) {
			return err
		}
		if u, ok := c.cache.GetUnit(id); ok {
			u.Status = domain.UnitDisposed
		}
		c.log.Info("work unit disposed", "id", id)
	}
	return tx.Commit()
}

func (c *Client) syncRecord(ctx context.Context, tx *sql.Tx, rec wire.WorkUnitRecord) error {
	// Listing records omit qualification requirements, so an unknown type
	// is resolved through a detail fetch of this unit.
	if err := c.syncType(ctx, tx, rec); err != nil {
		return err
	}

	u, err := c.localUnit(ctx, rec.ID)
	if err != nil {
		return err
	}
	if u == nil {
		fresh := rec.Unit()
		if err := c.store.PutWorkUnitTx(ctx, tx, fresh); err != nil {
			return err
		}
		c.cacheUnit(&fresh)
		return nil
	}

	upd, changed := diffUnit(*u, rec)
	if !changed {
		return nil
	}
	if err := c.store.UpdateWorkUnitTx(ctx, tx, u.ID, upd); err != nil {
		return err
	}
	applyUpdate(u, upd)
	return nil
}

func (c *Client) syncType(ctx context.Context, tx *sql.Tx, rec wire.WorkUnitRecord) error {
	if _, ok := c.cache.GetType(rec.TypeID); ok {
		return nil
	}
	_, err := c.store.GetWorkUnitType(ctx, rec.TypeID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, mirror.ErrNotFound) {
		return err
	}
	detail, err := c.facade.GetWorkUnit(ctx, rec.ID)
	if err != nil {
		return err
	}
	t := detail.Type()
	if err := c.store.PutWorkUnitTypeTx(ctx, tx, t); err != nil {
		return err
	}
	c.cacheType(&t)
	return nil
}

// localUnit resolves a unit through the local tiers only; nil means the
// unit is not known locally.
func (c *Client) localUnit(ctx context.Context, id string) (*domain.WorkUnit, error) {
	if u, ok := c.cache.GetUnit(id); ok {
		return u, nil
	}
	u, err := c.store.GetWorkUnit(ctx, id)
	if err == nil {
		return c.cacheUnit(&u), nil
	}
	if errors.Is(err, mirror.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}

// diffUnit computes the sparse update that brings a mirrored unit in line
// with a listing record. The approximate expiration is always cleared: the
// listing carries the authoritative value.
func diffUnit(u domain.WorkUnit, rec wire.WorkUnitRecord) (mirror.WorkUnitUpdate, bool) {
	var upd mirror.WorkUnitUpdate
	changed := false
	if u.Status != rec.Status {
		upd.Status = strptr(rec.Status)
		changed = true
	}
	if !u.ExpirationTime.Equal(rec.ExpirationTime) {
		upd.ExpirationTime = &rec.ExpirationTime
		changed = true
	}
	if u.MaxAssignments != rec.MaxAssignments {
		upd.MaxAssignments = intptr(rec.MaxAssignments)
		changed = true
	}
	if u.NumPending != rec.NumPending {
		upd.NumPending = intptr(rec.NumPending)
		changed = true
	}
	if u.NumAvailable != rec.NumAvailable {
		upd.NumAvailable = intptr(rec.NumAvailable)
		changed = true
	}
	if u.NumCompleted != rec.NumCompleted {
		upd.NumCompleted = intptr(rec.NumCompleted)
		changed = true
	}
	// Short question payloads in listings are placeholders, not content.
	if rec.Question != "" && len(rec.Question) > 10 && u.Question != rec.Question {
		upd.Question = strptr(rec.Question)
		changed = true
	}
	if u.ApproxExpirationTime != nil {
		upd.ClearApproxExpiration = true
		changed = true
	}
	return upd, changed
}

func applyUpdate(u *domain.WorkUnit, upd mirror.WorkUnitUpdate) {
	if upd.Status != nil {
		u.Status = *upd.Status
	}
	if upd.ExpirationTime != nil {
		u.ExpirationTime = *upd.ExpirationTime
	}
	if upd.MaxAssignments != nil {
		u.MaxAssignments = *upd.MaxAssignments
	}
	if upd.NumPending != nil {
		u.NumPending = *upd.NumPending
	}
	if upd.NumAvailable != nil {
		u.NumAvailable = *upd.NumAvailable
	}
	if upd.NumCompleted != nil {
		u.NumCompleted = *upd.NumCompleted
	}
	if upd.Question != nil {
		u.Question = *upd.Question
	}
	if upd.ClearApproxExpiration {
		u.ApproxExpirationTime = nil
	}
	if upd.ApproxExpirationTime != nil {
		u.ApproxExpirationTime = upd.ApproxExpirationTime
	}
}

// ExtendWorkUnit adds assignment slots and/or lifetime to a live unit. The
// remote reports nothing back, so the mirrored record is adjusted by the
// known effect: the extension reopens the unit and pushes the expiration
// out by the increment, tracked as an approximate value until the next
// sync observes the real one.
func (c *Client) ExtendWorkUnit(ctx context.Context, id string, addAssignments int, addLifetime time.Duration) (*domain.WorkUnit, error) {
	u, err := c.GetWorkUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.facade.ExtendWorkUnit(ctx, id, addAssignments, addLifetime); err != nil {
		return nil, err
	}
	now := c.Now()
	var upd mirror.WorkUnitUpdate
	if addAssignments > 0 {
		upd.MaxAssignments = intptr(u.MaxAssignments + addAssignments)
	}
	if addLifetime > 0 {
		ref := u.Expiration()
		if ref.Before(now) {
			ref = now
		}
		approx := ref.Add(addLifetime)
		upd.ApproxExpirationTime = &approx
	}
	if u.Status != domain.UnitAssignable {
		upd.Status = strptr(domain.UnitAssignable)
	}
	if err := c.store.UpdateWorkUnit(ctx, id, upd); err != nil {
		return nil, err
	}
	applyUpdate(u, upd)
	return u, nil
}

// ForceExpire ends a unit's availability immediately. Already-expired
// units are not an error. The mirrored record transitions the way the
// remote will: assignable units become reviewable, or unassignable while
// work is still pending.
func (c *Client) ForceExpire(ctx context.Context, id string) (*domain.WorkUnit, error) {
	u, err := c.GetWorkUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.facade.ForceExpireWorkUnit(ctx, id); err != nil {
		return nil, err
	}
	now := c.Now()
	upd := mirror.WorkUnitUpdate{ApproxExpirationTime: &now}
	if u.Status == domain.UnitAssignable {
		if u.NumPending == 0 {
			upd.Status = strptr(domain.UnitReviewable)
		} else {
			upd.Status = strptr(domain.UnitUnassignable)
		}
	}
	if err := c.store.UpdateWorkUnit(ctx, id, upd); err != nil {
		return nil, err
	}
	applyUpdate(u, upd)
	return u, nil
}

// ExpireAll force-expires every unit that is still accepting work. It
// syncs first so the sweep covers units created elsewhere.
func (c *Client) ExpireAll(ctx context.Context) (int, error) {
	if err := c.SyncWithRemote(ctx); err != nil {
		return 0, err
	}
	units, err := c.store.ListWorkUnits(ctx, mirror.WorkUnitFilters{Status: domain.UnitAssignable})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range units {
		if _, err := c.ForceExpire(ctx, u.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func strptr(s string) *string { return &s }
func intptr(n int) *int       { return &n }
