package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crowdmirror/internal/cache"
	"crowdmirror/internal/config"
	"crowdmirror/internal/domain"
	"crowdmirror/internal/mirror"
	"crowdmirror/internal/transport"
	"crowdmirror/internal/wire"
)

// Client orchestrates the three tiers of state: the in-process cache, the
// local mirror database, and the remote marketplace. All mutating
// operations go to the remote first and update the local tiers only after
// the remote accepted the change.
type Client struct {
	cfg    *config.Config
	tr     *transport.Transport
	facade *wire.Facade
	store  *mirror.Store
	cache  *cache.Cache
	log    *slog.Logger

	Now func() time.Time

	syncMu       sync.Mutex
	lastSync     time.Time
	syncedOnce   bool
	syncInterval time.Duration
}

// New wires a client from a validated configuration and an open mirror
// database.
func New(cfg *config.Config, db *sql.DB, log *slog.Logger) (*Client, error) {
	tr, err := transport.New(cfg.Account.ID, cfg.Account.Key, cfg.Service)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	tr.Log = log
	ch, err := cache.New(cache.DefaultAssignmentCapacity)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:          cfg,
		tr:           tr,
		facade:       &wire.Facade{T: tr},
		store:        &mirror.Store{DB: db},
		cache:        ch,
		log:          log,
		Now:          time.Now,
		syncInterval: cfg.SyncInterval(),
	}, nil
}

// Transport exposes the underlying transport, mainly so callers can attach
// a request hook or redirect the endpoint in tests.
func (c *Client) Transport() *transport.Transport { return c.tr }

// Store exposes the mirror store for read-only inspection.
func (c *Client) Store() *mirror.Store { return c.store }

// PreviewURL returns the public listing page for a work unit type.
func (c *Client) PreviewURL(typeID string) string {
	return c.tr.PreviewURLStem() + typeID
}

// AccountBalance fetches the current account balance from the remote.
func (c *Client) AccountBalance(ctx context.Context) (domain.Price, error) {
	return c.facade.AccountBalance(ctx)
}

// FileUploadURL returns a time-limited URL for an uploaded-file answer.
func (c *Client) FileUploadURL(ctx context.Context, assignmentID, questionID string) (string, error) {
	return c.facade.FileUploadURL(ctx, assignmentID, questionID)
}

// TypeParams carries the caller-facing fields for registering a work unit
// type. Zero fields fall back to the configured defaults.
type TypeParams struct {
	Title          string
	Description    string
	Reward         domain.Price
	TimeLimit      time.Duration
	AutopayDelay   time.Duration
	Keywords       []string
	Qualifications []domain.QualificationRequirement
}

func (c *Client) typeDefaults(p TypeParams) TypeParams {
	if p.Reward.Amount == 0 {
		p.Reward.Amount = c.cfg.Defaults.Reward
	}
	if p.Reward.Currency == "" {
		p.Reward.Currency = c.cfg.Defaults.Currency
	}
	if p.TimeLimit == 0 {
		p.TimeLimit = c.cfg.TimeLimit()
	}
	if p.AutopayDelay == 0 {
		p.AutopayDelay = c.cfg.AutopayDelay()
	}
	if p.Keywords == nil {
		p.Keywords = c.cfg.Defaults.Keywords
	}
	return p
}

// CreateWorkUnitType registers a type with the remote and mirrors it
// locally. Registration is idempotent on the remote side: the same
// parameter set yields the same type id, in which case the already-known
// record is reused.
func (c *Client) CreateWorkUnitType(ctx context.Context, p TypeParams) (*domain.WorkUnitType, error) {
	p = c.typeDefaults(p)
	id, err := c.facade.RegisterWorkUnitType(ctx, p.Title, p.Description, p.Reward, p.TimeLimit, p.AutopayDelay, p.Keywords, p.Qualifications)
	if err != nil {
		return nil, err
	}
	if cached, ok := c.cache.GetType(id); ok {
		return cached, nil
	}
	t := domain.WorkUnitType{
		ID:             id,
		Title:          p.Title,
		Description:    p.Description,
		Reward:         p.Reward,
		TimeLimit:      p.TimeLimit,
		AutopayDelay:   p.AutopayDelay,
		Keywords:       p.Keywords,
		Qualifications: p.Qualifications,
	}
	if err := c.store.PutWorkUnitType(ctx, t); err != nil {
		return nil, err
	}
	return c.cache.AdoptType(&t), nil
}

// UnitOption adjusts a CreateWorkUnit call.
type UnitOption func(*unitOptions)

type unitOptions struct {
	token          string
	lifetime       time.Duration
	maxAssignments int
	annotation     string
}

// WithRequestToken makes the creation idempotent under the given token.
// Tokens longer than 64 characters are rejected by the remote.
func WithRequestToken(token string) UnitOption {
	return func(o *unitOptions) { o.token = token }
}

// WithNewRequestToken generates a fresh idempotency token.
func WithNewRequestToken() UnitOption {
	return func(o *unitOptions) { o.token = uuid.NewString() }
}

// WithLifetime overrides the configured default lifetime.
func WithLifetime(d time.Duration) UnitOption {
	return func(o *unitOptions) { o.lifetime = d }
}

// WithMaxAssignments overrides the configured default assignment count.
func WithMaxAssignments(n int) UnitOption {
	return func(o *unitOptions) { o.maxAssignments = n }
}

// WithAnnotation attaches a requester-private annotation to the unit.
func WithAnnotation(s string) UnitOption {
	return func(o *unitOptions) { o.annotation = s }
}

// CreateWorkUnit publishes a work unit of the given type and mirrors the
// freshly created record.
func (c *Client) CreateWorkUnit(ctx context.Context, typeID, question string, opts ...UnitOption) (*domain.WorkUnit, error) {
	o := unitOptions{
		lifetime:       c.cfg.Lifetime(),
		maxAssignments: c.cfg.Defaults.MaxAssignments,
	}
	for _, opt := range opts {
		opt(&o)
	}
	rec, err := c.facade.CreateWorkUnit(ctx, typeID, question, o.lifetime, o.maxAssignments, o.annotation, o.token)
	if err != nil {
		return nil, err
	}
	u := rec.Unit()
	if u.Question == "" {
		u.Question = question
	}
	if u.Annotation == "" {
		u.Annotation = o.annotation
	}
	// A freshly created unit must start assignable with all slots open.
	if u.NumPending != 0 || u.NumCompleted != 0 || u.NumAvailable != u.MaxAssignments || u.Status != domain.UnitAssignable {
		return nil, fmt.Errorf("work unit %s created in unexpected state %s (pending %d, available %d/%d, completed %d)",
			u.ID, u.Status, u.NumPending, u.NumAvailable, u.MaxAssignments, u.NumCompleted)
	}
	if err := c.store.PutWorkUnit(ctx, u); err != nil {
		return nil, err
	}
	return c.cache.AdoptUnit(&u), nil
}

// Worker returns the live worker handle for an id. Workers carry no
// remote-fetchable state beyond their id.
func (c *Client) Worker(id string) *domain.Worker {
	return c.cache.AdoptWorker(&domain.Worker{ID: id})
}

// CreateQualificationType registers a qualification type. When the name is
// already taken, the existing remote type is reused if (and only if) its
// description, test and keywords match the requested ones; any other
// collision propagates the duplicate-name error.
func (c *Client) CreateQualificationType(ctx context.Context, p wire.QualTypeParams) (domain.QualificationType, error) {
	id, err := c.facade.CreateQualificationType(ctx, p)
	if err == nil {
		status := "Inactive"
		if p.InitiallyActive {
			status = "Active"
		}
		return domain.QualificationType{
			ID:               id,
			Name:             p.Name,
			Description:      p.Description,
			Keywords:         p.Keywords,
			Status:           status,
			Test:             p.Test,
			AnswerKey:        p.AnswerKey,
			TestDuration:     p.TestDuration,
			RetryDelay:       p.RetryDelay,
			AutoGranted:      p.AutoGranted,
			AutoGrantedValue: p.AutoGrantedValue,
		}, nil
	}
	var dup *transport.DuplicateNameError
	if !errors.As(err, &dup) {
		return domain.QualificationType{}, err
	}
	existing, lerr := c.facade.ListQualificationTypes(ctx)
	if lerr != nil {
		return domain.QualificationType{}, lerr
	}
	var matches []domain.QualificationType
	for _, cand := range existing {
		if qualTypeMatches(cand, p) {
			matches = append(matches, cand)
		}
	}
	if len(matches) != 1 {
		return domain.QualificationType{}, err
	}
	return matches[0], nil
}

func qualTypeMatches(cand domain.QualificationType, p wire.QualTypeParams) bool {
	if strings.TrimSpace(cand.Name) != strings.TrimSpace(p.Name) {
		return false
	}
	if cand.Description != p.Description {
		return false
	}
	if p.Test != "" && cand.Test != p.Test {
		return false
	}
	if p.Keywords != nil && !sameKeywords(cand.Keywords, p.Keywords) {
		return false
	}
	return true
}

func sameKeywords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// QualificationTypes lists the account's own qualification types.
func (c *Client) QualificationTypes(ctx context.Context) ([]domain.QualificationType, error) {
	return c.facade.ListQualificationTypes(ctx)
}
