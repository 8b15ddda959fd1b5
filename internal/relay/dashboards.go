package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/markus-barta/pinrelay/internal/profile"
	"github.com/markus-barta/pinrelay/internal/storage"
	"github.com/rs/zerolog"
)

// ProfileStore persists profiles and device tokens. Missing tokens are
// reported with an error wrapping storage.ErrNotFound.
type ProfileStore interface {
	LoadProfile(ctx context.Context, userID string) (*profile.Profile, error)
	SaveProfile(ctx context.Context, userID string, p *profile.Profile) error
	Token(ctx context.Context, userID string, dashID int) (string, error)
	SetToken(ctx context.Context, userID string, dashID int, token string) error
	DeleteTokens(ctx context.Context, userID string, dashID int) error
}

type userState struct {
	mu      sync.Mutex
	profile *profile.Profile // nil until loaded
	dirty   bool             // pin state changed since the last save
}

// DashboardStore is the in-memory authority for every user's dashboards.
// Profiles are loaded on first use and written through on every lifecycle
// change; pin state is written on the next lifecycle change or on Flush.
type DashboardStore struct {
	log      zerolog.Logger
	store    ProfileStore
	newToken func() string

	mu    sync.Mutex
	users map[string]*userState
}

// NewDashboardStore creates a store backed by ps.
func NewDashboardStore(log zerolog.Logger, ps ProfileStore) *DashboardStore {
	return &DashboardStore{
		log:      log.With().Str("component", "dashboards").Logger(),
		store:    ps,
		newToken: storage.NewToken,
		users:    make(map[string]*userState),
	}
}

// lock returns the state of userID locked and loaded. The caller unlocks.
func (ds *DashboardStore) lock(ctx context.Context, userID string) (*userState, error) {
	ds.mu.Lock()
	u := ds.users[userID]
	if u == nil {
		u = &userState{}
		ds.users[userID] = u
	}
	ds.mu.Unlock()

	u.mu.Lock()
	if u.profile == nil {
		p, err := ds.store.LoadProfile(ctx, userID)
		if err != nil {
			u.mu.Unlock()
			return nil, fmt.Errorf("load profile: %w", err)
		}
		u.profile = p
	}
	return u, nil
}

// mutate applies fn to a copy of the profile and persists it. Only a
// successful save replaces the in-memory profile.
func (ds *DashboardStore) mutate(ctx context.Context, userID string, fn func(p *profile.Profile) error) error {
	u, err := ds.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer u.mu.Unlock()

	next := u.profile.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := ds.store.SaveProfile(ctx, userID, next); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	u.profile = next
	u.dirty = false
	return nil
}

func dashboardErr(err error) error {
	switch {
	case errors.Is(err, profile.ErrDashboardExists):
		return fmt.Errorf("%w: %w", ErrNotAllowed, err)
	case errors.Is(err, profile.ErrDashboardNotFound):
		return fmt.Errorf("%w: %w", ErrIllegalCommand, err)
	}
	return err
}

// Create adds a dashboard. An existing id yields ErrNotAllowed.
func (ds *DashboardStore) Create(ctx context.Context, userID string, d *profile.Dashboard) error {
	return ds.mutate(ctx, userID, func(p *profile.Profile) error {
		return dashboardErr(p.Add(d.Clone()))
	})
}

// Save replaces the editable fields of an existing dashboard.
func (ds *DashboardStore) Save(ctx context.Context, userID string, d *profile.Dashboard) error {
	return ds.mutate(ctx, userID, func(p *profile.Profile) error {
		return dashboardErr(p.Update(d.Clone()))
	})
}

// Delete removes a dashboard and revokes its device token.
func (ds *DashboardStore) Delete(ctx context.Context, userID string, dashID int) error {
	err := ds.mutate(ctx, userID, func(p *profile.Profile) error {
		return dashboardErr(p.Remove(dashID))
	})
	if err != nil {
		return err
	}
	if err := ds.store.DeleteTokens(ctx, userID, dashID); err != nil {
		ds.log.Error().Err(err).Str("user", userID).Int("dash", dashID).Msg("failed to revoke device token")
	}
	return nil
}

// Activate makes dashID the only active dashboard of the user.
func (ds *DashboardStore) Activate(ctx context.Context, userID string, dashID int) error {
	return ds.mutate(ctx, userID, func(p *profile.Profile) error {
		return dashboardErr(p.Activate(dashID))
	})
}

// Deactivate clears the active flag of dashID.
func (ds *DashboardStore) Deactivate(ctx context.Context, userID string, dashID int) error {
	return ds.mutate(ctx, userID, func(p *profile.Profile) error {
		return dashboardErr(p.Deactivate(dashID))
	})
}

// ReplaceProfile swaps the whole profile.
func (ds *DashboardStore) ReplaceProfile(ctx context.Context, userID string, replacement *profile.Profile) error {
	return ds.mutate(ctx, userID, func(p *profile.Profile) error {
		p.Dashboards = replacement.Clone().Dashboards
		return nil
	})
}

// Get returns a copy of one dashboard.
func (ds *DashboardStore) Get(ctx context.Context, userID string, dashID int) (*profile.Dashboard, error) {
	u, err := ds.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer u.mu.Unlock()

	d := u.profile.Dashboard(dashID)
	if d == nil {
		return nil, fmt.Errorf("dashboard %d: %w", dashID, ErrIllegalCommand)
	}
	return d.Clone(), nil
}

// Profile returns a copy of the whole profile.
func (ds *DashboardStore) Profile(ctx context.Context, userID string) (*profile.Profile, error) {
	u, err := ds.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer u.mu.Unlock()
	return u.profile.Clone(), nil
}

// Token returns the device token of a dashboard, creating one on first
// use. With refresh a new token always replaces the old one.
func (ds *DashboardStore) Token(ctx context.Context, userID string, dashID int, refresh bool) (string, error) {
	u, err := ds.lock(ctx, userID)
	if err != nil {
		return "", err
	}
	defer u.mu.Unlock()

	if u.profile.Dashboard(dashID) == nil {
		return "", fmt.Errorf("dashboard %d: %w", dashID, ErrIllegalCommand)
	}

	if !refresh {
		token, err := ds.store.Token(ctx, userID, dashID)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}

	token := ds.newToken()
	if err := ds.store.SetToken(ctx, userID, dashID, token); err != nil {
		return "", err
	}
	ds.log.Info().Str("user", userID).Int("dash", dashID).Bool("refresh", refresh).Msg("device token issued")
	return token, nil
}

// View runs fn with the live dashboard under the user lock; d is nil if the
// dashboard does not exist. Activation cannot change while fn runs. fn
// returns true if it changed pin state.
func (ds *DashboardStore) View(ctx context.Context, userID string, dashID int, fn func(d *profile.Dashboard) bool) error {
	u, err := ds.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer u.mu.Unlock()

	if fn(u.profile.Dashboard(dashID)) {
		u.dirty = true
	}
	return nil
}

// Flush persists pin state changed since the last save.
func (ds *DashboardStore) Flush(ctx context.Context) error {
	ds.mu.Lock()
	users := make(map[string]*userState, len(ds.users))
	for id, u := range ds.users {
		users[id] = u
	}
	ds.mu.Unlock()

	var errs []error
	saved := 0
	for id, u := range users {
		u.mu.Lock()
		if u.dirty && u.profile != nil {
			if err := ds.store.SaveProfile(ctx, id, u.profile); err != nil {
				errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
			} else {
				u.dirty = false
				saved++
			}
		}
		u.mu.Unlock()
	}
	ds.log.Debug().Int("profiles", saved).Msg("pin state flushed")
	return errors.Join(errs...)
}
