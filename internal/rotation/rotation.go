// Package rotation coordinates replacing an existing API key with a
// fresh secret. Manual rotation only touches the local store;
// auto-rotation additionally rewrites the addon configuration upstream
// and schedules a restart so the new secret survives reprovisioning.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avsupgw/internal/keystore"
	"github.com/vyrodovalexey/avsupgw/internal/observability"
)

// ErrUnknownKey is returned when the hash to rotate has no record.
var ErrUnknownKey = errors.New("unknown key hash")

// DefaultRestartDelay is how long auto-rotation waits before asking
// the supervisor to restart the addon, so the HTTP response carrying
// the new secret is flushed first.
const DefaultRestartDelay = 2 * time.Second

// optionsKeysField is the addon option holding the provisioned keys.
const optionsKeysField = "api_keys"

// OptionsManager is the slice of the supervisor API auto-rotation
// needs.
type OptionsManager interface {
	AddonOptions(ctx context.Context, slug string) (map[string]interface{}, error)
	SetAddonOptions(ctx context.Context, slug string, options map[string]interface{}) error
	RestartAddon(ctx context.Context, slug string) error
}

// Result describes a completed rotation. Secret is the only place the
// plaintext replacement ever appears.
type Result struct {
	Secret     string
	NewHash    string
	OldHash    string
	GraceUntil *time.Time
	Restarting bool
}

// Orchestrator performs key rotations against a store and, for
// auto-rotation, an upstream options manager.
type Orchestrator struct {
	store        *keystore.Store
	manager      OptionsManager
	addonSlug    string
	restartDelay time.Duration
	logger       observability.Logger
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRestartDelay overrides the delay before the post-rotation
// restart.
func WithRestartDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.restartDelay = d
	}
}

// New returns an Orchestrator. The manager may be nil when
// auto-rotation is not used.
func New(store *keystore.Store, manager OptionsManager, addonSlug string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		manager:      manager,
		addonSlug:    addonSlug,
		restartDelay: DefaultRestartDelay,
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Rotate mints a replacement for the key identified by oldHash and
// deprecates the old key with the given grace window. A grace of zero
// or less revokes the old key immediately.
func (o *Orchestrator) Rotate(oldHash string, graceHours int) (*Result, error) {
	old, ok := o.store.Get(oldHash)
	if !ok {
		return nil, ErrUnknownKey
	}

	secret, err := keystore.GenerateSecret(keystore.DefaultSecretLength)
	if err != nil {
		return nil, fmt.Errorf("generating replacement secret: %w", err)
	}

	record, err := o.store.Add(secret,
		old.Name+" (rotated)",
		fmt.Sprintf("Rotated from %s", old.ShortHash()))
	if err != nil {
		o.logger.Warn("rotation persisted with errors", observability.Error(err))
	}

	o.retireOld(oldHash, graceHours)

	result := &Result{
		Secret:  secret,
		NewHash: record.Hash,
		OldHash: oldHash,
	}
	if refreshed, ok := o.store.Get(oldHash); ok {
		result.GraceUntil = refreshed.GraceUntil
	}

	o.logger.Info("key rotated",
		observability.String("old_hash", old.ShortHash()),
		observability.String("new_hash", record.ShortHash()),
		observability.Int("grace_hours", graceHours))
	return result, nil
}

// AutoRotate mints a replacement, writes it into the addon options
// upstream, records it locally, retires the old key, and schedules an
// addon restart. An empty addonSlug targets the configured addon.
// Upstream failures abort before any local mutation so the store and
// the provisioned configuration never diverge.
func (o *Orchestrator) AutoRotate(ctx context.Context, oldHash string, graceHours int, addonSlug string) (*Result, error) {
	if o.manager == nil {
		return nil, errors.New("auto-rotation requires a supervisor connection")
	}
	if addonSlug == "" {
		addonSlug = o.addonSlug
	}
	old, ok := o.store.Get(oldHash)
	if !ok {
		return nil, ErrUnknownKey
	}

	secret, err := keystore.GenerateSecret(keystore.DefaultSecretLength)
	if err != nil {
		return nil, fmt.Errorf("generating replacement secret: %w", err)
	}

	options, err := o.manager.AddonOptions(ctx, addonSlug)
	if err != nil {
		return nil, fmt.Errorf("reading addon options: %w", err)
	}
	options[optionsKeysField] = appendKey(options[optionsKeysField], secret)

	if err := o.manager.SetAddonOptions(ctx, addonSlug, options); err != nil {
		return nil, fmt.Errorf("writing addon options: %w", err)
	}

	record, err := o.store.Add(secret,
		old.Name+" (auto-rotated)",
		fmt.Sprintf("Auto-rotated replacement for %s", old.ShortHash()))
	if err != nil {
		o.logger.Warn("auto-rotation persisted with errors", observability.Error(err))
	}

	o.retireOld(oldHash, graceHours)
	o.scheduleRestart(addonSlug)

	result := &Result{
		Secret:     secret,
		NewHash:    record.Hash,
		OldHash:    oldHash,
		Restarting: true,
	}
	if refreshed, ok := o.store.Get(oldHash); ok {
		result.GraceUntil = refreshed.GraceUntil
	}

	o.logger.Info("key auto-rotated",
		observability.String("old_hash", old.ShortHash()),
		observability.String("new_hash", record.ShortHash()),
		observability.Int("grace_hours", graceHours),
		observability.String("addon", addonSlug))
	return result, nil
}

// retireOld deprecates or revokes the replaced key.
func (o *Orchestrator) retireOld(oldHash string, graceHours int) {
	if graceHours > 0 {
		o.store.Deprecate(oldHash, graceHours)
		return
	}
	o.store.Revoke(oldHash)
}

// scheduleRestart fires the addon restart after the response has had a
// chance to reach the caller. Failures are logged only; the new key is
// already live locally.
func (o *Orchestrator) scheduleRestart(addonSlug string) {
	go func() {
		time.Sleep(o.restartDelay)
		if err := o.manager.RestartAddon(context.Background(), addonSlug); err != nil {
			o.logger.Error("post-rotation restart failed",
				observability.String("addon", addonSlug),
				observability.Error(err))
		}
	}()
}

// appendKey adds secret to whatever shape the options field holds.
func appendKey(existing interface{}, secret string) []interface{} {
	keys, _ := existing.([]interface{})
	return append(keys, secret)
}
