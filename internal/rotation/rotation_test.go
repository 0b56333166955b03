package rotation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avsupgw/internal/keystore"
	"github.com/vyrodovalexey/avsupgw/internal/supervisor"
)

// fakeManager records upstream interactions and can fail on demand.
type fakeManager struct {
	mu          sync.Mutex
	options     map[string]interface{}
	written     map[string]interface{}
	readSlug    string
	writtenSlug string
	restarted   []string
	readErr     error
	writeErr    error
	restartDone chan struct{}
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		options:     map[string]interface{}{"api_keys": []interface{}{"existing"}},
		restartDone: make(chan struct{}, 1),
	}
}

func (m *fakeManager) AddonOptions(_ context.Context, slug string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readSlug = slug
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make(map[string]interface{}, len(m.options))
	for k, v := range m.options {
		out[k] = v
	}
	return out, nil
}

func (m *fakeManager) SetAddonOptions(_ context.Context, slug string, options map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenSlug = slug
	m.written = options
	return nil
}

func (m *fakeManager) RestartAddon(_ context.Context, slug string) error {
	m.mu.Lock()
	m.restarted = append(m.restarted, slug)
	m.mu.Unlock()
	select {
	case m.restartDone <- struct{}{}:
	default:
	}
	return nil
}

func (m *fakeManager) writtenKeys(t *testing.T) []interface{} {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotNil(t, m.written)
	keys, ok := m.written["api_keys"].([]interface{})
	require.True(t, ok)
	return keys
}

func newRotationStore(t *testing.T) *keystore.Store {
	t.Helper()
	s := keystore.New(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, s.Load())
	return s
}

func TestOrchestrator_Rotate(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	o := New(store, nil, "my_addon")

	result, err := o.Rotate(old.Hash, 24)
	require.NoError(t, err)

	assert.NotEmpty(t, result.Secret)
	assert.NotEqual(t, "old-secret", result.Secret)
	assert.Equal(t, keystore.HashSecret(result.Secret), result.NewHash)
	assert.Equal(t, old.Hash, result.OldHash)
	assert.False(t, result.Restarting)
	require.NotNil(t, result.GraceUntil)

	newRec, ok := store.Get(result.NewHash)
	require.True(t, ok)
	assert.Equal(t, "Dashboard (rotated)", newRec.Name)
	assert.Equal(t, keystore.StatusActive, newRec.Status)

	oldRec, ok := store.Get(old.Hash)
	require.True(t, ok)
	assert.Equal(t, keystore.StatusDeprecated, oldRec.Status)

	// The new secret authenticates, the old one still does during grace.
	_, err = store.Find(result.Secret)
	assert.NoError(t, err)
	_, err = store.Find("old-secret")
	assert.NoError(t, err)
}

func TestOrchestrator_RotateUnknownHash(t *testing.T) {
	t.Parallel()

	o := New(newRotationStore(t), nil, "my_addon")

	_, err := o.Rotate("no-such-hash", 24)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestOrchestrator_RotateZeroGraceRevokesImmediately(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	o := New(store, nil, "my_addon")

	result, err := o.Rotate(old.Hash, 0)
	require.NoError(t, err)
	assert.Nil(t, result.GraceUntil)

	oldRec, ok := store.Get(old.Hash)
	require.True(t, ok)
	assert.Equal(t, keystore.StatusRevoked, oldRec.Status)

	_, err = store.Find("old-secret")
	assert.ErrorIs(t, err, keystore.ErrKeyRevoked)
}

func TestOrchestrator_AutoRotate(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	manager := newFakeManager()
	o := New(store, manager, "my_addon", WithRestartDelay(10*time.Millisecond))

	result, err := o.AutoRotate(context.Background(), old.Hash, 0, "")
	require.NoError(t, err)
	assert.True(t, result.Restarting)

	// The new secret was appended to the provisioned keys upstream.
	keys := manager.writtenKeys(t)
	require.Len(t, keys, 2)
	assert.Equal(t, "existing", keys[0])
	assert.Equal(t, result.Secret, keys[1])

	newRec, ok := store.Get(result.NewHash)
	require.True(t, ok)
	assert.Equal(t, "Dashboard (auto-rotated)", newRec.Name)

	oldRec, ok := store.Get(old.Hash)
	require.True(t, ok)
	assert.Equal(t, keystore.StatusRevoked, oldRec.Status)

	// The restart fires after the configured delay.
	select {
	case <-manager.restartDone:
	case <-time.After(2 * time.Second):
		t.Fatal("restart was not scheduled")
	}
	manager.mu.Lock()
	assert.Equal(t, []string{"my_addon"}, manager.restarted)
	manager.mu.Unlock()
}

func TestOrchestrator_AutoRotateDefaultsToConfiguredAddon(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	manager := newFakeManager()
	o := New(store, manager, "my_addon", WithRestartDelay(time.Millisecond))

	_, err = o.AutoRotate(context.Background(), old.Hash, 0, "")
	require.NoError(t, err)

	manager.mu.Lock()
	assert.Equal(t, "my_addon", manager.readSlug)
	assert.Equal(t, "my_addon", manager.writtenSlug)
	manager.mu.Unlock()

	select {
	case <-manager.restartDone:
	case <-time.After(2 * time.Second):
		t.Fatal("restart was not scheduled")
	}
	manager.mu.Lock()
	assert.Equal(t, []string{"my_addon"}, manager.restarted)
	manager.mu.Unlock()
}

func TestOrchestrator_AutoRotateTargetsRequestedAddon(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	manager := newFakeManager()
	o := New(store, manager, "my_addon", WithRestartDelay(time.Millisecond))

	_, err = o.AutoRotate(context.Background(), old.Hash, 0, "other_addon")
	require.NoError(t, err)

	manager.mu.Lock()
	assert.Equal(t, "other_addon", manager.readSlug)
	assert.Equal(t, "other_addon", manager.writtenSlug)
	manager.mu.Unlock()

	select {
	case <-manager.restartDone:
	case <-time.After(2 * time.Second):
		t.Fatal("restart was not scheduled")
	}
	manager.mu.Lock()
	assert.Equal(t, []string{"other_addon"}, manager.restarted)
	manager.mu.Unlock()
}

func TestOrchestrator_AutoRotateWithGraceDeprecates(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	manager := newFakeManager()
	o := New(store, manager, "my_addon", WithRestartDelay(time.Millisecond))

	result, err := o.AutoRotate(context.Background(), old.Hash, 24, "")
	require.NoError(t, err)
	require.NotNil(t, result.GraceUntil)

	oldRec, ok := store.Get(old.Hash)
	require.True(t, ok)
	assert.Equal(t, keystore.StatusDeprecated, oldRec.Status)
}

func TestOrchestrator_AutoRotateReadFailureLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	manager := newFakeManager()
	manager.readErr = &supervisor.UpstreamError{Op: "read addon options", StatusCode: 403, Body: "denied"}
	o := New(store, manager, "my_addon")

	_, err = o.AutoRotate(context.Background(), old.Hash, 0, "")
	require.Error(t, err)

	var upErr *supervisor.UpstreamError
	assert.ErrorAs(t, err, &upErr)

	// Nothing changed locally and no restart was scheduled.
	assert.Equal(t, 1, store.Len())
	oldRec, _ := store.Get(old.Hash)
	assert.Equal(t, keystore.StatusActive, oldRec.Status)
	manager.mu.Lock()
	assert.Empty(t, manager.restarted)
	manager.mu.Unlock()
}

func TestOrchestrator_AutoRotateWriteFailureLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	manager := newFakeManager()
	manager.writeErr = errors.New("write failed")
	o := New(store, manager, "my_addon")

	_, err = o.AutoRotate(context.Background(), old.Hash, 0, "")
	require.Error(t, err)

	assert.Equal(t, 1, store.Len())
	oldRec, _ := store.Get(old.Hash)
	assert.Equal(t, keystore.StatusActive, oldRec.Status)
}

func TestOrchestrator_AutoRotateUnknownHash(t *testing.T) {
	t.Parallel()

	o := New(newRotationStore(t), newFakeManager(), "my_addon")

	_, err := o.AutoRotate(context.Background(), "no-such-hash", 0, "")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestOrchestrator_AutoRotateWithoutManager(t *testing.T) {
	t.Parallel()

	store := newRotationStore(t)
	old, err := store.Add("old-secret", "Dashboard", "")
	require.NoError(t, err)

	o := New(store, nil, "my_addon")

	_, err = o.AutoRotate(context.Background(), old.Hash, 0, "")
	assert.Error(t, err)
}

func TestAppendKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []interface{}{"new"}, appendKey(nil, "new"))
	assert.Equal(t, []interface{}{"a", "new"}, appendKey([]interface{}{"a"}, "new"))
	// A malformed options field is replaced rather than crashing.
	assert.Equal(t, []interface{}{"new"}, appendKey("not-a-list", "new"))
}
