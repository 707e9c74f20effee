package entitlement

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
)

func newStore(t *testing.T, path string) (*FileStore, license.KeyPair) {
	t.Helper()
	kp, err := license.Generate()
	require.NoError(t, err)
	store, err := NewFileStore(path, kp.Public, testProduct, quietLogger())
	require.NoError(t, err)
	return store, kp
}

func sampleRecord() Record {
	return Record{
		Token:           "payload.sig",
		Outcome:         license.OutcomeValid,
		ActivatedAt:     t0,
		VerifiedAt:      t0.Add(day),
		LastOnlineCheck: t0.Add(day),
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "entitlement.json")
	store, _ := newStore(t, path)
	ctx := context.Background()

	rec, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec, "a missing file is not an error")

	require.NoError(t, store.Save(ctx, sampleRecord()))

	rec, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, license.Token("payload.sig"), rec.Token)
	assert.Equal(t, license.OutcomeValid, rec.Outcome)
	assert.True(t, t0.Equal(rec.ActivatedAt))
	assert.True(t, t0.Add(day).Equal(rec.LastOnlineCheck))
	assert.NotEmpty(t, rec.Seal)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestFileStore_RejectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"extended online check", func(m map[string]interface{}) { m["lastOnlineCheck"] = "2030-01-01T00:00:00Z" }},
		{"swapped token", func(m map[string]interface{}) { m["token"] = "other.sig" }},
		{"upgraded outcome", func(m map[string]interface{}) { m["outcome"] = "expired" }},
		{"removed seal", func(m map[string]interface{}) { delete(m, "seal") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "entitlement.json")
			store, _ := newStore(t, path)
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, sampleRecord()))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &m))
			tt.mutate(m)
			data, err = json.Marshal(m)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, data, 0600))

			rec, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestFileStore_SealBoundToKeyAndProduct(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entitlement.json")
	store, kp := newStore(t, path)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleRecord()))

	otherProduct, err := NewFileStore(path, kp.Public, "other-product", quietLogger())
	require.NoError(t, err)
	rec, err := otherProduct.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	otherKey, _ := newStore(t, path)
	rec, err = otherKey.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStore_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitlement.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	store, _ := newStore(t, path)
	rec, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStore_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitlement.json")
	store, _ := newStore(t, path)
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx), "deleting nothing succeeds")
	require.NoError(t, store.Save(ctx, sampleRecord()))
	require.NoError(t, store.Delete(ctx))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	store, _ := newStore(t, "~/.licensegate/entitlement.json")
	assert.Equal(t, filepath.Join(home, ".licensegate", "entitlement.json"), store.Path())

	require.NoError(t, store.Save(context.Background(), sampleRecord()))
	_, err := os.Stat(filepath.Join(home, ".licensegate", "entitlement.json"))
	assert.NoError(t, err)
}
