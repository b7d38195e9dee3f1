package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "0123456789abcdef"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

// populatedContext builds a context with params and variables across scopes,
// the shape of real training state.
func populatedContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"batch_size":  128,
		"max_lr":      0.5,
		"cosine":      true,
		"model_name":  "resnet",
		"temperature": float64(0.1),
	})
	_ = ctx.In("model").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	_ = ctx.In("model").In("optimizers").VariableWithValue("learning_rate", float32(0.25)).SetTrainable(false)
	_ = ctx.VariableWithValue("next_epoch", int64(3)).SetTrainable(false)
	return ctx
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	source := populatedContext()
	require.NoError(t, store.Save(source, testFingerprint))

	restored := context.New()
	loaded, err := store.Load(restored, testFingerprint)
	require.NoError(t, err)
	require.True(t, loaded)

	assert.Equal(t, 128, context.GetParamOr(restored, "batch_size", 0))
	assert.Equal(t, 0.5, context.GetParamOr(restored, "max_lr", 0.0))
	assert.Equal(t, true, context.GetParamOr(restored, "cosine", false))
	assert.Equal(t, "resnet", context.GetParamOr(restored, "model_name", ""))

	weights := restored.GetVariableByScopeAndName("/model", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, weights.MustValue().Value())
	assert.True(t, weights.Trainable)

	lr := restored.GetVariableByScopeAndName("/model/optimizers", "learning_rate")
	require.NotNil(t, lr)
	assert.Equal(t, float32(0.25), lr.MustValue().Value())
	assert.False(t, lr.Trainable)

	epoch := restored.GetVariableByScopeAndName("/", "next_epoch")
	require.NotNil(t, epoch)
	assert.Equal(t, int64(3), epoch.MustValue().Value())
}

func TestLoadUpdatesExistingVariables(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(populatedContext(), testFingerprint))

	// A context that already built its model gets values overwritten in place.
	restored := context.New()
	v := restored.In("model").VariableWithValue("weights", [][]float32{{0, 0}, {0, 0}})
	loaded, err := store.Load(restored, testFingerprint)
	require.NoError(t, err)
	require.True(t, loaded)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, v.MustValue().Value())
}

func TestLoadMissingIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	loaded, err := store.Load(context.New(), "feedfacefeedface")
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.False(t, store.Exists("feedfacefeedface"))
}

func TestLoadCorruptManifestFails(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(populatedContext(), testFingerprint))
	manifestPath := filepath.Join(store.Dir(testFingerprint), manifestFileName)
	require.NoError(t, os.WriteFile(manifestPath, []byte("{not json"), 0666))

	_, err := store.Load(context.New(), testFingerprint)
	assert.Error(t, err)
}

func TestLoadTamperedWeightsFails(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(populatedContext(), testFingerprint))
	weightsPath := filepath.Join(store.Dir(testFingerprint), weightsFileName)
	data, err := os.ReadFile(weightsPath)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(weightsPath, data, 0666))

	_, err = store.Load(context.New(), testFingerprint)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestSaveOverwritesAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := populatedContext()
	require.NoError(t, store.Save(ctx, testFingerprint))

	v := ctx.GetVariableByScopeAndName("/", "next_epoch")
	require.NotNil(t, v)
	v.MustSetValue(tensors.FromScalar(int64(11)))
	require.NoError(t, store.Save(ctx, testFingerprint))

	// No temp or .old leftovers, only the record directory.
	entries, err := os.ReadDir(filepath.Dir(store.Dir(testFingerprint)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testFingerprint, entries[0].Name())

	restored := context.New()
	loaded, err := store.Load(restored, testFingerprint)
	require.NoError(t, err)
	require.True(t, loaded)
	assert.Equal(t, int64(11), restored.GetVariableByScopeAndName("/", "next_epoch").MustValue().Value())
}
