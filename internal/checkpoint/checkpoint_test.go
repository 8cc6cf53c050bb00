package checkpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-fire-dispatch/internal/checkpoint"
)

func TestStore_SaveLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "last_checked.json")
	s := checkpoint.NewStore(path)

	require.NoError(t, s.Save(1512345678000))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, int64(1512345678000), got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"lastChecked":1512345678000}`, string(data))
}

func TestStore_SaveOverwrites(t *testing.T) {
	t.Parallel()

	s := checkpoint.NewStore(filepath.Join(t.TempDir(), "last_checked.json"))
	require.NoError(t, s.Save(1000))
	require.NoError(t, s.Save(2000))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, int64(2000), got)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files should be left behind")
}

func TestStore_SaveCreatesParentDir(t *testing.T) {
	t.Parallel()

	s := checkpoint.NewStore(filepath.Join(t.TempDir(), "state", "last_checked.json"))
	require.NoError(t, s.Save(42))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, int64(42), got)
}

func TestStore_Load(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		content *string

		wantNotFound bool
		wantErr      bool
		want         int64
	}{
		"Missing file":      {wantNotFound: true, wantErr: true},
		"Valid file":        {content: ptr(`{"lastChecked": 1512345678000}`), want: 1512345678000},
		"Zero value":        {content: ptr(`{"lastChecked": 0}`), want: 0},
		"Missing field":     {content: ptr(`{"somethingElse": 1}`), wantErr: true},
		"Corrupt JSON":      {content: ptr(`{"lastChecked": `), wantErr: true},
		"Non-numeric value": {content: ptr(`{"lastChecked": "yesterday"}`), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "last_checked.json")
			if tc.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tc.content), 0o600), "Setup: WriteFile should not fail")
			}

			got, err := checkpoint.NewStore(path).Load()
			require.Equal(t, tc.wantNotFound, errors.Is(err, checkpoint.ErrNotFound), "ErrNotFound mismatch: %v", err)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func ptr(s string) *string { return &s }
