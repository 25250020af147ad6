package imagestore

import (
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/comigor/unichat-go/internal/apperr"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := New(fs, "images")
	require.NoError(t, err)
	return s, fs
}

func TestSaveReadRemove(t *testing.T) {
	s, fs := newTestStore(t)
	id := uuid.NewString()
	payload := []byte("\x89PNG fake")

	path, err := s.Save(id, base64.StdEncoding.EncodeToString(payload))
	require.NoError(t, err)
	require.Equal(t, s.Path(id), path)
	require.True(t, s.Exists(id))

	onDisk, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)

	got, err := s.Read(id)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, s.Remove(id))
	require.False(t, s.Exists(id))
	require.NoError(t, s.Remove(id))

	_, err = s.Read(id)
	require.True(t, apperr.IsNotFound(err))
}

func TestSave_DataURLPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	id := uuid.NewString()

	_, err := s.Save(id, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("png")))
	require.NoError(t, err)

	got, err := s.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("png"), got)
}

func TestSave_Invalid(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Save("../etc/passwd", "cG5n")
	require.True(t, apperr.IsBadRequest(err))

	_, err = s.Save(uuid.NewString(), "not base64!")
	require.Error(t, err)

	_, err = s.Read("nope")
	require.True(t, apperr.IsBadRequest(err))
	require.False(t, s.Exists("nope"))
}

func TestURL(t *testing.T) {
	require.Equal(t, "/images/abc.png", URL("abc"))
}
