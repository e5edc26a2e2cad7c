package logstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSave_FiltersBelowMinLevel(t *testing.T) {
	s, err := New(t.TempDir(), "WARNING")
	require.NoError(t, err)

	require.NoError(t, s.Save("debug msg", "DEBUG", time.Now()))
	require.NoError(t, s.Save("info msg", "INFO", time.Now()))
	require.NoError(t, s.Save("warn msg", "WARNING", time.Now()))

	entries := s.Get(10)
	require.Len(t, entries, 1)
	require.Equal(t, "warn msg", entries[0].Message)
}

func TestGet_ReturnsMostRecentN(t *testing.T) {
	s, err := New(t.TempDir(), "DEBUG")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save("msg", "INFO", time.Now()))
	}
	entries := s.Get(2)
	require.Len(t, entries, 2)
}

func TestListFilesAndGetFromFile(t *testing.T) {
	s, err := New(t.TempDir(), "DEBUG")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.Save("hello", "INFO", now))

	files, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)

	entries, err := s.GetFromFile(files[0], 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hello", entries[0].Message)
}

func TestClear_EmptiesRingNotFile(t *testing.T) {
	s, err := New(t.TempDir(), "DEBUG")
	require.NoError(t, err)
	require.NoError(t, s.Save("hello", "INFO", time.Now()))

	s.Clear()
	require.Empty(t, s.Get(10))

	files, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
}
