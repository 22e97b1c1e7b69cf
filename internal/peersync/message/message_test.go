package message

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestCreate_MarshalUnmarshal_RoundTrip(t *testing.T) {
	msg := NewCreate("datasites/a@example.com/notes.txt", 1234.5, []byte("hello"))

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"CREATE"`)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, TypeCreate, got.Type)

	create, ok := got.Data.(Create)
	require.True(t, ok)
	require.Equal(t, "datasites/a@example.com/notes.txt", create.Path)
	require.Equal(t, 1234.5, create.Mtime)
	require.Equal(t, []byte("hello"), create.Bytes)
}

func TestModify_MarshalUnmarshal_RoundTrip(t *testing.T) {
	msg := NewModify("a.txt", 2.0, []byte{0x01, 0x02, 0x03})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	modify, ok := got.Data.(Modify)
	require.True(t, ok)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, modify.Delta)
}

func TestDelete_MarshalUnmarshal_RoundTrip(t *testing.T) {
	msg := NewDelete("a.txt", 3.0)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	del, ok := got.Data.(Delete)
	require.True(t, ok)
	require.Equal(t, "a.txt", del.Path)
	require.Equal(t, 3.0, del.Mtime)
}

func TestRename_MarshalUnmarshal_RoundTrip(t *testing.T) {
	msg := NewRename("old.txt", "new.txt", 4.0)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	rename, ok := got.Data.(Rename)
	require.True(t, ok)
	require.Equal(t, "old.txt", rename.Src)
	require.Equal(t, "new.txt", rename.Dst)
}

func TestDirState_MarshalUnmarshal_RoundTrip(t *testing.T) {
	msg := NewDirState([]FileEntry{
		{Path: "a.txt", Mtime: 1.0, Size: 5, Sig: []byte{0xAA, 0xBB}},
		{Path: "b.txt", Mtime: 2.0, Size: 10, Sig: []byte{0xCC}},
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	ds, ok := got.Data.(DirState)
	require.True(t, ok)
	require.Len(t, ds.Files, 2)
	require.Equal(t, "a.txt", ds.Files[0].Path)
	require.Equal(t, []byte{0xAA, 0xBB}, ds.Files[0].Sig)
}

func TestBeacon_MarshalUnmarshal_RoundTrip(t *testing.T) {
	msg := NewBeacon(8443)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	beacon, ok := got.Data.(Beacon)
	require.True(t, ok)
	require.EqualValues(t, 8443, beacon.Port)
}

func TestUnmarshal_UnknownTypeErrors(t *testing.T) {
	var got Message
	err := json.Unmarshal([]byte(`{"type":"BOGUS"}`), &got)
	require.Error(t, err)
}
