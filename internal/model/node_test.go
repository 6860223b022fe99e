package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every node variant must survive the disk codec unchanged.
func TestNodeSerializationRoundTrip(t *testing.T) {
	file := NewLocalFileNode(DNUID{DeviceUID: 2, UID: 101}, 100, "/stuff/a/file.txt", 10, "abc123", true)
	file.ModifyTS = 1700000000000
	file.ChangeTS = 1700000000001
	file.SyncTS = 1700000000
	file.SHA256Hex = "deadbeef"

	dir := NewLocalDirNode(DNUID{DeviceUID: 2, UID: 102}, 100, "/stuff/a", true, true)
	dir.SetTrashed(ImplicitlyTrashed)

	gfile := NewGDriveFileNode(DNUID{DeviceUID: 3, UID: 103}, "goog123", "file.txt", []UID{50, 51}, 42, "ffff")
	gfile.Version = 7
	gfile.ModifyTS = 1700000000000
	gfile.SetPathList([]string{"/gd/file.txt", "/gd2/file.txt"})

	gfolder := NewGDriveFolderNode(DNUID{DeviceUID: 3, UID: 104}, "goog456", "folder", []UID{50}, true)

	for _, n := range []TNode{file, dir, gfile, gfolder} {
		data, err := MarshalNode(n)
		require.NoError(t, err)
		decoded, err := UnmarshalNode(data)
		require.NoError(t, err)
		assert.Equal(t, n, decoded)
		assert.True(t, n.IsMetaEqual(decoded))
	}
}

func TestSignatureEquality(t *testing.T) {
	a := NewLocalFileNode(DNUID{DeviceUID: 1, UID: 1}, 0, "/a", 10, "abc", true)
	b := NewGDriveFileNode(DNUID{DeviceUID: 2, UID: 2}, "g", "a", []UID{1}, 10, "abc")
	c := NewLocalFileNode(DNUID{DeviceUID: 1, UID: 3}, 0, "/c", 10, "xyz", true)
	noMD5 := NewLocalFileNode(DNUID{DeviceUID: 1, UID: 4}, 0, "/d", 10, "", true)

	assert.True(t, a.IsSignatureEqual(b), "same md5+size should match across backends")
	assert.False(t, a.IsSignatureEqual(c))
	assert.False(t, noMD5.IsSignatureEqual(noMD5), "missing md5 can never match")
}

func TestGDriveLiveness(t *testing.T) {
	n := NewGDriveFileNode(DNUID{DeviceUID: 1, UID: 1}, "", "planning", nil, 0, "")
	assert.False(t, n.IsLive(), "a node without a goog_id is a planning node")
	n.GoogID = "goog1"
	assert.True(t, n.IsLive())
}

func TestOpTypeProperties(t *testing.T) {
	assert.True(t, OpCP.HasDst())
	assert.True(t, OpStartDirMV.HasDst())
	assert.False(t, OpRM.HasDst())
	assert.False(t, OpMKDIR.HasDst())

	assert.True(t, AreEquivalent(OpStartDirCP, OpFinishDirCP))
	assert.True(t, AreEquivalent(OpStartDirMV, OpFinishDirMV))
	assert.False(t, AreEquivalent(OpStartDirCP, OpFinishDirMV))
	assert.True(t, AreEquivalent(OpCP, OpCP))
	assert.False(t, AreEquivalent(OpCP, OpMV))
}

func TestCategoryForOpType(t *testing.T) {
	assert.Equal(t, CategoryDeleted, CategoryForOpType(OpRM))
	assert.Equal(t, CategoryAdded, CategoryForOpType(OpCP))
	assert.Equal(t, CategoryAdded, CategoryForOpType(OpMKDIR))
	assert.Equal(t, CategoryUpdated, CategoryForOpType(OpCPOnto))
	assert.Equal(t, CategoryMoved, CategoryForOpType(OpMV))
}

func TestChangeTreeGUIDEmbedsCategory(t *testing.T) {
	added := GUIDFor(10, 2, CategoryAdded)
	deleted := GUIDFor(10, 2, CategoryDeleted)
	assert.NotEqual(t, added, deleted,
		"the same node must be able to appear once per category")
}
