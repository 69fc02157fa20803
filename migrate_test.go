package portalgo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoportal/portalgo/internal/portaltest"
)

type migration struct {
	srcFake *portaltest.Server
	dstFake *portaltest.Server
	src     *Portal
	dst     *Portal
}

// newMigration wires a signed-in source and target portal pair.
func newMigration(t *testing.T) *migration {
	t.Helper()
	m := &migration{
		srcFake: portaltest.New(),
		dstFake: portaltest.NewOrg("dorg"),
	}
	m.srcFake.AddAccount("ana", "pw")
	m.dstFake.AddAccount("admin", "pw")
	m.dstFake.AddAccount("bo", "pw")

	m.src = NewPortal(startPortal(t, m.srcFake))
	require.NoError(t, m.src.SignIn("ana", "pw"))
	m.dst = NewPortal(startPortal(t, m.dstFake))
	require.NoError(t, m.dst.SignIn("admin", "pw"))
	return m
}

func (m *migration) sourceItem(t *testing.T, id string) *Item {
	t.Helper()
	item, err := m.src.Item(id)
	require.NoError(t, err)
	return item
}

func TestNewMigratorRequiresSignedInTarget(t *testing.T) {
	env := newMigration(t)
	anon := NewPortal(NewSession(env.dst.Session().BaseURL()))

	_, err := NewMigrator(env.src, anon)
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestCopyTextItemPreservesPayload(t *testing.T) {
	env := newMigration(t)
	payload := `{"version":"2.30","operationalLayers":[{"id":"l1"}]}`
	srcID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "city map", "type": "Web Map"},
		"", []byte(payload), nil, nil)

	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CopyItems([]*Item{env.sourceItem(t, srcID)}, "admin", ""))

	ids := m.IdentityMap()
	require.Contains(t, ids, srcID)
	newID := ids[srcID]
	assert.NotEqual(t, srcID, newID, "the copy gets a freshly allocated id")

	copied, err := env.dst.Item(newID)
	require.NoError(t, err)
	assert.Equal(t, "city map", copied.Title)
	assert.Equal(t, "admin", copied.Owner)

	data, err := env.dst.ItemDataBytes(newID)
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(data))
}

func TestCopyFileItemTransportsBlobs(t *testing.T) {
	env := newMigration(t)
	png := []byte("\x89PNG\r\n\x1a\nthumb")
	srcID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "parcels", "type": "CSV", "name": "parcels.csv"},
		"", []byte("id,area\n1,40\n"), png, []byte("<metadata/>"))

	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CopyItems([]*Item{env.sourceItem(t, srcID)}, "admin", ""))
	newID := m.IdentityMap()[srcID]
	require.NotEmpty(t, newID)

	data, err := env.dst.ItemDataBytes(newID)
	require.NoError(t, err)
	assert.Equal(t, "id,area\n1,40\n", string(data))

	copied, err := env.dst.Item(newID)
	require.NoError(t, err)
	require.NotEmpty(t, copied.Thumbnail)
	thumbPath, err := env.dst.DownloadThumbnail(copied, t.TempDir())
	require.NoError(t, err)
	thumb, err := os.ReadFile(thumbPath)
	require.NoError(t, err)
	assert.Equal(t, png, thumb)

	found, err := env.dst.DownloadMetadata(newID, filepath.Join(t.TempDir(), "meta.xml"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCopyRecreatesSourceFolders(t *testing.T) {
	env := newMigration(t)
	folderID := env.srcFake.SeedFolder("ana", "maps")
	srcID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "city map", "type": "Web Map"},
		folderID, []byte("{}"), nil, nil)

	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CopyItems([]*Item{env.sourceItem(t, srcID)}, "admin", ""))

	folders, err := env.dst.Folders("admin")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "maps", folders[0].Title)

	copied, err := env.dst.Item(m.IdentityMap()[srcID])
	require.NoError(t, err)
	assert.Equal(t, folders[0].ID, copied.Folder)
}

func TestCopyIntoNamedFolder(t *testing.T) {
	env := newMigration(t)
	srcID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "notes", "type": "CSV"},
		"", []byte("x\n"), nil, nil)

	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CopyItems([]*Item{env.sourceItem(t, srcID)}, "admin", "imported"))

	folders, err := env.dst.Folders("admin")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "imported", folders[0].Title)
}

func TestFailedItemIsSkippedNotFatal(t *testing.T) {
	env := newMigration(t)
	goodID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "good", "type": "CSV"},
		"", []byte("ok\n"), nil, nil)
	badID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "bad", "type": "CSV"},
		"", []byte("broken\n"), nil, nil)
	good := env.sourceItem(t, goodID)
	bad := env.sourceItem(t, badID)

	// The target rejects every tokened call, so each copy attempt for the
	// first item exhausts the relogin cycle; the run must still finish.
	env.dstFake.ExpireTokens(2)

	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CopyItems([]*Item{bad, good}, "admin", ""))
	ids := m.IdentityMap()
	assert.NotContains(t, ids, badID)
	assert.Contains(t, ids, goodID)
}

func TestRerunDuplicatesContent(t *testing.T) {
	env := newMigration(t)
	srcID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "notes", "type": "CSV"},
		"", []byte("x\n"), nil, nil)

	for run := 0; run < 2; run++ {
		m, err := NewMigrator(env.src, env.dst)
		require.NoError(t, err)
		require.NoError(t, m.CopyItems([]*Item{env.sourceItem(t, srcID)}, "admin", ""))
		m.Close()
	}
	assert.Equal(t, 2, env.dstFake.ItemCount(), "runs never deduplicate")
}

func TestCopyRelationshipsRewritesEdges(t *testing.T) {
	env := newMigration(t)
	mapID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "viewer", "type": "Web Map"},
		"", []byte("{}"), nil, nil)
	svcID := env.srcFake.SeedItem(
		map[string]any{"owner": "ana", "title": "layer", "type": "Feature Service"},
		"", nil, nil, nil)
	env.srcFake.SeedEdge(mapID, svcID, "Map2Service")

	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)
	defer m.Close()

	// Only the map is requested; the service must come along through the
	// relationship walk.
	require.NoError(t, m.CopyItems([]*Item{env.sourceItem(t, mapID)}, "admin", ""))
	require.NoError(t, m.CopyRelationships("admin", nil))

	ids := m.IdentityMap()
	require.Contains(t, ids, mapID)
	require.Contains(t, ids, svcID, "relationship endpoints are copied transitively")

	edges := env.dstFake.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, [3]string{ids[mapID], ids[svcID], "Map2Service"}, edges[0])
}

func TestCopyGroupsCoercesAccess(t *testing.T) {
	env := newMigration(t)
	srcGroup := env.srcFake.SeedGroup(map[string]any{
		"owner": "ana", "title": "hydrology", "access": "public",
	}, nil)
	g, err := env.src.Group(srcGroup)
	require.NoError(t, err)

	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)
	defer m.Close()

	copied, err := m.CopyGroups([]*Group{g}, "")
	require.NoError(t, err)
	require.Contains(t, copied, srcGroup)

	target, err := env.dst.Group(copied[srcGroup])
	require.NoError(t, err)
	assert.Equal(t, "hydrology", target.Title)
	// public on a non-org source becomes org on an org target.
	assert.Equal(t, "org", target.Access)
}

func TestCopyGroupsReassignsOwner(t *testing.T) {
	env := newMigration(t)
	srcGroup := env.srcFake.SeedGroup(map[string]any{
		"owner": "ana", "title": "editors", "access": "private",
	}, nil)
	g, err := env.src.Group(srcGroup)
	require.NoError(t, err)

	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)
	defer m.Close()

	copied, err := m.CopyGroups([]*Group{g}, "bo")
	require.NoError(t, err)
	target, err := env.dst.Group(copied[srcGroup])
	require.NoError(t, err)
	assert.Equal(t, "bo", target.Owner)
}

func TestCoerceAccess(t *testing.T) {
	assert.Equal(t, "public", coerceAccess("org", true, false))
	assert.Equal(t, "org", coerceAccess("public", false, true))
	assert.Equal(t, "public", coerceAccess("public", true, true))
	assert.Equal(t, "private", coerceAccess("private", true, false))
}

func TestCloseRemovesScratch(t *testing.T) {
	env := newMigration(t)
	m, err := NewMigrator(env.src, env.dst)
	require.NoError(t, err)

	_, statErr := os.Stat(m.scratch)
	require.NoError(t, statErr)
	require.NoError(t, m.Close())
	_, statErr = os.Stat(m.scratch)
	assert.True(t, os.IsNotExist(statErr))
}
