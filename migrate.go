package portalgo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Migrator copies items, groups and relationships from a source portal to a
// target portal. Semantic identity is preserved via remapping: every copy
// records source id → freshly allocated target id in the run's IdentityMap,
// and relationships are rewritten through that map.
//
// A Migrator is scoped to one run. Re-running a copy with a new Migrator
// produces new target content; nothing deduplicates across runs. Items or
// groups that fail to copy are logged and skipped, and any relationship
// that would touch them is dropped rather than partially written.
type Migrator struct {
	src *Portal
	dst *Portal
	log zerolog.Logger

	runID   string
	scratch string

	ids       map[string]string // source item/group id -> target id
	itemQueue []string          // source ids of copied items, in copy order
	folderIDs map[string]string // target folder title -> folder id
	srcTitles map[string]string // source folder id -> title
}

// NewMigrator prepares a run between two portals. The target must already
// be signed in; that is checked once, here.
func NewMigrator(src, dst *Portal) (*Migrator, error) {
	if !dst.IsSignedIn() {
		return nil, fmt.Errorf("target portal: %w", ErrNotSignedIn)
	}
	runID := uuid.NewString()
	scratch, err := os.MkdirTemp("", "portalcopy-"+runID[:8]+"-")
	if err != nil {
		return nil, err
	}
	return &Migrator{
		src:       src,
		dst:       dst,
		log:       zerolog.Nop(),
		runID:     runID,
		scratch:   scratch,
		ids:       map[string]string{},
		folderIDs: map[string]string{},
		srcTitles: map[string]string{},
	}, nil
}

func (m *Migrator) SetLogger(log zerolog.Logger) *Migrator {
	m.log = log.With().Str("run", m.runID).Logger()
	return m
}

// IdentityMap returns a copy of the source→target id map built so far.
func (m *Migrator) IdentityMap() map[string]string {
	out := make(map[string]string, len(m.ids))
	for k, v := range m.ids {
		out[k] = v
	}
	return out
}

// Close removes the run's scratch directory.
func (m *Migrator) Close() error {
	return os.RemoveAll(m.scratch)
}

// CopyItems copies each item to targetOwner. When folderTitle is empty the
// source folder structure is recreated under the target owner; otherwise
// everything lands in the named folder. A failed item is logged and
// skipped; the run continues.
func (m *Migrator) CopyItems(items []*Item, targetOwner, folderTitle string) error {
	for _, item := range items {
		title := folderTitle
		if title == "" {
			title = m.sourceFolderTitle(item)
		}
		if _, err := m.copyItem(item, targetOwner, title); err != nil {
			m.log.Warn().Err(err).Str("item", item.ID).Str("title", item.Title).
				Msg("item copy failed, skipping")
		}
	}
	return nil
}

// copyItem materializes one item's payloads in a scratch directory, creates
// the item in the target and records the id mapping. The scratch directory
// is removed on every exit path.
func (m *Migrator) copyItem(item *Item, targetOwner, folderTitle string) (string, error) {
	dir := filepath.Join(m.scratch, item.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	copied := item.CopySafe()
	blobs := ItemBlobs{}

	if TextBasedItemType(item.Type) {
		data, err := m.src.ItemDataBytes(item.ID)
		if err == nil {
			copied.Text = string(data)
		} else if !isRemoteErr(err) {
			return "", err
		}
	} else {
		name := item.Name
		if name == "" {
			name = item.ID
		}
		dataPath := filepath.Join(dir, safeFilename(name))
		if err := m.src.DownloadItemData(item.ID, dataPath); err == nil {
			blobs.Data = dataPath
		} else if !isRemoteErr(err) {
			return "", err
		}
	}

	if thumb, err := m.src.DownloadThumbnail(item, dir); err == nil {
		blobs.Thumbnail = thumb
	} else if !isRemoteErr(err) {
		return "", err
	}

	metaPath := filepath.Join(dir, "metadata.xml")
	if found, err := m.src.DownloadMetadata(item.ID, metaPath); err == nil && found {
		blobs.Metadata = metaPath
	}

	folderID, err := m.resolveFolder(targetOwner, folderTitle)
	if err != nil {
		return "", err
	}
	newID, err := m.dst.AddItem(targetOwner, folderID, copied, blobs)
	if err != nil {
		return "", err
	}

	m.ids[item.ID] = newID
	m.itemQueue = append(m.itemQueue, item.ID)
	m.log.Info().Str("source", item.ID).Str("target", newID).
		Str("type", item.Type).Msg("item copied")
	return newID, nil
}

// resolveFolder finds or creates a same-titled folder under the target
// owner, memoized per title for the run. "" means the root folder.
func (m *Migrator) resolveFolder(owner, title string) (string, error) {
	if title == "" {
		return "", nil
	}
	if id, ok := m.folderIDs[title]; ok {
		return id, nil
	}
	folders, err := m.dst.Folders(owner)
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		if f.Title == title {
			m.folderIDs[title] = f.ID
			return f.ID, nil
		}
	}
	folder, err := m.dst.CreateFolder(owner, title)
	if err != nil {
		return "", err
	}
	m.folderIDs[title] = folder.ID
	return folder.ID, nil
}

// sourceFolderTitle maps an item's source folder id to its title, caching
// the source folder listing per owner encountered.
func (m *Migrator) sourceFolderTitle(item *Item) string {
	if item.Folder == "" || item.Folder == "/" {
		return ""
	}
	if title, ok := m.srcTitles[item.Folder]; ok {
		return title
	}
	folders, err := m.src.Folders(item.Owner)
	if err != nil {
		m.log.Debug().Err(err).Str("owner", item.Owner).Msg("source folders unavailable")
		return ""
	}
	for _, f := range folders {
		m.srcTitles[f.ID] = f.Title
	}
	return m.srcTitles[item.Folder]
}

// CopyGroups copies each group to the target, coercing access between org
// and public when the two portals differ in multi-tenancy support (the only
// permitted coercion). When targetOwner differs from the signed-in account
// the group is reassigned and then left, so the creating session is not
// kept as a spurious member. Returns source→target ids for the groups that
// copied.
func (m *Migrator) CopyGroups(groups []*Group, targetOwner string) (map[string]string, error) {
	copied := map[string]string{}
	for _, g := range groups {
		newID, err := m.copyGroup(g, targetOwner)
		if err != nil {
			m.log.Warn().Err(err).Str("group", g.ID).Str("title", g.Title).
				Msg("group copy failed, skipping")
			continue
		}
		copied[g.ID] = newID
	}
	return copied, nil
}

func (m *Migrator) copyGroup(g *Group, targetOwner string) (string, error) {
	dir := filepath.Join(m.scratch, "group-"+g.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	copied := g.CopySafe()
	copied.Access = coerceAccess(g.Access, m.src.IsOrg(), m.dst.IsOrg())

	thumb := ""
	if path, err := m.src.DownloadGroupThumbnail(g, dir); err == nil {
		thumb = path
	}

	newID, err := m.dst.CreateGroup(copied, thumb)
	if err != nil {
		return "", err
	}
	if targetOwner != "" && targetOwner != m.dst.LoggedInUser() {
		if err := m.dst.ReassignGroup(newID, targetOwner); err != nil {
			return "", err
		}
		if err := m.dst.LeaveGroup(newID); err != nil {
			m.log.Debug().Err(err).Str("group", newID).Msg("could not leave reassigned group")
		}
	}

	m.ids[g.ID] = newID
	m.log.Info().Str("source", g.ID).Str("target", newID).Msg("group copied")
	return newID, nil
}

// coerceAccess remaps a group access level between org and public when
// source and target differ in multi-tenancy support. Other levels pass
// through unchanged.
func coerceAccess(access string, srcOrg, dstOrg bool) string {
	switch access {
	case "org":
		if !dstOrg {
			return "public"
		}
	case "public":
		if dstOrg && !srcOrg {
			return "org"
		}
	}
	return access
}

// CopyRelationships walks every copied item's source-side relationships of
// the requested types and re-establishes them in the target through the
// IdentityMap. Endpoints missing from the map are copied transitively
// first, so relationship copying can pull in items beyond the original
// input set. An edge whose endpoint failed to copy is logged and dropped.
func (m *Migrator) CopyRelationships(targetOwner string, types []RelationshipType) error {
	if len(types) == 0 {
		types = RelationshipTypes()
	}
	for i := 0; i < len(m.itemQueue); i++ {
		srcID := m.itemQueue[i]
		rels, err := m.src.RelatedItems(srcID, types, []Direction{DirectionForward})
		if err != nil {
			m.log.Warn().Err(err).Str("item", srcID).Msg("related items unavailable")
			continue
		}
		for _, rel := range rels {
			destSrc := rel.Item.ID
			if _, ok := m.ids[destSrc]; !ok {
				item := rel.Item
				if _, err := m.copyItem(&item, targetOwner, m.sourceFolderTitle(&item)); err != nil {
					m.log.Warn().Err(err).Str("item", destSrc).
						Str("relationship", string(rel.Type)).
						Msg("related item copy failed, dropping relationship")
					continue
				}
			}
			if err := m.dst.AddRelationship(targetOwner, m.ids[srcID], m.ids[destSrc], rel.Type); err != nil {
				m.log.Warn().Err(err).
					Str("origin", srcID).Str("destination", destSrc).
					Msg("relationship not written")
			}
		}
	}
	return nil
}

func isRemoteErr(err error) bool {
	_, ok := err.(*RemoteError)
	return ok
}
