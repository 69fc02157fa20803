package portalgo

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultPathCacheSize bounds the item-path cache. Entries are evicted
// least-recently-used and overwritten on later misses; there is no expiry.
const DefaultPathCacheSize = 100

// textBasedItemTypes are the item types whose data payload is fetched as
// text and inlined into the item properties rather than uploaded as a file.
var textBasedItemTypes = map[string]bool{
	"Web Map":                      true,
	"Web Scene":                    true,
	"Feature Collection":           true,
	"Feature Collection Template":  true,
	"Operation View":               true,
	"Symbol Set":                   true,
	"Color Set":                    true,
	"Document Link":                true,
	"Web Mapping Application":      true,
	"Mobile Application":           true,
	"Workforce Project":            true,
}

// TextBasedItemType reports whether an item type inlines its data payload.
func TextBasedItemType(itemType string) bool {
	return textBasedItemTypes[itemType]
}

// ItemBlobs are the optional payloads accompanying an item write: a data
// file, a thumbnail image and an XML metadata document. Each source is a
// local path or a remote URL; URLs are fetched to a temp file first.
type ItemBlobs struct {
	Data      string
	Thumbnail string
	Metadata  string
}

// Portal is the typed facade over one portal's item, group, user, folder,
// relationship and sharing endpoints. It is built on a Session and inherits
// its single-threaded contract.
type Portal struct {
	session   *Session
	log       zerolog.Logger
	props     *Properties
	pathCache *lru.Cache[string, string]
}

// NewPortal wraps a Session in the endpoint facade.
func NewPortal(session *Session) *Portal {
	cache, _ := lru.New[string, string](DefaultPathCacheSize)
	return &Portal{
		session:   session,
		log:       zerolog.Nop(),
		pathCache: cache,
	}
}

func (p *Portal) SetLogger(log zerolog.Logger) *Portal {
	p.log = log
	return p
}

// SetPathCacheSize replaces the item-path cache with one of the given
// capacity, discarding cached entries.
func (p *Portal) SetPathCacheSize(size int) *Portal {
	if size > 0 {
		p.pathCache, _ = lru.New[string, string](size)
	}
	return p
}

// Session exposes the underlying session.
func (p *Portal) Session() *Session { return p.session }

// SignIn logs the session in with the default token expiration.
func (p *Portal) SignIn(username, password string) error {
	_, err := p.session.Login(username, password, 0)
	if err != nil {
		return err
	}
	p.props = nil // self-description is per-account
	return nil
}

// IsSignedIn reports whether the underlying session holds a token.
func (p *Portal) IsSignedIn() bool { return p.session.SignedIn() }

// LoggedInUser returns the signed-in account name, or "".
func (p *Portal) LoggedInUser() string { return p.session.Username() }

// Properties fetches the portal self-description, cached per instance. The
// cache is never refreshed; a long-lived Portal can answer from stale data.
func (p *Portal) Properties() (*Properties, error) {
	if p.props != nil {
		return p.props, nil
	}
	var props Properties
	if err := p.session.Get("portals/self", nil, &props); err != nil {
		return nil, err
	}
	p.props = &props
	return p.props, nil
}

// IsOrg reports whether the portal is an organizational (multi-tenant)
// deployment. False when the self-description cannot be fetched.
func (p *Portal) IsOrg() bool {
	props, err := p.Properties()
	if err != nil {
		return false
	}
	return props.ID != ""
}

// GenerateToken issues a token scoped to a federated server URL.
func (p *Portal) GenerateToken(serverURL string, expiration int) (string, error) {
	if !p.session.SignedIn() {
		return "", ErrNotSignedIn
	}
	form := url.Values{}
	form.Set("serverUrl", serverURL)
	form.Set("token", p.session.Token())
	form.Set("expiration", fmt.Sprint(expiration))
	var resp struct {
		Token string `json:"token"`
	}
	if err := p.session.Post("generateToken", form, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Signup self-registers an account. Only non-organizational portals allow it.
func (p *Portal) Signup(username, password, fullname, email string) error {
	if p.IsOrg() {
		return fmt.Errorf("signup is not available on an organizational portal")
	}
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("fullname", fullname)
	form.Set("email", email)
	var resp struct {
		Success bool `json:"success"`
	}
	if err := p.session.Post("community/signUp", form, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("signup rejected for %q", username)
	}
	return nil
}

// --------------------------------------------------
// Items
// --------------------------------------------------

// Item fetches one item's properties.
func (p *Portal) Item(id string) (*Item, error) {
	var item Item
	if err := p.session.Get("content/items/"+id, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ItemDataBytes fetches an item's raw data payload.
func (p *Portal) ItemDataBytes(id string) ([]byte, error) {
	var raw []byte
	if err := p.session.Get("content/items/"+id+"/data", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DownloadItemData streams an item's data payload to dest.
func (p *Portal) DownloadItemData(id, dest string) error {
	return p.session.Download("content/items/"+id+"/data", nil, dest)
}

// DownloadThumbnail saves an item's thumbnail under destDir, returning the
// written path. Returns "" without error when the item has no thumbnail.
func (p *Portal) DownloadThumbnail(item *Item, destDir string) (string, error) {
	if item.Thumbnail == "" {
		return "", nil
	}
	name := safeFilename(filepath.Base(item.Thumbnail))
	dest := filepath.Join(destDir, name)
	if err := p.session.Download("content/items/"+item.ID+"/info/"+item.Thumbnail, nil, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// DownloadMetadata saves an item's XML metadata to dest. A missing metadata
// document is not an error; found reports whether one existed.
func (p *Portal) DownloadMetadata(id, dest string) (found bool, err error) {
	err = p.session.Download("content/items/"+id+"/info/metadata/metadata.xml", nil, dest)
	if err != nil {
		var remote *RemoteError
		if asRemote(err, &remote) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func asRemote(err error, target **RemoteError) bool {
	re, ok := err.(*RemoteError)
	if ok {
		*target = re
	}
	return ok
}

// UserContent lists a user's items and, for the root folder, the user's
// folders. folder is a folder id; "" means the root.
func (p *Portal) UserContent(owner, folder string) ([]Item, []Folder, error) {
	path := "content/users/" + owner
	if folder != "" {
		path += "/" + folder
	}
	var resp struct {
		Items   []Item   `json:"items"`
		Folders []Folder `json:"folders"`
	}
	if err := p.session.Get(path, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Items, resp.Folders, nil
}

// Folders lists a user's folders, root excluded.
func (p *Portal) Folders(owner string) ([]Folder, error) {
	_, folders, err := p.UserContent(owner, "")
	return folders, err
}

// CreateFolder creates a titled folder under the owner.
func (p *Portal) CreateFolder(owner, title string) (*Folder, error) {
	form := url.Values{}
	form.Set("title", title)
	var resp struct {
		Success bool   `json:"success"`
		Folder  Folder `json:"folder"`
	}
	if err := p.session.Post("content/users/"+owner+"/createFolder", form, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("create folder %q: portal refused", title)
	}
	return &resp.Folder, nil
}

// DeleteFolder removes a folder and its contents.
func (p *Portal) DeleteFolder(owner, folderID string) error {
	return p.successPost("content/users/"+owner+"/"+folderID+"/delete", nil)
}

// FindItemPath resolves which folder holds an item, probing the owner's
// root first and then each remaining folder. Results are cached per item id
// in the bounded LRU cache; a hit skips the folder enumeration entirely.
func (p *Portal) FindItemPath(id, owner string) (string, error) {
	if folder, ok := p.pathCache.Get(id); ok {
		return folder, nil
	}
	items, folders, err := p.UserContent(owner, "")
	if err != nil {
		return "", err
	}
	if containsItem(items, id) {
		p.pathCache.Add(id, "")
		return "", nil
	}
	for _, f := range folders {
		items, _, err := p.UserContent(owner, f.ID)
		if err != nil {
			return "", err
		}
		if containsItem(items, id) {
			p.pathCache.Add(id, f.ID)
			return f.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s under %s", ErrItemNotFound, id, owner)
}

func containsItem(items []Item, id string) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}

// AddItem creates an item under the owner's folder ("" for root) and
// returns the new item id.
func (p *Portal) AddItem(owner, folder string, item *Item, blobs ItemBlobs) (string, error) {
	path := "content/users/" + owner
	if folder != "" {
		path += "/" + folder
	}
	path += "/addItem"

	form := itemForm(item)
	files, cleanup, err := blobFiles(blobs)
	defer cleanup()
	if err != nil {
		return "", err
	}

	var resp struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	if len(files) > 0 {
		err = p.session.PostFiles(path, form, files, &resp)
	} else {
		err = p.session.Post(path, form, &resp)
	}
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.ID == "" {
		return "", fmt.Errorf("add item %q: portal refused", item.Title)
	}
	return resp.ID, nil
}

// UpdateItem rewrites an item's properties and optionally its blobs. The
// containing folder is resolved through FindItemPath.
func (p *Portal) UpdateItem(owner, id string, item *Item, blobs ItemBlobs) error {
	folder, err := p.FindItemPath(id, owner)
	if err != nil {
		return err
	}
	path := "content/users/" + owner
	if folder != "" {
		path += "/" + folder
	}
	path += "/items/" + id + "/update"

	form := itemForm(item)
	files, cleanup, err := blobFiles(blobs)
	defer cleanup()
	if err != nil {
		return err
	}
	if len(files) > 0 {
		return p.successPostFiles(path, form, files)
	}
	return p.successPost(path, form)
}

// DeleteItem removes an item, resolving its folder first.
func (p *Portal) DeleteItem(owner, id string) error {
	folder, err := p.FindItemPath(id, owner)
	if err != nil {
		return err
	}
	path := "content/users/" + owner
	if folder != "" {
		path += "/" + folder
	}
	return p.successPost(path+"/items/"+id+"/delete", nil)
}

// MoveItem files an item under another folder ("/" roots it).
func (p *Portal) MoveItem(owner, id, toFolder string) error {
	folder, err := p.FindItemPath(id, owner)
	if err != nil {
		return err
	}
	path := "content/users/" + owner
	if folder != "" {
		path += "/" + folder
	}
	form := url.Values{}
	if toFolder == "" {
		toFolder = "/"
	}
	form.Set("folder", toFolder)
	if err := p.successPost(path+"/items/"+id+"/move", form); err != nil {
		return err
	}
	p.pathCache.Remove(id)
	return nil
}

// ReassignItem transfers an item to another owner.
func (p *Portal) ReassignItem(owner, id, targetOwner, targetFolder string) error {
	folder, err := p.FindItemPath(id, owner)
	if err != nil {
		return err
	}
	path := "content/users/" + owner
	if folder != "" {
		path += "/" + folder
	}
	form := url.Values{}
	form.Set("targetUsername", targetOwner)
	if targetFolder != "" {
		form.Set("targetFolderName", targetFolder)
	}
	if err := p.successPost(path+"/items/"+id+"/reassign", form); err != nil {
		return err
	}
	p.pathCache.Remove(id)
	return nil
}

// ShareItem exposes an item to group ids, the organization and/or everyone.
func (p *Portal) ShareItem(id string, groups []string, org, everyone bool) error {
	form := url.Values{}
	form.Set("groups", strings.Join(groups, ","))
	form.Set("org", fmt.Sprint(org))
	form.Set("everyone", fmt.Sprint(everyone))
	return p.successPost("content/items/"+id+"/share", form)
}

// UnshareItem withdraws an item from the given groups.
func (p *Portal) UnshareItem(id string, groups []string) error {
	form := url.Values{}
	form.Set("groups", strings.Join(groups, ","))
	return p.successPost("content/items/"+id+"/unshare", form)
}

// RelatedItems queries an item's relationships of the requested types in
// the requested directions. Types and directions outside the fixed
// enumerations are rejected before any network call.
func (p *Portal) RelatedItems(id string, types []RelationshipType, directions []Direction) ([]RelatedItem, error) {
	if len(types) == 0 {
		types = RelationshipTypes()
	}
	if len(directions) == 0 {
		directions = []Direction{DirectionForward}
	}
	for _, t := range types {
		if !t.valid() {
			return nil, fmt.Errorf("%w: %q", ErrRelationshipType, t)
		}
	}
	for _, d := range directions {
		if !d.valid() {
			return nil, fmt.Errorf("%w: %q", ErrDirection, d)
		}
	}

	var out []RelatedItem
	for _, t := range types {
		for _, d := range directions {
			query := url.Values{}
			query.Set("relationshipType", string(t))
			query.Set("direction", string(d))
			var resp struct {
				RelatedItems []Item `json:"relatedItems"`
			}
			if err := p.session.Get("content/items/"+id+"/relatedItems", query, &resp); err != nil {
				return nil, err
			}
			for _, item := range resp.RelatedItems {
				out = append(out, RelatedItem{Item: item, Type: t, Direction: d})
			}
		}
	}
	return out, nil
}

// AddRelationship records a forward edge between two items.
func (p *Portal) AddRelationship(owner, originID, destinationID string, relType RelationshipType) error {
	if !relType.valid() {
		return fmt.Errorf("%w: %q", ErrRelationshipType, relType)
	}
	form := url.Values{}
	form.Set("originItemId", originID)
	form.Set("destinationItemId", destinationID)
	form.Set("relationshipType", string(relType))
	return p.successPost("content/users/"+owner+"/addRelationship", form)
}

// DeleteRelationship removes a forward edge.
func (p *Portal) DeleteRelationship(owner, originID, destinationID string, relType RelationshipType) error {
	if !relType.valid() {
		return fmt.Errorf("%w: %q", ErrRelationshipType, relType)
	}
	form := url.Values{}
	form.Set("originItemId", originID)
	form.Set("destinationItemId", destinationID)
	form.Set("relationshipType", string(relType))
	return p.successPost("content/users/"+owner+"/deleteRelationship", form)
}

// --------------------------------------------------
// Groups and users
// --------------------------------------------------

// Group fetches one group's properties.
func (p *Portal) Group(id string) (*Group, error) {
	var g Group
	if err := p.session.Get("community/groups/"+id, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGroup creates a group, optionally with a thumbnail file, returning
// the new group id.
func (p *Portal) CreateGroup(g *Group, thumbnailPath string) (string, error) {
	form := groupForm(g)
	var resp struct {
		Success bool  `json:"success"`
		Group   Group `json:"group"`
	}
	var err error
	if thumbnailPath != "" {
		files := []File{thumbnailFile(thumbnailPath)}
		err = p.session.PostFiles("community/createGroup", form, files, &resp)
	} else {
		err = p.session.Post("community/createGroup", form, &resp)
	}
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.Group.ID == "" {
		return "", fmt.Errorf("create group %q: portal refused", g.Title)
	}
	return resp.Group.ID, nil
}

// UpdateGroup rewrites a group's properties.
func (p *Portal) UpdateGroup(id string, g *Group) error {
	return p.successPost("community/groups/"+id+"/update", groupForm(g))
}

// DeleteGroup removes a group.
func (p *Portal) DeleteGroup(id string) error {
	return p.successPost("community/groups/"+id+"/delete", nil)
}

// DownloadGroupThumbnail saves a group's thumbnail under destDir, returning
// the written path, or "" when the group has none.
func (p *Portal) DownloadGroupThumbnail(g *Group, destDir string) (string, error) {
	if g.Thumbnail == "" {
		return "", nil
	}
	dest := filepath.Join(destDir, safeFilename(filepath.Base(g.Thumbnail)))
	if err := p.session.Download("community/groups/"+g.ID+"/info/"+g.Thumbnail, nil, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// GroupMembers lists a group's members split into owner, admins and users.
func (p *Portal) GroupMembers(id string) (*GroupMembers, error) {
	var members GroupMembers
	if err := p.session.Get("community/groups/"+id+"/users", nil, &members); err != nil {
		return nil, err
	}
	return &members, nil
}

// AddGroupUsers adds members directly, bypassing invitations. Returns the
// usernames the portal refused.
func (p *Portal) AddGroupUsers(id string, users []string) ([]string, error) {
	form := url.Values{}
	form.Set("users", strings.Join(users, ","))
	var resp struct {
		NotAdded []string `json:"notAdded"`
	}
	if err := p.session.Post("community/groups/"+id+"/addUsers", form, &resp); err != nil {
		return nil, err
	}
	return resp.NotAdded, nil
}

// InviteGroupUsers sends group invitations with the given role.
func (p *Portal) InviteGroupUsers(id string, users []string, role string) error {
	form := url.Values{}
	form.Set("users", strings.Join(users, ","))
	if role != "" {
		form.Set("role", role)
	}
	return p.successPost("community/groups/"+id+"/invite", form)
}

// ReassignGroup transfers group ownership.
func (p *Portal) ReassignGroup(id, targetOwner string) error {
	form := url.Values{}
	form.Set("targetUsername", targetOwner)
	return p.successPost("community/groups/"+id+"/reassign", form)
}

// LeaveGroup removes the signed-in account from a group's member list.
func (p *Portal) LeaveGroup(id string) error {
	return p.successPost("community/groups/"+id+"/leave", nil)
}

// User fetches one account.
func (p *Portal) User(username string) (*User, error) {
	var u User
	if err := p.session.Get("community/users/"+username, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// --------------------------------------------------
// Helpers
// --------------------------------------------------

func (p *Portal) successPost(path string, form url.Values) error {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := p.session.Post(path, form, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: portal refused", path)
	}
	return nil
}

func (p *Portal) successPostFiles(path string, form url.Values, files []File) error {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := p.session.PostFiles(path, form, files, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: portal refused", path)
	}
	return nil
}

func itemForm(item *Item) url.Values {
	form := url.Values{}
	set := func(k, v string) {
		if v != "" {
			form.Set(k, v)
		}
	}
	set("title", item.Title)
	set("type", item.Type)
	set("tags", strings.Join(item.Tags, ","))
	set("description", item.Description)
	set("snippet", item.Snippet)
	if len(item.Extent) > 0 {
		form.Set("extent", string(item.Extent))
	}
	set("spatialReference", item.SpatialReference)
	set("name", item.Name)
	set("accessInformation", item.AccessInformation)
	set("licenseInfo", item.LicenseInfo)
	set("culture", item.Culture)
	set("url", item.URL)
	set("text", item.Text)
	return form
}

func groupForm(g *Group) url.Values {
	form := url.Values{}
	set := func(k, v string) {
		if v != "" {
			form.Set(k, v)
		}
	}
	set("title", g.Title)
	set("description", g.Description)
	set("tags", strings.Join(g.Tags, ","))
	set("snippet", g.Snippet)
	set("phone", g.Phone)
	set("access", g.Access)
	form.Set("isInvitationOnly", fmt.Sprint(g.IsInvitationOnly))
	return form
}

// blobFiles turns blob sources into multipart files, fetching remote URLs
// to temp files. cleanup removes any temp files and is safe to call always.
func blobFiles(blobs ItemBlobs) (files []File, cleanup func(), err error) {
	var temps []string
	cleanup = func() {
		for _, t := range temps {
			os.Remove(t)
		}
	}
	localize := func(source string) (string, error) {
		if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
			return source, nil
		}
		path, err := fetchToTemp(source)
		if err != nil {
			return "", err
		}
		temps = append(temps, path)
		return path, nil
	}

	if blobs.Data != "" {
		path, lerr := localize(blobs.Data)
		if lerr != nil {
			return nil, cleanup, lerr
		}
		files = append(files, File{Field: "file", Path: path})
	}
	if blobs.Thumbnail != "" {
		path, lerr := localize(blobs.Thumbnail)
		if lerr != nil {
			return nil, cleanup, lerr
		}
		files = append(files, thumbnailFile(path))
	}
	if blobs.Metadata != "" {
		path, lerr := localize(blobs.Metadata)
		if lerr != nil {
			return nil, cleanup, lerr
		}
		files = append(files, File{Field: "metadata", Path: path, Name: "metadata.xml", ContentType: "text/xml"})
	}
	return files, cleanup, nil
}

// thumbnailFile infers the image format by content sniffing when the
// filename carries no usable extension.
func thumbnailFile(path string) File {
	f := File{Field: "thumbnail", Path: path}
	if mimeOK(filepath.Ext(path)) {
		return f
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return f
	}
	ctype := http.DetectContentType(data)
	if ext := extForImage(ctype); ext != "" {
		f.Name = filepath.Base(path) + ext
		f.ContentType = ctype
	}
	return f
}

func mimeOK(ext string) bool {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	}
	return false
}

func extForImage(ctype string) string {
	switch ctype {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	}
	return ""
}

func fetchToTemp(rawURL string) (string, error) {
	resp, err := http.Get(rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	tmp, err := os.CreateTemp("", "portalgo-blob-")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// maxFilenameLen keeps downloaded names inside common filesystem limits.
const maxFilenameLen = 50

func safeFilename(name string) string {
	if len(name) <= maxFilenameLen {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= maxFilenameLen {
		return name[:maxFilenameLen]
	}
	return name[:maxFilenameLen-len(ext)] + ext
}
