// Package portaltest provides an in-memory fake portal speaking the wire
// protocol the client consumes: JSON responses, token authentication,
// paginated search and the content/community endpoint layout. It keeps no
// dependency on the client package so both sides exercise only the wire.
package portaltest

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

const codeTokenExpired = 498

type edge struct {
	Origin      string
	Destination string
	Type        string
}

type members struct {
	Owner  string
	Admins []string
	Users  []string
}

// Server is one fake portal instance. Wrap it in httptest.NewServer and
// point a client session at <url>/sharing/rest.
type Server struct {
	mu     sync.Mutex
	router *mux.Router

	// OrgID makes the portal organizational when non-empty.
	OrgID string

	accounts map[string]string // username -> password
	tokens   map[string]string // token -> username

	items      map[string]map[string]any
	itemOrder  []string
	itemData   map[string][]byte
	itemThumbs map[string][]byte
	itemMeta   map[string][]byte
	itemFolder map[string]string // item id -> folder id, "" = root

	folders map[string]map[string]string // owner -> folder id -> title

	groups       map[string]map[string]any
	groupOrder   []string
	groupThumbs  map[string][]byte
	groupMembers map[string]*members

	edges []edge
	jobs  map[string]int // job id -> polls served

	nextID         int
	forcedExpiries int
	requestCounts  map[string]int

	// FailData makes the data endpoint for an item id answer with an
	// error envelope, simulating a broken payload.
	FailData map[string]bool
}

// New builds a fake non-organizational portal with one account.
func New() *Server {
	s := &Server{
		accounts:      map[string]string{},
		tokens:        map[string]string{},
		items:         map[string]map[string]any{},
		itemData:      map[string][]byte{},
		itemThumbs:    map[string][]byte{},
		itemMeta:      map[string][]byte{},
		itemFolder:    map[string]string{},
		folders:       map[string]map[string]string{},
		groups:        map[string]map[string]any{},
		groupThumbs:   map[string][]byte{},
		groupMembers:  map[string]*members{},
		jobs:          map[string]int{},
		requestCounts: map[string]int{},
		FailData:      map[string]bool{},
	}
	s.routes()
	return s
}

// NewOrg builds a fake organizational portal.
func NewOrg(orgID string) *Server {
	s := New()
	s.OrgID = orgID
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requestCounts[r.URL.Path]++
	s.mu.Unlock()
	s.router.ServeHTTP(w, r)
}

// RequestCount reports how many requests hit paths containing substr.
func (s *Server) RequestCount(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, c := range s.requestCounts {
		if strings.Contains(path, substr) {
			n += c
		}
	}
	return n
}

// AddAccount registers a login.
func (s *Server) AddAccount(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = password
}

// ExpireTokens makes the next n token-bearing requests answer with the
// token-expired envelope, invalidating the presented token each time.
func (s *Server) ExpireTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedExpiries = n
}

// SeedItem stores an item directly, returning its id. props must carry at
// least owner/title/type; folderID may be "".
func (s *Server) SeedItem(props map[string]any, folderID string, data, thumb, meta []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocate("itm")
	stored := map[string]any{"id": id}
	for k, v := range props {
		stored[k] = v
	}
	if folderID != "" {
		stored["ownerFolder"] = folderID
	}
	if thumb != nil {
		stored["thumbnail"] = "thumbnail/thumbnail.png"
		s.itemThumbs[id] = thumb
	}
	s.items[id] = stored
	s.itemOrder = append(s.itemOrder, id)
	s.itemFolder[id] = folderID
	if data != nil {
		s.itemData[id] = data
	}
	if meta != nil {
		s.itemMeta[id] = meta
	}
	return id
}

// SeedFolder stores a folder for owner, returning its id.
func (s *Server) SeedFolder(owner, title string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addFolder(owner, title)
}

// SeedGroup stores a group, returning its id.
func (s *Server) SeedGroup(props map[string]any, thumb []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocate("grp")
	stored := map[string]any{"id": id}
	for k, v := range props {
		stored[k] = v
	}
	if thumb != nil {
		stored["thumbnail"] = "thumbnail.png"
		s.groupThumbs[id] = thumb
	}
	s.groups[id] = stored
	s.groupOrder = append(s.groupOrder, id)
	owner, _ := stored["owner"].(string)
	s.groupMembers[id] = &members{Owner: owner}
	return id
}

// SeedEdge stores a forward relationship edge.
func (s *Server) SeedEdge(origin, destination, relType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, edge{origin, destination, relType})
}

// ItemCount reports how many items the portal holds.
func (s *Server) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// ItemByTitle returns the first stored item with the given title.
func (s *Server) ItemByTitle(title string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.itemOrder {
		if s.items[id]["title"] == title {
			return s.items[id]
		}
	}
	return nil
}

// DataOf returns an item's stored data payload.
func (s *Server) DataOf(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemData[id]
}

// Edges returns all stored (origin, destination, type) triples.
func (s *Server) Edges() [][3]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][3]string, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, [3]string{e.Origin, e.Destination, e.Type})
	}
	return out
}

// GroupByTitle returns the first stored group with the given title.
func (s *Server) GroupByTitle(title string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.groupOrder {
		if s.groups[id]["title"] == title {
			return s.groups[id]
		}
	}
	return nil
}

// --------------------------------------------------
// Routing
// --------------------------------------------------

func (s *Server) routes() {
	r := mux.NewRouter()
	api := r.PathPrefix("/sharing/rest").Subrouter()

	api.HandleFunc("/generateToken", s.handleGenerateToken).Methods(http.MethodPost)
	api.HandleFunc("/portals/self", s.handleSelf)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet, http.MethodPost)

	api.HandleFunc("/community/groups", s.handleGroupSearch).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/community/users", s.handleUserSearch).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/community/users/{user}", s.handleUser)
	api.HandleFunc("/community/signUp", s.handleSignup).Methods(http.MethodPost)
	api.HandleFunc("/community/createGroup", s.auth(s.handleCreateGroup)).Methods(http.MethodPost)
	api.HandleFunc("/community/groups/{id}", s.handleGroup).Methods(http.MethodGet)
	api.HandleFunc("/community/groups/{id}/update", s.auth(s.handleUpdateGroup)).Methods(http.MethodPost)
	api.HandleFunc("/community/groups/{id}/delete", s.auth(s.handleDeleteGroup)).Methods(http.MethodPost)
	api.HandleFunc("/community/groups/{id}/users", s.handleGroupUsers)
	api.HandleFunc("/community/groups/{id}/addUsers", s.auth(s.handleAddGroupUsers)).Methods(http.MethodPost)
	api.HandleFunc("/community/groups/{id}/invite", s.auth(s.handleInvite)).Methods(http.MethodPost)
	api.HandleFunc("/community/groups/{id}/reassign", s.auth(s.handleReassignGroup)).Methods(http.MethodPost)
	api.HandleFunc("/community/groups/{id}/leave", s.auth(s.handleLeaveGroup)).Methods(http.MethodPost)
	api.HandleFunc("/community/groups/{id}/info/{file:.*}", s.handleGroupThumbnail)

	api.HandleFunc("/content/items/{id}", s.handleItem).Methods(http.MethodGet)
	api.HandleFunc("/content/items/{id}/data", s.handleItemData)
	api.HandleFunc("/content/items/{id}/info/metadata/metadata.xml", s.handleItemMetadata)
	api.HandleFunc("/content/items/{id}/info/{file:.*}", s.handleItemThumbnail)
	api.HandleFunc("/content/items/{id}/relatedItems", s.handleRelatedItems)
	api.HandleFunc("/content/items/{id}/share", s.auth(s.handleShare)).Methods(http.MethodPost)
	api.HandleFunc("/content/items/{id}/unshare", s.auth(s.handleUnshare)).Methods(http.MethodPost)

	api.HandleFunc("/content/users/{owner}", s.auth(s.handleUserContent)).Methods(http.MethodGet)
	api.HandleFunc("/content/users/{owner}/addItem", s.auth(s.handleAddItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/createFolder", s.auth(s.handleCreateFolder)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/addRelationship", s.auth(s.handleAddRelationship)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/deleteRelationship", s.auth(s.handleDeleteRelationship)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/publish", s.auth(s.handlePublish)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/items/{id}/status", s.auth(s.handleJobStatus))
	api.HandleFunc("/content/users/{owner}/items/{id}/update", s.auth(s.handleUpdateItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/items/{id}/delete", s.auth(s.handleDeleteItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/items/{id}/move", s.auth(s.handleMoveItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/items/{id}/reassign", s.auth(s.handleReassignItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/{folder}", s.auth(s.handleUserContent)).Methods(http.MethodGet)
	api.HandleFunc("/content/users/{owner}/{folder}/addItem", s.auth(s.handleAddItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/{folder}/delete", s.auth(s.handleDeleteFolder)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/{folder}/items/{id}/update", s.auth(s.handleUpdateItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/{folder}/items/{id}/delete", s.auth(s.handleDeleteItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/{folder}/items/{id}/move", s.auth(s.handleMoveItem)).Methods(http.MethodPost)
	api.HandleFunc("/content/users/{owner}/{folder}/items/{id}/reassign", s.auth(s.handleReassignItem)).Methods(http.MethodPost)

	s.router = r
}

// --------------------------------------------------
// Auth
// --------------------------------------------------

func (s *Server) params(r *http.Request) map[string]string {
	out := map[string]string{}
	_ = r.ParseMultipartForm(32 << 20)
	_ = r.ParseForm()
	for k, vs := range r.Form {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	if r.MultipartForm != nil {
		for k, vs := range r.MultipartForm.Value {
			if len(vs) > 0 {
				out[k] = vs[0]
			}
		}
	}
	return out
}

func (s *Server) auth(next func(http.ResponseWriter, *http.Request, map[string]string, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.params(r)
		token := p["token"]
		s.mu.Lock()
		if token != "" && s.forcedExpiries > 0 {
			s.forcedExpiries--
			delete(s.tokens, token)
			s.mu.Unlock()
			writeError(w, codeTokenExpired, "token expired")
			return
		}
		user, ok := s.tokens[token]
		s.mu.Unlock()
		if token == "" || !ok {
			writeError(w, codeTokenExpired, "token required")
			return
		}
		next(w, r, p, user)
	}
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	p := s.params(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if serverURL := p["serverUrl"]; serverURL != "" {
		// Federated server tokens are exchanged for an existing token.
		user, ok := s.tokens[p["token"]]
		if !ok {
			writeError(w, codeTokenExpired, "token required")
			return
		}
		token := s.allocate("srvtok")
		s.tokens[token] = user
		writeJSON(w, map[string]any{"token": token, "expires": 0})
		return
	}
	password, ok := s.accounts[p["username"]]
	if !ok || password != p["password"] {
		writeError(w, 400, "unable to generate token: invalid username or password")
		return
	}
	token := s.allocate("tok")
	s.tokens[token] = p["username"]
	writeJSON(w, map[string]any{"token": token, "expires": 0})
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	self := map[string]any{"id": s.OrgID, "name": "fake portal"}
	p := s.params(r)
	if user, ok := s.tokens[p["token"]]; ok {
		self["user"] = map[string]any{"username": user}
	}
	writeJSON(w, self)
}

// --------------------------------------------------
// Search
// --------------------------------------------------

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	p := s.params(r)
	s.mu.Lock()
	var matched []map[string]any
	for _, id := range s.itemOrder {
		if s.matches(s.items[id], p["q"]) {
			matched = append(matched, s.items[id])
		}
	}
	s.mu.Unlock()
	writePage(w, matched, p)
}

func (s *Server) handleGroupSearch(w http.ResponseWriter, r *http.Request) {
	p := s.params(r)
	s.mu.Lock()
	var matched []map[string]any
	for _, id := range s.groupOrder {
		if s.matches(s.groups[id], p["q"]) {
			matched = append(matched, s.groups[id])
		}
	}
	s.mu.Unlock()
	writePage(w, matched, p)
}

func (s *Server) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	p := s.params(r)
	s.mu.Lock()
	var matched []map[string]any
	for username := range s.accounts {
		rec := map[string]any{"username": username}
		if s.matches(rec, p["q"]) {
			matched = append(matched, rec)
		}
	}
	s.mu.Unlock()
	writePage(w, matched, p)
}

// matches implements just enough of the query grammar: space-separated
// terms ANDed together, each either key:value (value optionally quoted) or
// a bare word matched against the title.
func (s *Server) matches(rec map[string]any, q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return true
	}
	for _, term := range splitTerms(q) {
		key, value, hasKey := strings.Cut(term, ":")
		value = strings.Trim(value, `"`)
		if !hasKey {
			title, _ := rec["title"].(string)
			if !strings.Contains(strings.ToLower(title), strings.ToLower(term)) {
				return false
			}
			continue
		}
		if key == "accountid" {
			if s.OrgID != value {
				return false
			}
			continue
		}
		field, _ := rec[key].(string)
		if !strings.EqualFold(field, value) {
			return false
		}
	}
	return true
}

func splitTerms(q string) []string {
	var terms []string
	var cur strings.Builder
	quoted := false
	for _, c := range q {
		switch {
		case c == '"':
			quoted = !quoted
			cur.WriteRune(c)
		case c == ' ' && !quoted:
			if cur.Len() > 0 {
				terms = append(terms, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		terms = append(terms, cur.String())
	}
	return terms
}

func writePage(w http.ResponseWriter, matched []map[string]any, p map[string]string) {
	start, _ := strconv.Atoi(p["start"])
	if start < 1 {
		start = 1
	}
	num, _ := strconv.Atoi(p["num"])
	if num < 1 {
		num = 10
	}
	total := len(matched)
	lo := start - 1
	if lo > total {
		lo = total
	}
	hi := lo + num
	if hi > total {
		hi = total
	}
	next := -1
	if hi < total {
		next = hi + 1
	}
	writeJSON(w, map[string]any{
		"total":     total,
		"start":     start,
		"num":       hi - lo,
		"nextStart": next,
		"results":   matched[lo:hi],
	})
}

// --------------------------------------------------
// Items
// --------------------------------------------------

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	item, ok := s.items[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, 400, "item not found")
		return
	}
	writeJSON(w, item)
}

func (s *Server) handleItemData(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	data, ok := s.itemData[id]
	fail := s.FailData[id]
	s.mu.Unlock()
	if fail {
		writeError(w, 500, "data unavailable")
		return
	}
	if !ok {
		writeError(w, 400, "item has no data")
		return
	}
	w.Write(data)
}

func (s *Server) handleItemThumbnail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	thumb, ok := s.itemThumbs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, 400, "no thumbnail")
		return
	}
	w.Write(thumb)
}

func (s *Server) handleItemMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	meta, ok := s.itemMeta[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, 400, "no metadata")
		return
	}
	w.Write(meta)
}

func (s *Server) handleRelatedItems(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p := s.params(r)
	relType := p["relationshipType"]
	direction := p["direction"]
	s.mu.Lock()
	var related []map[string]any
	for _, e := range s.edges {
		if e.Type != relType {
			continue
		}
		var other string
		switch {
		case direction == "forward" && e.Origin == id:
			other = e.Destination
		case direction == "reverse" && e.Destination == id:
			other = e.Origin
		default:
			continue
		}
		if item, ok := s.items[other]; ok {
			related = append(related, item)
		}
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"relatedItems": related})
}

var itemFormFields = []string{
	"title", "type", "description", "snippet", "extent", "spatialReference",
	"name", "accessInformation", "licenseInfo", "culture", "url", "text",
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	owner := mux.Vars(r)["owner"]
	folder := mux.Vars(r)["folder"]

	s.mu.Lock()
	id := s.allocate("itm")
	item := map[string]any{"id": id, "owner": owner, "access": "private"}
	for _, f := range itemFormFields {
		if v, ok := p[f]; ok && v != "" && f != "text" {
			item[f] = v
		}
	}
	if tags := p["tags"]; tags != "" {
		item["tags"] = strings.Split(tags, ",")
	}
	if folder != "" {
		item["ownerFolder"] = folder
	}
	if text := p["text"]; text != "" {
		s.itemData[id] = []byte(text)
	}
	s.items[id] = item
	s.itemOrder = append(s.itemOrder, id)
	s.itemFolder[id] = folder
	s.mu.Unlock()

	s.storeUploads(r, id, item)
	writeJSON(w, map[string]any{"success": true, "id": id, "folder": folder})
}

func (s *Server) storeUploads(r *http.Request, id string, item map[string]any) {
	if r.MultipartForm == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for field, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		f, err := headers[0].Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			continue
		}
		switch field {
		case "file":
			s.itemData[id] = data
		case "thumbnail":
			s.itemThumbs[id] = data
			item["thumbnail"] = "thumbnail/" + headers[0].Filename
		case "metadata":
			s.itemMeta[id] = data
		}
	}
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, 400, "item not found")
		return
	}
	for _, f := range itemFormFields {
		if v, ok := p[f]; ok && v != "" && f != "text" {
			item[f] = v
		}
	}
	if tags := p["tags"]; tags != "" {
		item["tags"] = strings.Split(tags, ",")
	}
	if text := p["text"]; text != "" {
		s.itemData[id] = []byte(text)
	}
	s.mu.Unlock()
	s.storeUploads(r, id, item)
	writeJSON(w, map[string]any{"success": true, "id": id})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		writeError(w, 400, "item not found")
		return
	}
	delete(s.items, id)
	delete(s.itemData, id)
	delete(s.itemFolder, id)
	for i, oid := range s.itemOrder {
		if oid == id {
			s.itemOrder = append(s.itemOrder[:i], s.itemOrder[i+1:]...)
			break
		}
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleMoveItem(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	to := p["folder"]
	if to == "/" {
		to = ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		writeError(w, 400, "item not found")
		return
	}
	s.itemFolder[id] = to
	if to == "" {
		delete(item, "ownerFolder")
	} else {
		item["ownerFolder"] = to
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleReassignItem(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	target := p["targetUsername"]
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		writeError(w, 400, "item not found")
		return
	}
	item["owner"] = target
	s.itemFolder[id] = ""
	delete(item, "ownerFolder")
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		writeError(w, 400, "item not found")
		return
	}
	switch {
	case p["everyone"] == "true":
		item["access"] = "public"
	case p["org"] == "true":
		item["access"] = "org"
	default:
		item["access"] = "shared"
	}
	if groups := p["groups"]; groups != "" {
		item["sharedWith"] = strings.Split(groups, ",")
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		writeError(w, 400, "item not found")
		return
	}
	item["access"] = "private"
	delete(item, "sharedWith")
	writeJSON(w, map[string]any{"success": true})
}

// --------------------------------------------------
// Folders and user content
// --------------------------------------------------

func (s *Server) handleUserContent(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	owner := mux.Vars(r)["owner"]
	folder := mux.Vars(r)["folder"]
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []map[string]any
	for _, id := range s.itemOrder {
		item := s.items[id]
		if item["owner"] == owner && s.itemFolder[id] == folder {
			items = append(items, item)
		}
	}
	resp := map[string]any{"username": owner, "items": items}
	if folder == "" {
		var folders []map[string]any
		for id, title := range s.folders[owner] {
			folders = append(folders, map[string]any{"id": id, "title": title, "username": owner})
		}
		resp["folders"] = folders
	}
	writeJSON(w, resp)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	owner := mux.Vars(r)["owner"]
	title := p["title"]
	if title == "" {
		writeError(w, 400, "folder title required")
		return
	}
	s.mu.Lock()
	id := s.addFolder(owner, title)
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"success": true,
		"folder":  map[string]any{"id": id, "title": title, "username": owner},
	})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	owner := mux.Vars(r)["owner"]
	folder := mux.Vars(r)["folder"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[owner][folder]; !ok {
		writeError(w, 400, "folder not found")
		return
	}
	delete(s.folders[owner], folder)
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) addFolder(owner, title string) string {
	if s.folders[owner] == nil {
		s.folders[owner] = map[string]string{}
	}
	id := s.allocate("fld")
	s.folders[owner][id] = title
	return id
}

// --------------------------------------------------
// Relationships
// --------------------------------------------------

func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	origin, dest, relType := p["originItemId"], p["destinationItemId"], p["relationshipType"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[origin]; !ok {
		writeError(w, 400, "origin item not found")
		return
	}
	if _, ok := s.items[dest]; !ok {
		writeError(w, 400, "destination item not found")
		return
	}
	for _, e := range s.edges {
		if e.Origin == origin && e.Destination == dest && e.Type == relType {
			writeJSON(w, map[string]any{"success": true})
			return
		}
	}
	s.edges = append(s.edges, edge{origin, dest, relType})
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleDeleteRelationship(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	origin, dest, relType := p["originItemId"], p["destinationItemId"], p["relationshipType"]
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.edges {
		if e.Origin == origin && e.Destination == dest && e.Type == relType {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			writeJSON(w, map[string]any{"success": true})
			return
		}
	}
	writeError(w, 400, "relationship not found")
}

// --------------------------------------------------
// Publish jobs
// --------------------------------------------------

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	owner := mux.Vars(r)["owner"]
	itemID := p["itemId"]
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.items[itemID]
	if !ok {
		writeError(w, 400, "item not found")
		return
	}
	serviceID := s.allocate("itm")
	title, _ := source["title"].(string)
	s.items[serviceID] = map[string]any{
		"id": serviceID, "owner": owner, "title": title, "type": "Feature Service",
	}
	s.itemOrder = append(s.itemOrder, serviceID)
	s.itemFolder[serviceID] = ""
	jobID := s.allocate("job")
	s.jobs[jobID] = 0
	writeJSON(w, map[string]any{
		"services": []map[string]any{
			{"serviceItemId": serviceID, "jobId": jobID, "type": "Feature Service"},
		},
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	jobID := p["jobId"]
	s.mu.Lock()
	defer s.mu.Unlock()
	polls, ok := s.jobs[jobID]
	if !ok {
		writeError(w, 400, "job not found")
		return
	}
	s.jobs[jobID] = polls + 1
	status := "processing"
	if polls >= 1 {
		status = "completed"
	}
	writeJSON(w, map[string]any{"status": status, "statusMessage": status})
}

// --------------------------------------------------
// Groups and users
// --------------------------------------------------

var groupFormFields = []string{"title", "description", "snippet", "phone", "access"}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	s.mu.Lock()
	id := s.allocate("grp")
	group := map[string]any{"id": id, "owner": user}
	for _, f := range groupFormFields {
		if v, ok := p[f]; ok && v != "" {
			group[f] = v
		}
	}
	if tags := p["tags"]; tags != "" {
		group["tags"] = strings.Split(tags, ",")
	}
	group["isInvitationOnly"] = p["isInvitationOnly"] == "true"
	s.groups[id] = group
	s.groupOrder = append(s.groupOrder, id)
	s.groupMembers[id] = &members{Owner: user}
	s.mu.Unlock()

	if r.MultipartForm != nil {
		for field, headers := range r.MultipartForm.File {
			if field != "thumbnail" || len(headers) == 0 {
				continue
			}
			f, err := headers[0].Open()
			if err != nil {
				continue
			}
			data, _ := io.ReadAll(f)
			f.Close()
			s.mu.Lock()
			s.groupThumbs[id] = data
			group["thumbnail"] = headers[0].Filename
			s.mu.Unlock()
		}
	}
	writeJSON(w, map[string]any{"success": true, "group": group})
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	group, ok := s.groups[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, 400, "group not found")
		return
	}
	writeJSON(w, group)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[id]
	if !ok {
		writeError(w, 400, "group not found")
		return
	}
	for _, f := range groupFormFields {
		if v, ok := p[f]; ok && v != "" {
			group[f] = v
		}
	}
	if tags := p["tags"]; tags != "" {
		group["tags"] = strings.Split(tags, ",")
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		writeError(w, 400, "group not found")
		return
	}
	delete(s.groups, id)
	delete(s.groupMembers, id)
	for i, gid := range s.groupOrder {
		if gid == id {
			s.groupOrder = append(s.groupOrder[:i], s.groupOrder[i+1:]...)
			break
		}
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleGroupUsers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	m, ok := s.groupMembers[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, 400, "group not found")
		return
	}
	writeJSON(w, map[string]any{"owner": m.Owner, "admins": m.Admins, "users": m.Users})
}

func (s *Server) handleAddGroupUsers(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.groupMembers[id]
	if !ok {
		writeError(w, 400, "group not found")
		return
	}
	var notAdded []string
	for _, u := range strings.Split(p["users"], ",") {
		if u == "" {
			continue
		}
		if _, known := s.accounts[u]; !known {
			notAdded = append(notAdded, u)
			continue
		}
		m.Users = append(m.Users, u)
	}
	writeJSON(w, map[string]any{"notAdded": notAdded})
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleReassignGroup(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	target := p["targetUsername"]
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[id]
	if !ok {
		writeError(w, 400, "group not found")
		return
	}
	group["owner"] = target
	s.groupMembers[id].Owner = target
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request, p map[string]string, user string) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.groupMembers[id]
	if !ok {
		writeError(w, 400, "group not found")
		return
	}
	for i, u := range m.Users {
		if u == user {
			m.Users = append(m.Users[:i], m.Users[i+1:]...)
			break
		}
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleGroupThumbnail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	thumb, ok := s.groupThumbs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, 400, "no thumbnail")
		return
	}
	w.Write(thumb)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	p := s.params(r)
	username := p["username"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OrgID != "" {
		writeError(w, 403, "signup is disabled on organizational portals")
		return
	}
	if username == "" || p["password"] == "" {
		writeError(w, 400, "username and password required")
		return
	}
	if _, exists := s.accounts[username]; exists {
		writeError(w, 400, "username already taken")
		return
	}
	s.accounts[username] = p["password"]
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["user"]
	s.mu.Lock()
	_, ok := s.accounts[username]
	s.mu.Unlock()
	if !ok {
		writeError(w, 400, "user not found")
		return
	}
	writeJSON(w, map[string]any{"username": username})
}

// --------------------------------------------------
// Plumbing
// --------------------------------------------------

func (s *Server) allocate(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%04d", prefix, s.nextID)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": []string{},
		},
	})
}
