// Package portalgo is a client toolkit for the REST API of an enterprise
// GIS portal. It covers the pieces an administrative or publishing script
// needs: an authenticated session with transparent token refresh, paginated
// search with optional grouping and aggregation, a typed facade over the
// item/group/user/folder endpoints, and an engine for copying content
// between two portal instances while preserving folder structure and item
// relationships.
//
// A typical flow connects to a portal, signs in, and works through the
// Portal facade:
//
//	session := portalgo.NewSession("https://myportal.example.com/sharing/rest")
//	portal := portalgo.NewPortal(session)
//	if err := portal.SignIn("admin", "secret"); err != nil {
//		// handle AuthenticationError
//	}
//	items, err := portal.SearchItems(portalgo.SearchOptions{
//		Query: `type:"Web Map"`,
//		Num:   200,
//	})
//
// Content migration runs between two Portal instances:
//
//	m, err := portalgo.NewMigrator(source, target)
//	if err != nil { ... }
//	defer m.Close()
//	m.CopyItems(items, "targetowner", "")
//	m.CopyRelationships("targetowner", nil)
//
// All operations are synchronous and single-threaded; a Session, Portal or
// Migrator must not be shared across goroutines.
package portalgo
