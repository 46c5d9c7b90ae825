// Package security decides which capabilities a plugin may use.
//
// The Manager keeps, per installed plugin, the declared capability set, the
// granted subset and whether the plugin is active. Authorization is a pure
// read of an immutable snapshot published through an atomic pointer, so
// checks never take a lock and a grant change is visible to every caller as
// soon as Grant, Revoke or SetGrants returns.
//
// Plugin code never holds a reference to the manager. Each bridge call
// carries a Token minted at registration:
//
//	token, _ := manager.Register("todo-sync", declared, declared)
//	_ = manager.Activate("todo-sync")
//	if err := manager.Check(ctx, token, capability.NoteWrite, "notes.save"); err != nil {
//		// *pluginerrors.SecurityViolation; logged, counted and audited already
//	}
//
// Operators can narrow grants without touching installations through a YAML
// GrantPolicy, loaded by FileGrantStore and hot reloaded by PolicyWatcher.
package security
