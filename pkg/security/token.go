package security

// Token is the capability token passed into every bridge call. Only the
// security package can mint one; the zero Token authorizes nothing.
//
// A token is bound to one registration of a plugin: after the plugin is
// uninstalled and installed again, tokens from the earlier registration stop
// authorizing.
type Token struct {
	pluginID   string
	generation uint64
}

// PluginID returns the plugin the token was issued to
func (t Token) PluginID() string {
	return t.pluginID
}

// IsZero reports whether t was never issued
func (t Token) IsZero() bool {
	return t.generation == 0
}
