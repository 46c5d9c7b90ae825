// Package plugins describes installable plugins and validates their packages.
//
// A plugin package is a jar-style zip archive whose META-INF/MANIFEST.MF main
// section carries the Plugin-Name, Plugin-Version, Plugin-Main and
// Plugin-API-Version attributes. The Validator turns a package into a
// Descriptor, which is what the lifecycle manager installs.
//
// Loaders create a Handle for a descriptor:
//
//	static := plugins.NewStaticLoader(logger).
//	    MustRegister("markdown", newMarkdownRenderer)
//	loader := plugins.NewMultiLoader(static, luaLoader)
//
// Handles receive a Host at init time. Every call a handle makes through the
// host is checked against the plugin's granted capabilities.
package plugins
