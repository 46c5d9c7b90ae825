// Package bridge is the only path from running plugin code to the core note
// and user services.
//
// Every call names a capability that is checked against the plugin's token
// before the backing service is touched. Failures never reach the plugin:
// reads return an empty value, mutations return a
// pluginerrors.PluginOperationError with a fixed message. The host keeps the
// distinction between denied, not found and backend failure in its logs,
// metrics and audit trail.
package bridge
