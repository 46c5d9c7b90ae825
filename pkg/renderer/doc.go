// Package renderer offers renderer plugins by content type and invokes them
// under the RENDER capability.
//
// Renderers are added explicitly through a Builder at startup, or with
// Register once a renderer plugin is installed. Compatible returns only
// enabled renderers whose declared content types contain the requested one.
//
// # Rendering
//
//	res, err := registry.Render(ctx, "chart", note, map[string]interface{}{"height": 300})
//	if err != nil {
//		return err // unknown renderer
//	}
//	if !res.OK() {
//		// res.Output holds an escaped plain text placeholder
//	}
//
// Every render is time bounded. Interactive output runs its script in a
// fresh sandbox.Session that can only emit events into a bounded channel;
// the emitted events are returned in Result.Events.
package renderer
