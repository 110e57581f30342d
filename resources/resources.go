// Package resources embeds the static files of the browser console.
package resources

import _ "embed"

var (
	//go:embed index.html
	IndexHTML []byte

	//go:embed styles.css
	StylesCSS []byte

	//go:embed rpc.js
	RPCJS []byte
)
