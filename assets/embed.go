// Package assets embeds the client runtime served under /_/static/.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed static/*
var files embed.FS

// Static returns the embedded static files rooted at the static directory,
// so "bootstrap.js" resolves to static/bootstrap.js.
func Static() fs.FS {
	sub, err := fs.Sub(files, "static")
	if err != nil {
		// unreachable: the directory is part of the embed pattern
		panic(err)
	}
	return sub
}
