// Package web serves the bundled QR pairing page.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFiles embed.FS

// Handler serves the embedded frontend.
func Handler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

// DirHandler serves the frontend from disk instead of the embedded copy,
// useful while editing the page.
func DirHandler(dir string) http.Handler {
	return http.FileServer(http.Dir(dir))
}
