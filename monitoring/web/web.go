// Package web holds the page the node monitor serves.
package web

import (
	"embed"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

//go:embed dist/*
var dist embed.FS

// DevEnv names the environment variable that switches the monitor to pages
// on disk. "1" or "true" selects the dist directory next to this file, any
// other non-empty value is taken as a directory.
const DevEnv = "QUIESCE_MONITOR_DEV"

// DevDir returns the directory selected by DevEnv, or "" when the embedded
// pages are used.
func DevDir() string {
	value := strings.TrimSpace(os.Getenv(DevEnv))

	switch strings.ToLower(value) {
	case "", "0", "false":
		return ""
	case "1", "true":
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			panic("cannot locate the monitor pages")
		}

		return filepath.Join(filepath.Dir(file), "dist")
	default:
		return value
	}
}

// GetAssets returns the pages, from disk when DevDir names a directory.
func GetAssets() http.FileSystem {
	if dir := DevDir(); dir != "" {
		log.Printf("monitor pages served from %s", dir)
		return http.Dir(dir)
	}

	pages, err := fs.Sub(dist, "dist")
	if err != nil {
		panic(err)
	}

	return http.FS(pages)
}
