package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

// spaHandler serves files from fsys. Paths that don't name a file fall back
// to index.html so the browser client can route on its own.
func spaHandler(fsys fs.FS) echo.HandlerFunc {
	fileServer := http.FileServer(http.FS(fsys))

	return func(c echo.Context) error {
		if strings.HasPrefix(c.Request().URL.Path, "/api/") {
			return echo.ErrNotFound
		}

		reqPath := c.Param("*")
		if reqPath == "" {
			reqPath = "index.html"
		}

		// Clean the path to prevent directory traversal
		reqPath = path.Clean("/" + reqPath)
		reqPath = strings.TrimPrefix(reqPath, "/")

		info, err := fs.Stat(fsys, reqPath)
		if err != nil || info.IsDir() {
			reqPath = "index.html"
		}

		// index.html is served at "/" to avoid FileServer's redirect
		if reqPath == "index.html" {
			c.Request().URL.Path = "/"
		} else {
			c.Request().URL.Path = "/" + reqPath
		}
		fileServer.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
