package server

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleDownload serves an attachment addressed by a signed URL.
func (s *Server) handleDownload(c *gin.Context) {
	bucket := s.client.Bucket()
	if c.Param("bucket") != bucket.Name() {
		s.respondError(c, http.StatusNotFound, fmt.Errorf("unknown bucket %q", c.Param("bucket")))
		return
	}
	objectPath := strings.TrimPrefix(c.Param("path"), "/")
	if err := bucket.Verify(objectPath, c.Query("token")); err != nil {
		s.fail(c, err)
		return
	}

	f, err := s.client.OpenObject(objectPath)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": displayName(objectPath)}))
	c.Header("Cache-Control", "private, max-age=300")
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

// displayName strips the unique prefix added to stored file names.
func displayName(objectPath string) string {
	name := path.Base(objectPath)
	if len(name) > 37 && name[36] == '-' {
		if _, err := uuid.Parse(name[:36]); err == nil {
			return name[37:]
		}
	}
	return name
}
