package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taskboard/internal/backend"
	"taskboard/internal/realtime"
)

// keepAlive is the interval of comment pings on idle event streams.
const keepAlive = 25 * time.Second

var streamTables = map[string]bool{
	backend.TableProjects:    true,
	backend.TableStages:      true,
	backend.TableTasks:       true,
	backend.TableAttachments: true,
	backend.TableComments:    true,
	backend.TableLabels:      true,
	backend.TableTaskLabels:  true,
	backend.TableMembers:     true,
}

// handleRealtime streams change events of a table as server-sent events.
// Streams filtered by project_id are open to project members, unfiltered
// ones to admins only.
func (s *Server) handleRealtime(c *gin.Context) {
	table := c.Param("table")
	if !streamTables[table] {
		s.respondError(c, http.StatusNotFound, fmt.Errorf("unknown table %q", table))
		return
	}
	filter, err := realtime.ParseFilter(c.Query("filter"))
	if err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	switch {
	case filter.Column == "project_id":
		if _, err := s.client.Authorize(ctx, filter.Value); err != nil {
			s.fail(c, err)
			return
		}
	case !currentUser(c).IsAdmin():
		s.respondError(c, http.StatusForbidden, fmt.Errorf("%w: filter by project_id", backend.ErrForbidden))
		return
	}

	sub := s.client.Hub().Subscribe(table, filter)
	defer sub.Close()
	s.logger.Debug("realtime stream opened", "table", table, "filter", filter.String(), "user_id", currentUser(c).ID)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"table": table, "filter": filter.String()})
	c.Writer.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
	s.logger.Debug("realtime stream closed", "table", table, "filter", filter.String())
}
