package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/JAGUARAVI/Volcano/internal/resolve"
)

// handleLoadTracks implements GET /loadtracks.
func (s *Server) handleLoadTracks(c *gin.Context) {
	identifier := c.Query("identifier")
	if identifier == "" {
		c.JSON(http.StatusOK, resolve.LoadResult{LoadType: resolve.LoadTypeNoMatch})
		return
	}
	result := s.resolvers.Load(c.Request.Context(), identifier)
	c.JSON(http.StatusOK, result)
}

// handleDecodeTracks implements GET /decodetracks: a single `track` value
// returns the bare info object, repeated values return an array of
// {track, info} pairs.
func (s *Server) handleDecodeTracks(c *gin.Context) {
	blobs := c.QueryArray("track")
	if len(blobs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing track parameter"})
		return
	}

	if len(blobs) == 1 {
		desc, err := resolve.Decode(blobs[0])
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, desc)
		return
	}

	c.JSON(http.StatusOK, resolve.DecodeMany(blobs))
}
