package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schaermu/cfgsyncd/internal/configtree"
	"github.com/schaermu/cfgsyncd/internal/settings"
)

func (s *Server) handleSync(c *gin.Context) {
	res, err := s.syncShared()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Git sync failed: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Git sync completed successfully",
		"result":  res,
	})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	current, err := settings.Load(s.store)
	if err != nil {
		s.logger.Error("failed to load settings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to get Git configuration: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    current.Masked(),
	})
}

// saveSettings binds and applies a partial update. It writes the error
// response itself and reports whether the handler may continue.
func (s *Server) saveSettings(c *gin.Context) bool {
	var update settings.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Invalid request format: " + err.Error(),
		})
		return false
	}

	if err := settings.Apply(s.store, update); err != nil {
		status := http.StatusInternalServerError
		if settings.IsValidationError(err) {
			status = http.StatusBadRequest
		} else {
			s.logger.Error("failed to save settings", "error", err)
		}
		c.JSON(status, gin.H{
			"success": false,
			"message": err.Error(),
		})
		return false
	}
	return true
}

func (s *Server) handlePutSettings(c *gin.Context) {
	if !s.saveSettings(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Git configuration saved successfully",
	})
}

func (s *Server) handleTestSettings(c *gin.Context) {
	if !s.saveSettings(c) {
		return
	}

	res, err := s.syncShared()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Git sync test failed: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Git configuration saved and sync test completed successfully",
		"result":  res,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	workDir := s.engine.WorkDir()

	tree, err := configtree.Summarize(workDir)
	if err != nil {
		s.logger.Warn("failed to summarize configuration tree", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"work_dir":  workDir,
		"tree":      tree,
		"last_sync": s.lastStatus(),
	})
}
