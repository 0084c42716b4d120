package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"kiroku/internal/orchestrator"
	"kiroku/internal/recorder"
	"kiroku/internal/registry"
)

// cameraView はカメラ状態と実行中セッションをまとめたAPI表現
type cameraView struct {
	recorder.Snapshot
	Current *registry.Session `json:"current,omitempty"`
}

// manualRequest は手動録画操作のリクエストボディ
type manualRequest struct {
	Reason string `json:"reason"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	running := s.reg.Running()

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"machines":   len(s.config.Machines),
		"cameras":    len(s.orch.CameraSnapshots()),
		"recordings": len(running),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// handleMachines はマシン一覧取得エンドポイント
func (s *Server) handleMachines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"machines": s.orch.MachineSnapshots(),
	})
}

// handleCameras はカメラ一覧取得エンドポイント
// 各カメラの状態と実行中セッションを返す
func (s *Server) handleCameras(c *gin.Context) {
	snaps := s.orch.CameraSnapshots()
	cameras := make([]cameraView, 0, len(snaps))
	for _, snap := range snaps {
		view := cameraView{Snapshot: snap}
		if current, exists := s.reg.Current(snap.CameraID); exists {
			view.Current = &current
		}
		cameras = append(cameras, view)
	}

	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// handleCameraCurrent は実行中セッション取得エンドポイント
func (s *Server) handleCameraCurrent(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.orch.CameraSnapshot(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "カメラが見つかりません"})
		return
	}

	current, exists := s.reg.Current(id)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "実行中のセッションはありません"})
		return
	}
	c.JSON(http.StatusOK, current)
}

// handleCameraHistory はセッション履歴取得エンドポイント
// limitクエリで件数を制限できる（新しい順）
func (s *Server) handleCameraHistory(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.orch.CameraSnapshot(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "カメラが見つかりません"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limitは0以上の整数で指定してください"})
			return
		}
		limit = parsed
	}

	c.JSON(http.StatusOK, gin.H{
		"camera_id": id,
		"sessions":  s.reg.History(id, limit),
	})
}

// handleCameraStart は手動録画開始エンドポイント
// インテントはカメラワーカーで非同期に処理されるため202を返す
func (s *Server) handleCameraStart(c *gin.Context) {
	id := c.Param("id")

	var req manualRequest
	_ = c.ShouldBindJSON(&req) // ボディは省略可
	reason := req.Reason
	if reason == "" {
		reason = "手動操作による開始"
	}

	if err := s.orch.Begin(id, reason); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownCamera) {
			c.JSON(http.StatusNotFound, gin.H{"error": "カメラが見つかりません"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"camera_id": id, "accepted": true})
}

// handleCameraStop は手動録画停止エンドポイント
func (s *Server) handleCameraStop(c *gin.Context) {
	id := c.Param("id")

	var req manualRequest
	_ = c.ShouldBindJSON(&req)
	reason := req.Reason
	if reason == "" {
		reason = "手動操作による停止"
	}

	if err := s.orch.End(id, reason); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownCamera) {
			c.JSON(http.StatusNotFound, gin.H{"error": "カメラが見つかりません"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"camera_id": id, "accepted": true})
}

// handleIngressStats は受信統計取得エンドポイント
func (s *Server) handleIngressStats(c *gin.Context) {
	if s.ingress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "受信層が構成されていません"})
		return
	}
	c.JSON(http.StatusOK, s.ingress.Stats())
}
