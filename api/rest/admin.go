package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/gridstash/audit"
	"github.com/kasuganosora/gridstash/config"
	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/game/player"
	"github.com/kasuganosora/gridstash/model"
	"github.com/kasuganosora/gridstash/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints. The authority registry is
// driven directly: inventories created here are ordinary inventories that
// peers can subscribe to.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db     *gorm.DB
	sm     *player.SessionManager
	reg    *inventory.Registry
	inv    config.InventoryConfig
	audit  *audit.Service
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler. auditSvc may be nil.
func NewAdminHandler(
	db *gorm.DB,
	sm *player.SessionManager,
	reg *inventory.Registry,
	inv config.InventoryConfig,
	auditSvc *audit.Service,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, sm: sm, reg: reg, inv: inv, audit: auditSvc, sched: sched, logger: logger}
}

// Register mounts every admin route on g.
func (h *AdminHandler) Register(g gin.IRoutes) {
	g.GET("/metrics", h.Metrics)
	g.GET("/peers", h.ListPeers)
	g.POST("/kick/:id", h.KickPeer)
	g.POST("/accounts/:id/ban", h.BanAccount)
	g.GET("/inventories", h.ListInventories)
	g.POST("/inventories", h.CreateInventory)
	g.GET("/inventories/:id", h.GetInventory)
	g.DELETE("/inventories/:id", h.DeleteInventory)
	g.POST("/inventories/:id/spawn", h.SpawnItem)
	g.GET("/audit", h.ListAudit)
	g.GET("/scheduler", h.ListSchedulerTasks)
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	inventories, items := h.reg.Stats()
	consistent := true
	if err := h.reg.CheckConsistency(); err != nil {
		consistent = false
		h.logger.Warn("consistency check failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"online_peers":    h.sm.Count(),
		"inventories":     inventories,
		"items":           items,
		"consistent":      consistent,
		"scheduler_tasks": h.sched.ListTickers(),
	})
}

// ListPeers returns a snapshot of all connected peers.
// GET /api/admin/peers
func (h *AdminHandler) ListPeers(c *gin.Context) {
	sessions := h.sm.All()
	type peerInfo struct {
		AccountID   int64  `json:"account_id"`
		Username    string `json:"username"`
		IP          string `json:"ip"`
		BagID       int64  `json:"inventory_id"`
		ConnectedAt int64  `json:"connected_at"`
		Sent        uint64 `json:"packets_sent"`
		Dropped     uint64 `json:"packets_dropped"`
	}
	result := make([]peerInfo, 0, len(sessions))
	for _, s := range sessions {
		sent, dropped := s.Counters()
		result = append(result, peerInfo{
			AccountID:   s.AccountID,
			Username:    s.Username,
			IP:          s.IP,
			BagID:       s.BagID,
			ConnectedAt: s.ConnectedAt.Unix(),
			Sent:        sent,
			Dropped:     dropped,
		})
	}
	c.JSON(http.StatusOK, gin.H{"peers": result, "count": len(result)})
}

// KickPeer forcibly disconnects a peer by account ID. Its subscriptions are
// dropped when the read loop notices the closed connection.
// POST /api/admin/kick/:id
func (h *AdminHandler) KickPeer(c *gin.Context) {
	accountID, ok := paramID(c)
	if !ok {
		return
	}
	s := h.sm.Get(accountID)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not online"})
		return
	}
	s.Close()
	h.logger.Info("admin kicked peer", zap.Int64("account_id", accountID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BanAccount bans or unbans a peer account.
// POST /api/admin/accounts/:id/ban
func (h *AdminHandler) BanAccount(c *gin.Context) {
	accountID, ok := paramID(c)
	if !ok {
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := model.AccountNormal
	if req.Ban {
		status = model.AccountBanned
	}
	result := h.db.Model(&model.Account{}).Where("id = ?", accountID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	if req.Ban {
		if s := h.sm.Get(accountID); s != nil {
			s.Close()
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// ListInventories returns every inventory with its item and subscriber counts.
// GET /api/admin/inventories
func (h *AdminHandler) ListInventories(c *gin.Context) {
	type invInfo struct {
		ID          int64          `json:"id"`
		Size        inventory.Vec2 `json:"size"`
		IsShop      bool           `json:"is_shop"`
		Items       int            `json:"items"`
		Subscribers []int64        `json:"subscribers"`
	}
	ids := h.reg.Inventories()
	result := make([]invInfo, 0, len(ids))
	for _, id := range ids {
		doc, err := h.reg.Snapshot(id)
		if err != nil {
			continue // destroyed meanwhile
		}
		result = append(result, invInfo{
			ID:          id,
			Size:        doc.Size,
			IsShop:      doc.IsShop,
			Items:       len(doc.Items),
			Subscribers: h.reg.Subscribers(id),
		})
	}
	c.JSON(http.StatusOK, gin.H{"inventories": result, "count": len(result)})
}

type createInventoryRequest struct {
	ID     int64 `json:"id" binding:"required"`
	Width  int   `json:"width" binding:"required,min=1"`
	Height int   `json:"height" binding:"required,min=1"`
	IsShop bool  `json:"is_shop"`
}

// CreateInventory registers a new empty inventory. Ids in the personal bag
// range are refused.
// POST /api/admin/inventories
func (h *AdminHandler) CreateInventory(c *gin.Context) {
	var req createInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.inv.Reserved(req.ID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is reserved for personal bags", "bag_base": h.inv.BagBase})
		return
	}
	err := h.reg.CreateInventory(req.ID, inventory.Vec2{X: req.Width, Y: req.Height}, req.IsShop)
	switch {
	case errors.Is(err, inventory.ErrDuplicateInventory):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, _ := h.reg.Snapshot(req.ID)
	c.JSON(http.StatusCreated, doc)
}

// GetInventory returns the snapshot document peers receive on subscribe.
// GET /api/admin/inventories/:id
func (h *AdminHandler) GetInventory(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	doc, err := h.reg.Snapshot(id)
	if err != nil {
		writeInventoryError(c, err)
		return
	}
	coins, _ := h.reg.CoinCount(id)
	c.JSON(http.StatusOK, gin.H{"inventory": doc, "coins": coins})
}

// DeleteInventory destroys an inventory; ?force=true drops its items too.
// DELETE /api/admin/inventories/:id
func (h *AdminHandler) DeleteInventory(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	err := h.reg.DestroyInventory(id, force)
	switch {
	case errors.Is(err, inventory.ErrInventoryNotEmpty):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		writeInventoryError(c, err)
		return
	}
	h.logger.Info("admin destroyed inventory", zap.Int64("inventory_id", id), zap.Bool("force", force))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type spawnItemRequest struct {
	ItemPath string `json:"item_path" binding:"required"`
	Count    int    `json:"count" binding:"required"`
	Infinite bool   `json:"infinite"`
}

// SpawnItem commits a spawn on behalf of the server, e.g. restocking a shop.
// POST /api/admin/inventories/:id/spawn
func (h *AdminHandler) SpawnItem(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req spawnItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spawn := inventory.SpawnRequest{ItemPath: req.ItemPath, InventoryID: id, Count: req.Count, Infinite: req.Infinite}
	cmd, err := h.reg.HandleSpawnRequest(h.reg.Self(), spawn)
	if h.audit != nil {
		entry := audit.AuditEntry{Action: "admin_spawn", InventoryID: id, Request: spawn, Response: cmd, IP: c.ClientIP()}
		if err != nil {
			entry.ErrorCode = string(inventory.GetCode(err))
			entry.Error = err.Error()
		} else {
			entry.ItemID = cmd.FreshID
		}
		h.audit.Log(entry)
	}
	if err != nil {
		writeInventoryError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// ListAudit returns recent audit entries.
// GET /api/admin/audit?inventory=&account=&action=&code=&limit=
func (h *AdminHandler) ListAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit disabled"})
		return
	}
	q := audit.Query{Action: c.Query("action"), ErrorCode: c.Query("code")}
	q.InventoryID, _ = strconv.ParseInt(c.Query("inventory"), 10, 64)
	q.AccountID, _ = strconv.ParseInt(c.Query("account"), 10, 64)
	q.Limit, _ = strconv.Atoi(c.Query("limit"))
	logs, err := h.audit.Recent(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs, "count": len(logs), "dropped": h.audit.Dropped()})
}

// ListSchedulerTasks returns every scheduled task with its run counters.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	tasks := h.sched.Tasks()
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// If adminKey is empty all admin endpoints answer 503; set server.admin_key
// in config to enable them.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// writeInventoryError maps domain error codes onto HTTP statuses.
func writeInventoryError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch inventory.GetCode(err) {
	case inventory.CodeNotFound:
		status = http.StatusNotFound
	case inventory.CodeOutOfSpace, inventory.CodeStackOverflow:
		status = http.StatusConflict
	case inventory.CodeInsufficientQuantity, inventory.CodeIllegalTransfer:
		status = http.StatusBadRequest
	case inventory.CodeAuthorityViolation:
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  inventory.GetCode(err),
	})
}
