package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
	mw "github.com/kasuganosora/gridstash/middleware"
	"github.com/kasuganosora/gridstash/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// bcryptCost is lowered by tests.
var bcryptCost = 12

const cacheTimeout = 2 * time.Second

var (
	errBadCredentials = errors.New("invalid credentials")
	errBanned         = errors.New("account banned")
	errNameTaken      = errors.New("username already taken")
	errRegistering    = errors.New("registration in progress")
)

// AuthHandler issues peer sessions. A peer's account id is its id on the
// inventory protocol; the first login under a new name registers it.
type AuthHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	sec    config.SecurityConfig
	inv    config.InventoryConfig
	logger *zap.Logger
}

func NewAuthHandler(db *gorm.DB, c cache.Cache, sec config.SecurityConfig, inv config.InventoryConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{db: db, cache: c, sec: sec, inv: inv, logger: logger}
}

// Register mounts the auth routes on g. Everything except login requires a
// live session.
func (h *AuthHandler) Register(g gin.IRoutes) {
	authed := mw.Auth(h.sec, h.cache)
	g.POST("/login", h.Login)
	g.POST("/logout", authed, h.Logout)
	g.POST("/refresh", authed, h.Refresh)
	g.GET("/me", authed, h.Me)
}

type loginRequest struct {
	Username string `json:"username" binding:"required,min=2,max=32"`
	Password string `json:"password" binding:"required,min=4,max=64"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acc, err := h.account(c.Request.Context(), req)
	switch {
	case errors.Is(err, errBadCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case errors.Is(err, errBanned):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case errors.Is(err, errNameTaken), errors.Is(err, errRegistering):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	token, ok := h.issue(c, acc.ID)
	if !ok {
		return
	}
	if err := h.db.Model(acc).Updates(map[string]interface{}{
		"last_login_at": time.Now(),
		"last_login_ip": c.ClientIP(),
	}).Error; err != nil {
		h.logger.Warn("record last login", zap.Int64("account_id", acc.ID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"token":        token,
		"account_id":   acc.ID,
		"inventory_id": h.inv.BagID(acc.ID),
	})
}

// account verifies an existing account's password or registers a new one.
func (h *AuthHandler) account(ctx context.Context, req loginRequest) (*model.Account, error) {
	var acc model.Account
	err := h.db.WithContext(ctx).Where("username = ?", req.Username).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return h.register(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)) != nil {
		return nil, errBadCredentials
	}
	if acc.Status == model.AccountBanned {
		return nil, errBanned
	}
	return &acc, nil
}

// register creates the account under a short-lived name lock, so two
// concurrent first logins yield one account and one conflict.
func (h *AuthHandler) register(ctx context.Context, req loginRequest) (*model.Account, error) {
	lock := cache.LoginLockKey(req.Username)
	lockCtx, cancel := context.WithTimeout(ctx, cacheTimeout)
	locked, err := h.cache.SetNX(lockCtx, lock, "1", 10*time.Second)
	cancel()
	switch {
	case err != nil:
		// Without the lock the unique index still guards the name.
		h.logger.Warn("login lock unavailable", zap.String("username", req.Username), zap.Error(err))
	case !locked:
		return nil, errRegistering
	default:
		defer func() { _ = h.cache.Del(context.Background(), lock) }()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, err
	}
	acc := model.Account{Username: req.Username, PasswordHash: string(hash), Status: model.AccountNormal}
	if err := h.db.WithContext(ctx).Create(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errNameTaken
		}
		return nil, err
	}
	h.logger.Info("account registered", zap.Int64("account_id", acc.ID), zap.String("username", acc.Username))
	return &acc, nil
}

// issue signs a token for accountID and stores its session. On failure it
// has already written the response.
func (h *AuthHandler) issue(c *gin.Context, accountID int64) (string, bool) {
	token, err := mw.GenerateToken(accountID, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return "", false
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), cacheTimeout)
	defer cancel()
	if err := h.cache.Set(ctx, cache.SessionKey(token), strconv.FormatInt(accountID, 10), h.sec.JWTTTLH); err != nil {
		h.logger.Error("store session", zap.Int64("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return "", false
	}
	return token, true
}

func (h *AuthHandler) dropSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), cacheTimeout)
	defer cancel()
	if err := h.cache.Del(ctx, cache.SessionKey(mw.GetToken(c))); err != nil {
		h.logger.Warn("drop session", zap.Int64("account_id", mw.GetAccountID(c)), zap.Error(err))
	}
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	h.dropSession(c)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The presented token stops working.
func (h *AuthHandler) Refresh(c *gin.Context) {
	h.dropSession(c)
	token, ok := h.issue(c, mw.GetAccountID(c))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(c *gin.Context) {
	var acc model.Account
	if err := h.db.WithContext(c.Request.Context()).First(&acc, mw.GetAccountID(c)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":    acc.ID,
		"username":      acc.Username,
		"inventory_id":  h.inv.BagID(acc.ID),
		"last_login_at": acc.LastLoginAt,
	})
}
