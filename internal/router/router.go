package router

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"stock_hold/internal/apperr"
	"stock_hold/internal/checkout"
	"stock_hold/internal/config"
	"stock_hold/internal/logging"
	"stock_hold/internal/middleware"
	"stock_hold/internal/model"
	"stock_hold/internal/reservation"
	"stock_hold/internal/store"
	rediskey "stock_hold/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// commitLockTTL 兜底提交锁的最长持有时间。
const commitLockTTL = 30 * time.Second

// Deps 是 HTTP 层依赖的组件。Redis 为 nil 时跳过限流与提交锁。
type Deps struct {
	Store    *store.Store
	Ledger   *reservation.Ledger
	Pipeline *checkout.Pipeline
	Redis    *rd.Client
	Gatherer prometheus.Gatherer
	Config   config.AppConfig
	Log      zerolog.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.Use(logging.GinLogger(d.Log))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.GET("/products", listProducts(d.Store))
	api.GET("/products/:id/available", availableStock(d.Ledger))

	admin := api.Group("", middleware.AdminToken(d.Config.AdminToken))
	admin.POST("/products", createProduct(d.Store))
	admin.POST("/products/:id/stock", addStock(d.Store))
	admin.DELETE("/products/:id", deleteProduct(d.Store))
	admin.PUT("/actors/:id/status", setActorStatus(d.Store))
	// 支付、发货等上游系统回写订单状态
	admin.POST("/orders/:id/status", appendStatus(d.Pipeline))

	buyer := api.Group("", middleware.RequireActor())
	if d.Redis != nil {
		buyer.Use(middleware.RedisRateLimit(d.Redis, d.Config.RateLimit, d.Config.RateWindow, d.Log))
	}
	buyer.POST("/holds", createHold(d.Ledger))
	buyer.GET("/holds", listHolds(d.Ledger))
	buyer.POST("/holds/:id/renew", renewHold(d.Ledger))
	buyer.DELETE("/holds/:id", releaseHold(d.Ledger))
	buyer.POST("/orders", commitOrder(d.Pipeline, d.Redis, d.Log))
	buyer.GET("/orders/:id", getOrder(d.Pipeline))
}

// writeError 把错误类别映射为 HTTP 状态码，响应里保留类别供客户端分支。
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindInsufficientStock:
		status = http.StatusConflict
	case apperr.KindFraudSuspected, apperr.KindNotOwner:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindTransient:
		status = http.StatusServiceUnavailable
	case apperr.KindInvalid:
		status = http.StatusBadRequest
	}

	body := gin.H{"code": status, "error": kind.String(), "msg": err.Error()}
	if e, ok := apperr.As(err); ok {
		if e.Shortfall != nil {
			body["data"] = e.Shortfall
		}
		if e.Kind == apperr.KindFraudSuspected {
			// 不把命中的规则暴露给客户端
			body["msg"] = "order blocked, please contact support"
		}
	}
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("request failed")
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": apperr.KindInvalid.String(), "msg": msg})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func productID(c *gin.Context) (uint, bool) {
	// 32 bit 十进制
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "invalid product id")
		return 0, false
	}
	return uint(id), true
}

func actorID(c *gin.Context) string {
	return c.GetString("actor_id")
}

// listProducts 查询商品列表。
func listProducts(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.ListProducts(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, list)
	}
}

func createProduct(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name  string `json:"name" binding:"required"`
			Stock int64  `json:"stock" binding:"min=0"`
			Price int64  `json:"price" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		p := &model.Product{Name: req.Name, StockOnHand: req.Stock, Price: req.Price}
		if err := s.CreateProduct(c.Request.Context(), p); err != nil {
			writeError(c, err)
			return
		}
		ok(c, p)
	}
}

// addStock 外部入库，只能增加。
func addStock(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := productID(c)
		if !valid {
			return
		}
		var req struct {
			Delta int64 `json:"delta" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		p, err := s.AddStock(c.Request.Context(), id, req.Delta)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, p)
	}
}

func deleteProduct(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := productID(c)
		if !valid {
			return
		}
		if err := s.DeleteProduct(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		ok(c, nil)
	}
}

// setActorStatus 供上游账户系统同步 actor 标记。
func setActorStatus(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status model.ActorStatus `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := s.SetActorStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
			writeError(c, err)
			return
		}
		ok(c, gin.H{"id": c.Param("id"), "status": req.Status})
	}
}

func availableStock(l *reservation.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := productID(c)
		if !valid {
			return
		}
		n, err := l.Available(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, gin.H{"product_id": id, "available": n})
	}
}

func createHold(l *reservation.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID uint   `json:"product_id" binding:"required,min=1"`
			Quantity  int64  `json:"quantity" binding:"required,min=1"`
			SessionID string `json:"session_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		r, err := l.CreateHold(c.Request.Context(), reservation.HoldRequest{
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			ActorID:   actorID(c),
			SessionID: req.SessionID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, gin.H{"reservation_id": r.ID, "expires_at": r.ExpiresAt})
	}
}

func listHolds(l *reservation.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := l.ActorHolds(c.Request.Context(), actorID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, list)
	}
}

func renewHold(l *reservation.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := l.RenewHold(c.Request.Context(), c.Param("id"), actorID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, gin.H{"reservation_id": r.ID, "expires_at": r.ExpiresAt})
	}
}

func releaseHold(l *reservation.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := l.ReleaseHold(c.Request.Context(), c.Param("id"), actorID(c)); err != nil {
			writeError(c, err)
			return
		}
		ok(c, nil)
	}
}

// releaseCommitLock 不跟随请求取消：客户端断开后锁也要释放，否则重试会一直 409 到 TTL 过期。
func releaseCommitLock(ctx context.Context, rdb *rd.Client, actor, paymentRef, token string, log zerolog.Logger) {
	if err := rediskey.ReleaseCommitLockIfMatch(context.WithoutCancel(ctx), rdb, actor, paymentRef, token); err != nil {
		log.Warn().Err(err).Msg("release commit lock")
	}
}

// commitOrder 是下单入口。
// Redis 可用时先用 (actor, payment_reference) 占一把短锁，同一笔支付的并发重复提交直接返回 409；
// 锁不可用时降级为只依赖数据库唯一索引保证幂等。
func commitOrder(p *checkout.Pipeline, rdb *rd.Client, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PaymentReference string          `json:"payment_reference" binding:"required"`
			SessionID        string          `json:"session_id"`
			Lines            []checkout.Line `json:"lines" binding:"required,min=1,dive"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		actor := actorID(c)
		ctx := c.Request.Context()

		if rdb != nil {
			token := uuid.NewString()
			locked, err := rediskey.AcquireCommitLock(ctx, rdb, actor, req.PaymentReference, token, commitLockTTL)
			switch {
			case err != nil:
				log.Warn().Err(err).Msg("commit lock unavailable")
			case !locked:
				c.JSON(http.StatusConflict, gin.H{
					"code":  http.StatusConflict,
					"error": "commit_in_progress",
					"msg":   "an order with this payment reference is being committed",
				})
				return
			default:
				defer releaseCommitLock(ctx, rdb, actor, req.PaymentReference, token, log)
			}
		}

		o, err := p.Commit(ctx, checkout.CommitRequest{
			ActorID:          actor,
			SessionID:        req.SessionID,
			PaymentReference: req.PaymentReference,
			IPAddress:        c.ClientIP(),
			UserAgent:        c.Request.UserAgent(),
			Lines:            req.Lines,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, gin.H{"order_id": o.ID, "total": o.Total})
	}
}

// getOrder 只允许下单人查看自己的订单。
func getOrder(p *checkout.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := p.GetOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if o.ActorID != actorID(c) {
			writeError(c, apperr.NotOwner("get order", "order belongs to another actor"))
			return
		}
		ok(c, o)
	}
}

func appendStatus(p *checkout.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status model.OrderStatus `json:"status" binding:"required"`
			Note   string            `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := p.AppendStatus(c.Request.Context(), c.Param("id"), req.Status, req.Note)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, gin.H{"order_id": o.ID, "status": o.CurrentStatus(), "history": o.History})
	}
}
