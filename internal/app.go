package internal

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dushixiang/ransomguard/internal/handler"
	"github.com/go-errors/errors"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// CustomValidator echo 请求参数校验
type CustomValidator struct {
	Validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.Validator.Struct(i)
}

// Server 本地控制接口
type Server struct {
	echo   *echo.Echo
	listen string
	logger *zap.Logger
}

// NewServer 创建本地控制接口，token 为空时不校验
func NewServer(logger *zap.Logger, listen, token string, h *handler.GuardHandler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(ErrorHandler(logger))
	e.Validator = &CustomValidator{Validator: validator.New()}

	auth := TokenAuthMiddleware(token)

	api := e.Group("/api")
	api.Use(auth)
	{
		api.GET("/info", h.GetInfo)
		api.GET("/stats", h.GetStats)

		// 监控目录
		api.GET("/directories", h.GetDirectories)
		api.POST("/directories", h.MonitorDirectory)
		api.DELETE("/directories", h.UnmonitorDirectory)
		api.POST("/monitoring/stop", h.StopMonitoring)
		api.POST("/monitoring/resume", h.ResumeMonitoring)
		api.PUT("/protection", h.SetProtection)

		// 备份与隔离
		api.GET("/backups", h.GetBackups)
		api.POST("/backups/restore", h.RestoreBackup)
		api.GET("/quarantine", h.GetQuarantine)
		api.POST("/quarantine", h.QuarantineFile)

		api.GET("/honeypots", h.GetHoneypots)
		api.GET("/alerts", h.GetAlerts)
	}

	// 事件推送
	e.GET("/ws/events", h.HandleEvents, auth)

	return &Server{echo: e, listen: listen, logger: logger}
}

// Handler 用于测试
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start 阻塞直到服务关闭，正常关闭返回 nil
func (s *Server) Start() error {
	s.logger.Info("控制接口已启动", zap.String("listen", s.listen))
	if err := s.echo.Start(s.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func ErrorHandler(logger *zap.Logger) func(next echo.HandlerFunc) echo.HandlerFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := next(c); err != nil {
				if c.Response().Committed {
					return nil
				}
				var he *echo.HTTPError
				if errors.As(err, &he) {
					return c.JSON(he.Code, echo.Map{
						"code":    he.Code,
						"message": he.Message,
					})
				}

				logger.Sugar().Errorf("[ERROR] %s", err.Error())

				return c.JSON(http.StatusInternalServerError, echo.Map{
					"code":    http.StatusInternalServerError,
					"message": "Internal Server Error",
				})
			}
			return nil
		}
	}
}

// TokenAuthMiddleware 访问令牌认证，支持 Authorization: Bearer 和 ?token= 两种方式
func TokenAuthMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}

			var provided string
			const bearerPrefix = "Bearer "
			if authHeader := c.Request().Header.Get("Authorization"); strings.HasPrefix(authHeader, bearerPrefix) {
				provided = authHeader[len(bearerPrefix):]
			} else {
				// 浏览器 WebSocket 无法设置请求头
				provided = c.QueryParam("token")
			}

			if provided == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "未提供访问令牌")
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "访问令牌无效")
			}
			return next(c)
		}
	}
}
