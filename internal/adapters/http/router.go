package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/rtcall/internal/adapters/signal"
	"github.com/dkeye/rtcall/internal/app/orch"
	"github.com/dkeye/rtcall/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every browser a stable token, used as the
// participant id when the hub URL does not name one.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// NewSignalController builds the hub endpoint from cfg.
func NewSignalController(cfg *config.Config, o *orch.Orchestrator) *signal.SignalWSController {
	return signal.NewSignalWSController(o, signal.HubOptions{
		ReadLimit:     cfg.ReadLimit,
		PingPeriod:    cfg.PingPeriod,
		SendBuffer:    cfg.SendBuffer,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	})
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctrl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RTCallSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	started := time.Now()

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("participant", c.Query("participant")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"participants": o.Directory.Count(),
			"uptime":       time.Since(started).Round(time.Second).String(),
		})
	})

	api.GET("/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"participants": o.Participants()})
	})

	api.GET("/ice", func(c *gin.Context) {
		servers := make([]iceServer, 0, len(cfg.ICEServers))
		for _, s := range cfg.ICEServers {
			servers = append(servers, iceServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
		}
		c.JSON(http.StatusOK, gin.H{"iceServers": servers})
	})

	// The last participant id this browser used, for reconnects.
	api.POST("/whoami", func(c *gin.Context) {
		var body struct {
			Participant string `json:"participant"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Participant == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "participant required"})
			return
		}
		sess := sessions.Default(c)
		sess.Set("participant", body.Participant)
		if err := sess.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/whoami", func(c *gin.Context) {
		sess := sessions.Default(c)
		id, _ := sess.Get("participant").(string)
		c.JSON(http.StatusOK, gin.H{"participant": id, "clientToken": c.GetString("client_token")})
	})

	return r
}
