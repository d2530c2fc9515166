// Package viewer exposes the harness control API: inspect session state and
// RPC history, drive connects and UI actions, and stream live updates.
package viewer

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elityaev/agent-harness/internal/onboarding"
	"github.com/elityaev/agent-harness/internal/proto"
	"github.com/elityaev/agent-harness/internal/room"
	"github.com/elityaev/agent-harness/internal/rpc"
	"github.com/elityaev/agent-harness/internal/screen"
	"github.com/elityaev/agent-harness/internal/storage"
)

// Deps are the collaborators the control API drives.
type Deps struct {
	Conn       *room.Controller
	Onboarding *onboarding.Controller
	Gateway    *rpc.Gateway
	DB         *storage.DB
	Logs       *LogBuffer
	Debug      bool
}

// NewRouter builds the control API.
func NewRouter(d Deps) *gin.Engine {
	if !d.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	h := &handlers{d: d}

	api := r.Group("/api")
	api.GET("/state", h.state)
	api.POST("/connect", h.connect)
	api.POST("/disconnect", h.disconnect)

	api.GET("/history", h.history)
	api.GET("/history/last", h.lastCommand)
	api.POST("/history/clear", h.clearHistory)

	api.POST("/screen", h.showScreen)
	api.POST("/action", h.action)
	api.POST("/click/:name", h.click)
	api.POST("/onboarding/start", h.startOnboarding)
	api.POST("/prompt", h.prompt)
	api.POST("/phone/end", h.endPhoneCall)

	api.POST("/permissions", h.setPermission)
	api.POST("/premium", h.setPremium)
	api.GET("/analytics", h.analytics)
	api.POST("/location/delay", h.locationDelay)

	api.GET("/settings/tracing", h.getTracing)
	api.POST("/settings/tracing", h.setTracing)
	api.GET("/settings/install-id", h.getInstallID)
	api.POST("/settings/install-id", h.setInstallID)

	api.GET("/logs", h.logs)
	api.GET("/events", h.events)

	return r
}

type handlers struct {
	d Deps
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connection": h.d.Conn.State(),
		"harness":    h.d.Onboarding.State(),
	})
}

func (h *handlers) connect(c *gin.Context) {
	var req struct {
		WithOnboarding bool `json:"with_onboarding"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
			return
		}
	}
	if err := h.d.Conn.Connect(c.Request.Context(), req.WithOnboarding); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "state": h.d.Conn.State()})
		return
	}
	c.JSON(http.StatusOK, h.d.Conn.State())
}

func (h *handlers) disconnect(c *gin.Context) {
	h.d.Conn.Disconnect(c.Request.Context())
	c.JSON(http.StatusOK, h.d.Conn.State())
}

func (h *handlers) history(c *gin.Context) {
	switch c.Query("dir") {
	case "sent":
		c.JSON(http.StatusOK, h.d.Onboarding.Sent())
	case "received":
		c.JSON(http.StatusOK, h.d.Onboarding.Received())
	default:
		c.JSON(http.StatusOK, gin.H{
			"sent":     h.d.Onboarding.Sent(),
			"received": h.d.Onboarding.Received(),
		})
	}
}

// lastCommand answers with the newest record in each direction; a direction
// with no traffic yet is null.
func (h *handlers) lastCommand(c *gin.Context) {
	out := gin.H{"sent": nil, "received": nil}
	if rec, ok := h.d.Onboarding.LastSent(); ok {
		out["sent"] = rec
	}
	if rec, ok := h.d.Onboarding.LastReceived(); ok {
		out["received"] = rec
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) clearHistory(c *gin.Context) {
	h.d.Onboarding.ClearHistory()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// showScreen injects a descriptor locally, as if the agent had sent it.
func (h *handlers) showScreen(c *gin.Context) {
	var d screen.Descriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	h.d.Onboarding.ShowScreen(d)
	c.JSON(http.StatusOK, h.d.Onboarding.CurrentScreen())
}

func (h *handlers) action(c *gin.Context) {
	var a proto.RpcAction
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := h.d.Onboarding.HandleAction(c.Request.Context(), a); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) startOnboarding(c *gin.Context) {
	if err := h.d.Gateway.StartOnboarding(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// click fires one of the named onboarding shortcut methods.
func (h *handlers) click(c *gin.Context) {
	ctx := c.Request.Context()
	var err error
	switch c.Param("name") {
	case "location-allow":
		err = h.d.Gateway.SendLocationAllowClick(ctx)
	case "location-later":
		err = h.d.Gateway.SendLocationLaterClick(ctx)
	case "place-continue":
		err = h.d.Gateway.SendPlaceContinueClick(ctx)
	case "purchase":
		err = h.d.Gateway.SendSuccessfulPurchase(ctx)
	case "purchase-skip":
		err = h.d.Gateway.SendPurchaseSkip(ctx)
	case "push-allow":
		err = h.d.Gateway.SendPushAllowClick(ctx)
	case "push-later":
		err = h.d.Gateway.SendPushLaterClick(ctx)
	case "music-info":
		err = h.d.Gateway.SendMusicInfoPassed(ctx)
	case "calls-info":
		err = h.d.Gateway.SendCallsInfoPassed(ctx)
	case "assistant-open":
		err = h.d.Gateway.SendDefaultAssistantOpenClick(ctx)
	case "assistant-setup-complete":
		err = h.d.Gateway.SendDefaultAssistantSetupComplete(ctx)
	case "assistant-later":
		err = h.d.Gateway.SendDefaultAssistantLaterClick(ctx)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_click"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) prompt(c *gin.Context) {
	var req struct {
		Allow bool `json:"allow"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := h.d.Onboarding.ResolvePrompt(c.Request.Context(), req.Allow); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) endPhoneCall(c *gin.Context) {
	h.d.Onboarding.EndPhoneCall()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) setPermission(c *gin.Context) {
	var req struct {
		Name    string `json:"name"`
		Granted bool   `json:"granted"`
		Report  bool   `json:"report"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := h.d.Onboarding.SetPermission(req.Name, req.Granted); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Report {
		if err := h.d.Gateway.SendPermissionResult(c.Request.Context(), req.Name, req.Granted); err != nil {
			log.Printf("VIEWER: permission-result send failed: %v", err)
		}
	}
	c.JSON(http.StatusOK, h.d.Onboarding.Permissions())
}

func (h *handlers) setPremium(c *gin.Context) {
	var req struct {
		Premium bool `json:"premium"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	h.d.Onboarding.SetPremium(req.Premium)
	c.JSON(http.StatusOK, gin.H{"premium": req.Premium})
}

func (h *handlers) analytics(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Onboarding.Analytics())
}

// locationDelay arms a one-shot slow answer on get-location, to exercise the
// agent's timeout handling.
func (h *handlers) locationDelay(c *gin.Context) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Seconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	h.d.Gateway.HoldResponse(proto.MethodGetLocation, time.Duration(req.Seconds)*time.Second)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) getTracing(c *gin.Context) {
	enabled, err := h.d.DB.TracingEnabled()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (h *handlers) setTracing(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := h.d.DB.SetTracingEnabled(req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

func (h *handlers) getInstallID(c *gin.Context) {
	id, err := h.d.DB.InstallID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, id)
}

func (h *handlers) setInstallID(c *gin.Context) {
	var id storage.InstallID
	if err := c.ShouldBindJSON(&id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := h.d.DB.SetInstallID(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, id)
}

func (h *handlers) logs(c *gin.Context) {
	if h.d.Logs == nil {
		c.JSON(http.StatusOK, []LogEntry{})
		return
	}
	c.JSON(http.StatusOK, h.d.Logs.Snapshot())
}

// events streams harness and connection changes as Server-Sent Events.
func (h *handlers) events(c *gin.Context) {
	onbCh, cancelOnb := h.d.Onboarding.Subscribe()
	defer cancelOnb()
	connCh, cancelConn := h.d.Conn.Subscribe()
	defer cancelConn()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(io.Writer) bool {
		select {
		case ev := <-onbCh:
			c.SSEvent("harness", ev)
		case st := <-connCh:
			c.SSEvent("connection", st)
		case <-c.Request.Context().Done():
			return false
		}
		return true
	})
}
