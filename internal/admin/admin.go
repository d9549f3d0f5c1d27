// Package admin is the operator control surface: event chain paging,
// on-demand replay verification, config reload, execution inspection,
// and the global control switches (pause, sandbox, kill, resume).
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/internal/admission"
	"github.com/aexlabs/aex/internal/catalog"
	"github.com/aexlabs/aex/internal/ledger"
	"github.com/aexlabs/aex/internal/policy"
	"github.com/aexlabs/aex/internal/tools"
)

// HeaderControlKey carries the shared operator secret on admin requests.
const HeaderControlKey = "x-aex-admin-key"

// RequireControlKey guards the operator surface with a shared secret.
// An empty configured key disables the surface rather than leaving it
// open.
func RequireControlKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin control key is not configured",
			})
			return
		}
		got := c.GetHeader(HeaderControlKey)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_control_key",
				"message": "Include the '" + HeaderControlKey + "' header",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "invalid_control_key",
				"message": "Control key does not match",
			})
			return
		}
		c.Next()
	}
}

// Handler provides the admin control endpoints. Wire only what a
// deployment runs; handlers answer 503 for unconfigured subsystems.
type Handler struct {
	store    ledger.Store
	verifier *ledger.Verifier
	controls *admission.Controls
	engine   *policy.Engine
	catalog  *catalog.Loader
	tools    *tools.Loader
}

// NewHandler creates an empty admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithStore sets the ledger store for activity, executions and the kill
// switch.
func (h *Handler) WithStore(s ledger.Store) *Handler {
	h.store = s
	return h
}

// WithVerifier sets the replay verifier.
func (h *Handler) WithVerifier(v *ledger.Verifier) *Handler {
	h.verifier = v
	return h
}

// WithControls sets the admission controls for pause/kill/resume.
func (h *Handler) WithControls(ctl *admission.Controls) *Handler {
	h.controls = ctl
	return h
}

// WithPolicyEngine sets the policy engine for sandbox mode.
func (h *Handler) WithPolicyEngine(e *policy.Engine) *Handler {
	h.engine = e
	return h
}

// WithCatalog sets the model catalog loader for config reloads.
func (h *Handler) WithCatalog(l *catalog.Loader) *Handler {
	h.catalog = l
	return h
}

// WithTools sets the tool manifest loader for config reloads.
func (h *Handler) WithTools(l *tools.Loader) *Handler {
	h.tools = l
	return h
}

// RegisterRoutes mounts the control surface on an already key-guarded
// group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/activity", h.Activity)
	r.GET("/replay", h.Replay)
	r.POST("/reload_config", h.ReloadConfig)
	r.POST("/control/pause_all", h.PauseAll)
	r.POST("/control/sandbox_all", h.SandboxAll)
	r.POST("/control/kill_all", h.KillAll)
	r.POST("/control/resume_all", h.ResumeAll)
	r.GET("/executions", h.ListExecutions)
	r.GET("/executions/:id", h.GetExecution)
}
