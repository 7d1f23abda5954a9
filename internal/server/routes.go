package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/vibeyard/internal/agent"
	"github.com/zulandar/vibeyard/internal/orchestrator"
	"github.com/zulandar/vibeyard/internal/transcript"
)

// Error codes returned in the "code" field of failed responses.
const (
	codeBadRequest = "bad_request:chat"
	codeRateLimit  = "rate_limit:chat"
	codeNotFound   = "not_found:chat"
	codeInternal   = "internal:chat"
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// allowedImageTypes are the attachment media types a user message may carry.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, m *orchestrator.Manager) {
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	chats := router.Group("/api/chats/:id")
	chats.POST("/messages", handlePostMessage(m))
	chats.GET("/messages", handleGetMessages(m))
	chats.GET("/preview", handlePreview(m))
	chats.GET("/todos", handleTodos(m))
	chats.GET("/logs", handleLogs(m))
	chats.GET("/ws", handleWebSocket(m))
	chats.GET("/events", handleEvents(m))
}

func abortWith(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": msg})
}

// conversation resolves the :id path parameter, writing the error
// response itself when it returns nil.
func conversation(c *gin.Context, m *orchestrator.Manager) *orchestrator.Orchestrator {
	id := c.Param("id")
	if !conversationIDPattern.MatchString(id) {
		abortWith(c, http.StatusBadRequest, codeBadRequest, "invalid conversation id")
		return nil
	}
	o, err := m.Get(c.Request.Context(), id)
	if err != nil {
		log.Printf("server: conversation %s: %v", id, err)
		if errors.Is(err, orchestrator.ErrChatIDMismatch) {
			abortWith(c, http.StatusNotFound, codeNotFound, "conversation not found")
			return nil
		}
		abortWith(c, http.StatusInternalServerError, codeInternal, "conversation unavailable")
		return nil
	}
	return o
}

// postMessageRequest is the body of POST /api/chats/:id/messages.
type postMessageRequest struct {
	Message transcript.Message `json:"message"`
}

// validateUserMessage checks an inbound message before it reaches the
// agent.
func validateUserMessage(m transcript.Message) error {
	if m.ID == "" {
		return errors.New("message.id is required")
	}
	if m.Role != transcript.RoleUser {
		return fmt.Errorf("message.role must be %q", transcript.RoleUser)
	}
	if len(m.Parts) == 0 {
		return errors.New("message.parts must not be empty")
	}
	for i, p := range m.Parts {
		switch p.Type {
		case transcript.PartText:
			if p.Text == "" {
				return fmt.Errorf("parts[%d].text must not be empty", i)
			}
		case transcript.PartFile:
			if !allowedImageTypes[p.MediaType] {
				return fmt.Errorf("parts[%d].mediaType %q is not supported", i, p.MediaType)
			}
			if p.Name == "" || len(p.Name) > 100 {
				return fmt.Errorf("parts[%d].name must be 1-100 characters", i)
			}
			if u, err := url.Parse(p.URL); err != nil || u.Scheme == "" {
				return fmt.Errorf("parts[%d].url must be an absolute URL", i)
			}
		default:
			return fmt.Errorf("parts[%d].type %q is not allowed", i, p.Type)
		}
	}
	return nil
}

func handlePostMessage(m *orchestrator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req postMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWith(c, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
			return
		}
		if err := validateUserMessage(req.Message); err != nil {
			abortWith(c, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}

		o := conversation(c, m)
		if o == nil {
			return
		}
		resp, err := o.HandleInbound(c.Request.Context(), req.Message)
		switch {
		case errors.Is(err, agent.ErrRateLimited):
			abortWith(c, http.StatusTooManyRequests, codeRateLimit, "message limit reached")
			return
		case err != nil:
			log.Printf("server: %s: handle message: %v", o.ID(), err)
			abortWith(c, http.StatusInternalServerError, codeInternal, strings.TrimPrefix(err.Error(), "orchestrator: "))
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleGetMessages(m *orchestrator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		o := conversation(c, m)
		if o == nil {
			return
		}
		msgs, err := o.Messages(c.Request.Context())
		if err != nil {
			log.Printf("server: %s: %v", o.ID(), err)
			abortWith(c, http.StatusInternalServerError, codeInternal, "transcript unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handlePreview(m *orchestrator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		o := conversation(c, m)
		if o == nil {
			return
		}
		u, err := o.PreviewURL(c.Request.Context())
		if err != nil {
			log.Printf("server: %s: preview: %v", o.ID(), err)
			abortWith(c, http.StatusInternalServerError, codeInternal, "preview unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": u})
	}
}

func handleTodos(m *orchestrator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		o := conversation(c, m)
		if o == nil {
			return
		}
		c.JSON(http.StatusOK, gin.H{"todos": o.Todos(c.Request.Context())})
	}
}

func handleLogs(m *orchestrator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		o := conversation(c, m)
		if o == nil {
			return
		}
		entries, err := o.Logs(c.Request.Context())
		if err != nil {
			log.Printf("server: %s: %v", o.ID(), err)
			abortWith(c, http.StatusInternalServerError, codeInternal, "logs unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": entries})
	}
}
