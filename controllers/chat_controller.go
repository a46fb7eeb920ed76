package controllers

import (
	"chatrelay/middlewares"
	"chatrelay/models"
	"chatrelay/services"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type ChatController struct {
	chat                *services.ChatService
	store               services.TurnStore
	defaultConversation string
	historyLimit        int
}

func NewChatController(chat *services.ChatService, store services.TurnStore, defaultConversation string, historyLimit int) *ChatController {
	return &ChatController{
		chat:                chat,
		store:               store,
		defaultConversation: defaultConversation,
		historyLimit:        historyLimit,
	}
}

func (cc *ChatController) conversation(c *gin.Context) string {
	if id := middlewares.ConversationID(c); id != "" {
		return id
	}
	return cc.defaultConversation
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// replyText turns a chat result into the text shown to the user.
func replyText(res services.Result) string {
	if res.Err != nil {
		return services.FallbackText(res.Err.Kind)
	}
	return res.Reply
}

// Home renders the chat page with the whole conversation.
func (cc *ChatController) Home(c *gin.Context) {
	turns, err := cc.store.AllTurns(c.Request.Context(), cc.conversation(c))
	if err != nil {
		log.Printf("Error loading history for page: %v", err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.HTML(http.StatusOK, "index.html", gin.H{"ChatHistory": models.NewHistory(turns)})
}

func (cc *ChatController) GetHistory(c *gin.Context) {
	turns, err := cc.store.AllTurns(c.Request.Context(), cc.conversation(c))
	if err != nil {
		log.Printf("Error fetching history: %v", err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	history := models.NewHistory(turns)
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"messages":    history,
		"total_count": len(history),
	})
}

func (cc *ChatController) HandleChat(c *gin.Context) {
	var request struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		log.Printf("Error binding JSON: %v", err)
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	message := strings.TrimSpace(request.Message)
	if message == "" {
		fail(c, http.StatusBadRequest, services.ErrEmptyMessage.Error())
		return
	}

	res, err := cc.chat.Converse(c.Request.Context(), cc.conversation(c), message, true, cc.historyLimit)
	if err != nil {
		if errors.Is(err, services.ErrEmptyMessage) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("Error handling chat: %v", err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"reply":     replyText(res),
		"timestamp": services.GetCurrentTimestamp(),
	})
}

// ClearChat deletes the conversation and sends the browser back to the page.
func (cc *ChatController) ClearChat(c *gin.Context) {
	if err := cc.store.ClearAll(c.Request.Context(), cc.conversation(c)); err != nil {
		log.Printf("Error clearing history: %v", err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
