package routes

import (
	"chatrelay/controllers"
	"chatrelay/middlewares"
	"chatrelay/web"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
)

type Options struct {
	SecretKey           string
	DefaultConversation string
}

func SetupRouter(cc *controllers.ChatController, opts Options) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(os.Stdout))
	r.Use(gin.Recovery())
	r.Use(cors())
	r.Use(middlewares.RequestID())

	tmpl, err := web.Templates()
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)
	r.StaticFS("/static", web.Static())

	r.GET("/health", controllers.Health)

	chat := r.Group("/", middlewares.Session(opts.SecretKey, opts.DefaultConversation))
	{
		// Chat page and its data
		chat.GET("/", cc.Home)
		chat.GET("/api/history", cc.GetHistory)

		// Chat actions
		chat.POST("/chat", cc.HandleChat)
		chat.POST("/api/clear", cc.ClearChat)
	}

	return r, nil
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
