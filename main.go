package main

import (
	"chatrelay/config"
	"chatrelay/controllers"
	"chatrelay/routes"
	"chatrelay/services"
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	store, err := services.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer store.Close()

	prompt, _ := services.LoadSystemPrompt(ctx, cfg.PromptSource)

	llm := services.NewOpenAIClient(cfg.APIKey, cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTimeout)
	chat := services.NewChatService(store, llm, services.ChatOptions{
		SystemPrompt: prompt,
		PairFactor:   cfg.HistoryPairFactor,
		Timeout:      cfg.LLMTimeout,
	})
	cc := controllers.NewChatController(chat, store, cfg.ConversationID, cfg.HistoryLimit)

	router, err := routes.SetupRouter(cc, routes.Options{
		SecretKey:           cfg.SecretKey,
		DefaultConversation: cfg.ConversationID,
	})
	if err != nil {
		log.Fatalf("Failed to set up router: %v", err)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("Server starting on port %s (store=%s)", server.Addr, cfg.StoreBackend)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}
