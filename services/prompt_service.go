package services

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// LoadSystemPrompt reads the system prompt once at startup. source is either
// a file path or an http(s) URL. A missing or unreadable prompt is logged and
// reported as ok == false; it never stops the server from starting.
func LoadSystemPrompt(ctx context.Context, source string) (prompt string, ok bool) {
	if strings.TrimSpace(source) == "" {
		log.Println("WARNING: no system prompt source configured, continuing without one")
		return "", false
	}

	var err error
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		prompt, err = fetchPrompt(ctx, source)
	} else {
		prompt, err = readPromptFile(source)
	}
	if err != nil {
		log.Printf("WARNING: system prompt %s unavailable: %v", source, err)
		return "", false
	}
	if strings.TrimSpace(prompt) == "" {
		log.Printf("WARNING: system prompt %s is empty, continuing without one", source)
		return "", false
	}

	log.Printf("System prompt loaded from %s (%d bytes)", source, len(prompt))
	return prompt, true
}

func readPromptFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func fetchPrompt(ctx context.Context, url string) (string, error) {
	client := resty.New().SetTimeout(10 * time.Second)

	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/plain").
		Get(url)
	if err != nil {
		return "", err
	}

	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("failed to fetch prompt, status: %d", resp.StatusCode())
	}
	return resp.String(), nil
}
