package services

import (
	"chatrelay/models"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"gopkg.in/yaml.v3"
)

// HistoryExport is the document written by the export tool.
type HistoryExport struct {
	ConversationID string                `json:"conversation_id" yaml:"conversation_id"`
	ExportedAt     string                `json:"exported_at" yaml:"exported_at"`
	TotalCount     int                   `json:"total_count" yaml:"total_count"`
	Messages       []models.HistoryEntry `json:"messages" yaml:"messages"`
}

type Exporter struct {
	store TurnStore
}

func NewExporter(store TurnStore) *Exporter {
	return &Exporter{store: store}
}

// Export writes the full log of one conversation to w as "json" or "yaml"
// and returns the number of turns written.
func (e *Exporter) Export(ctx context.Context, conversationID, format string, w io.Writer) (int, error) {
	turns, err := e.store.AllTurns(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to read conversation %s: %w", conversationID, err)
	}

	doc := HistoryExport{
		ConversationID: conversationID,
		ExportedAt:     GetCurrentTimestamp(),
		TotalCount:     len(turns),
		Messages:       models.NewHistory(turns),
	}

	switch strings.ToLower(format) {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(doc)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err = enc.Encode(doc)
		if err == nil {
			err = enc.Close()
		}
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}

	log.Printf("Exported %d turns of conversation %s", len(turns), conversationID)
	return len(turns), nil
}
