package models

import "time"

// HistoryEntry is the display shape of a turn, used by the history page,
// /api/history and the export tool.
type HistoryEntry struct {
	Sender    string `json:"sender" yaml:"sender"`
	Text      string `json:"text" yaml:"text"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

func NewHistoryEntry(t Turn) HistoryEntry {
	return HistoryEntry{
		Sender:    string(t.Role),
		Text:      t.Content,
		Timestamp: t.Timestamp.In(StoreZone).Format(time.RFC3339Nano),
	}
}

// NewHistory converts turns to entries, keeping their order.
func NewHistory(turns []Turn) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(turns))
	for _, t := range turns {
		entries = append(entries, NewHistoryEntry(t))
	}
	return entries
}
