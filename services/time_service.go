package services

import (
	"chatrelay/models"
	"time"
)

// Now returns the current time in the store's fixed UTC+3 zone.
func Now() time.Time {
	return time.Now().In(models.StoreZone)
}

// GetCurrentTimestamp returns the current UTC+3 time as an ISO-8601 string.
func GetCurrentTimestamp() string {
	return Now().Format(time.RFC3339Nano)
}
