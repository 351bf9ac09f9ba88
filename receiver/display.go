package receiver

import (
	"fmt"
	"log/slog"
)

// Status is what the node shows locally
type Status struct {
	LinkText  string  `json:"link_text"`
	Value     float64 `json:"value"`
	Receiving bool    `json:"receiving"`
}

func (s Status) String() string {
	return fmt.Sprintf("%s %.3f receiving=%t", s.LinkText, s.Value, s.Receiving)
}

// Display renders a Status. Show is called from the poll loop only when the
// status changed and must not block.
type Display interface {
	Show(s Status)
}

// LogDisplay writes status changes to a logger
type LogDisplay struct {
	Logger *slog.Logger
}

// Show logs s at debug level
func (d LogDisplay) Show(s Status) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("Status changed", "link", s.LinkText, "value", s.Value, "receiving", s.Receiving)
}
