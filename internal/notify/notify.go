// Package notify delivers outbound notifications. Delivery is best-effort:
// the defense file keeps the record either way, so a failed send never
// fails a deliberation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"consejo/internal/logging"
	"consejo/internal/types"
)

// LogNotifier writes notifications to the notify log. Default in setups
// without an outbound channel.
type LogNotifier struct{}

// NewLogNotifier creates the notifier.
func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

// Notify logs the notification.
func (n *LogNotifier) Notify(ctx context.Context, companyID string, rec types.NotificationRecord) error {
	logging.Get(logging.CategoryNotify).Infow("notification",
		"company", companyID, "recipient", rec.Recipient, "subject", rec.Subject, "channel", rec.Channel)
	return nil
}

// SpoolNotifier appends notifications as JSON lines under
// root/<companyId>.jsonl. Stands in for SMTP in tests and offline setups.
type SpoolNotifier struct {
	root string
	mu   sync.Mutex
}

// NewSpoolNotifier creates the spool directory.
func NewSpoolNotifier(root string) (*SpoolNotifier, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("notify: create spool dir: %w", err)
	}
	return &SpoolNotifier{root: root}, nil
}

// Notify appends the record to the company's spool file.
func (n *SpoolNotifier) Notify(ctx context.Context, companyID string, rec types.NotificationRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(n.root, companyID+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("notify: open spool: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("notify: write spool: %w", err)
	}
	return nil
}

// ReadSpool returns every spooled notification for a company, in append
// order. Tests and operators use this to inspect deliveries.
func (n *SpoolNotifier) ReadSpool(companyID string) ([]types.NotificationRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(n.root, companyID+".jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify: read spool: %w", err)
	}

	var records []types.NotificationRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec types.NotificationRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("notify: decode spool: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
