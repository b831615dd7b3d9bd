// Package capture runs the periodic pane capture sweep. Sessions opt in
// through their capture policy; each sweep captures the sessions whose
// interval has elapsed and appends the content to their session log.
package capture

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/worker"
	"github.com/robfig/cron/v3"
)

// sweepCaptureLines bounds how much scrollback one periodic capture pulls.
const sweepCaptureLines = 1000

// Sweeper owns the cron schedule for interval captures.
type Sweeper struct {
	client *worker.Client
	cron   *cron.Cron
}

// NewSweeper builds a sweeper on the given cron spec (e.g. "@every 10s").
func NewSweeper(client *worker.Client, spec string) (*Sweeper, error) {
	s := &Sweeper{
		client: client,
		cron:   cron.New(),
	}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweep captures every live session whose capture interval has elapsed.
// Per-session failures are logged and skipped; one bad session never
// blocks the rest.
func (s *Sweeper) sweep() {
	var sessions []database.Session
	err := database.DB.
		Where("status IN ? AND capture_interval_secs > 0", []string{database.StatusActive, database.StatusIdle}).
		Find(&sessions).Error
	if err != nil {
		log.Printf("Capture sweep query failed: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, sess := range sessions {
		due := sess.LastCaptureAt == nil ||
			now.Sub(*sess.LastCaptureAt) >= time.Duration(sess.CaptureIntervalSecs)*time.Second
		if !due {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		content, err := s.client.Capture(ctx, sess.BackingName, "", sweepCaptureLines)
		cancel()
		if err != nil {
			log.Printf("Capture sweep failed for session %s: %v", sess.ID, err)
			continue
		}

		capturedAt := time.Now().UTC()
		meta, _ := json.Marshal(map[string]interface{}{"source": "interval", "lines": sweepCaptureLines})
		if _, err := database.AppendEntry(sess.ID, database.EntryScrollback, content, meta, &capturedAt); err != nil {
			log.Printf("Capture sweep store failed for session %s: %v", sess.ID, err)
			continue
		}
		if err := database.DB.Model(&database.Session{}).Where("id = ?", sess.ID).
			Update("last_capture_at", capturedAt).Error; err != nil {
			log.Printf("Capture sweep bookkeeping failed for session %s: %v", sess.ID, err)
		}
	}
}
