package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/muxgate/muxgate/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned by scoped lookups for rows that do not exist or
// are outside the caller's namespaces. The two cases are deliberately
// indistinguishable.
var ErrNotFound = errors.New("not found")

func Init() error {
	dsn := config.Cfg.DatabaseDSN

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		path := dsn
		if path == "" {
			path = filepath.Join(config.Cfg.DataPath, "muxgate.db")
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create db directory: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	}

	var err error
	DB, err = gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		sqlDB, err := DB.DB()
		if err != nil {
			return fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := DB.AutoMigrate(&Connection{}, &Credential{}, &Session{}, &Window{}, &Pane{}, &Entry{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Scoped narrows a query to the given namespace set. A nil set means
// unrestricted visibility (auth-disabled deployments); an empty non-nil
// set matches nothing.
func Scoped(tx *gorm.DB, namespaces []string) *gorm.DB {
	if namespaces == nil {
		return tx
	}
	return tx.Where("namespace IN ?", namespaces)
}

// GetConnection fetches a live (not soft-deleted) connection visible in the
// given namespaces.
func GetConnection(id string, namespaces []string) (*Connection, error) {
	var conn Connection
	err := Scoped(DB, namespaces).Where("id = ? AND deleted_at IS NULL", id).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// GetCredential fetches a live credential visible in the given namespaces.
func GetCredential(id string, namespaces []string) (*Credential, error) {
	var cred Credential
	err := Scoped(DB, namespaces).Where("id = ? AND deleted_at IS NULL", id).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// GetSession fetches a session visible in the given namespaces. Sessions
// are never soft-deleted, only marked terminated.
func GetSession(id string, namespaces []string) (*Session, error) {
	var sess Session
	err := Scoped(DB, namespaces).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// TransitionSession moves a session along the status state machine,
// validating the edge against the current stored status inside one
// transaction. Transitioning to the current status is a no-op; an illegal
// edge is an error.
func TransitionSession(id, to string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var sess Session
		if err := tx.Where("id = ?", id).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if sess.Status == to {
			return nil
		}
		if !CanTransition(sess.Status, to) {
			return fmt.Errorf("illegal session transition %s -> %s", sess.Status, to)
		}
		return tx.Model(&Session{}).Where("id = ?", id).Update("status", to).Error
	})
}

// MarkTerminated records a session as terminated, optionally with an exit
// code. The stored status must be able to reach terminated along legal
// edges; already-terminated sessions are a no-op, and error-state sessions
// stay in error.
func MarkTerminated(id string, exitCode *int) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var sess Session
		if err := tx.Where("id = ?", id).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if IsTerminalStatus(sess.Status) {
			return nil
		}
		if !CanReach(sess.Status, StatusTerminated) {
			return fmt.Errorf("session %s cannot reach terminated from %s", id, sess.Status)
		}
		updates := map[string]interface{}{"status": StatusTerminated}
		if exitCode != nil {
			updates["exit_code"] = *exitCode
		}
		return tx.Model(&Session{}).Where("id = ?", id).Updates(updates).Error
	})
}

// AppendEntry inserts an append-only log entry for a session, allocating
// the next per-session sequence number and stamping the session's
// namespace. The seq scan and insert share one transaction so sequences
// are strictly increasing per session.
func AppendEntry(sessionID, kind, content string, metadata []byte, capturedAt *time.Time) (*Entry, error) {
	var entry *Entry
	err := DB.Transaction(func(tx *gorm.DB) error {
		var sess Session
		if err := tx.Where("id = ?", sessionID).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var maxSeq int64
		if err := tx.Model(&Entry{}).Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}

		e := Entry{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			Namespace:  sess.Namespace,
			Seq:        maxSeq + 1,
			Kind:       kind,
			Content:    content,
			Metadata:   metadata,
			CapturedAt: capturedAt,
		}
		if err := tx.Create(&e).Error; err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ReplaceTopology swaps the stored window/pane tree for a session with the
// worker-reported one. Windows and panes are authoritative copies of
// worker state, refreshed on read.
func ReplaceTopology(sessionID string, windows []Window, panesByWindow map[int][]Pane) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Pane{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&Window{}).Error; err != nil {
			return err
		}
		for i := range windows {
			windows[i].ID = 0
			windows[i].SessionID = sessionID
			if err := tx.Create(&windows[i]).Error; err != nil {
				return err
			}
			for _, p := range panesByWindow[windows[i].Index] {
				p.ID = 0
				p.WindowID = windows[i].ID
				p.SessionID = sessionID
				if err := tx.Create(&p).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
