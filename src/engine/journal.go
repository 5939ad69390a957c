package engine

// The journal is an append-only record of executed batch steps, one file
// per day. It is written after a step succeeds, inside the batch
// transaction, so a rolled back batch can still leave journal lines behind.
// Readers should treat it as an audit trail, not as a redo log.

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const journalDateLayout = "2006-01-02"

var journalDatePattern = regexp.MustCompile(`_(\d{4}-\d{2}-\d{2})$`)

// JournalEntry represents a single entry in the journal.
type JournalEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	BatchID    string    `json:"batchId"`
	Operation  string    `json:"operation"`
	Collection string    `json:"collection"`
	Details    string    `json:"details"`
}

func (e JournalEntry) String() string {
	return fmt.Sprintf("%s | %s | %s | %s | %s\n", e.Timestamp.Format(time.RFC3339Nano), e.BatchID, e.Operation, e.Collection, e.Details)
}

type Journal struct {
	mu            sync.Mutex
	file          *os.File
	baseFilePath  string // without the date suffix and extension
	ext           string
	currentDate   time.Time
	retentionDays int
	clock         func() time.Time
}

// NewJournal opens today's journal file next to journalFilePath. A date
// suffix already present in the name is ignored. Files older than
// retentionDays are removed by CleanupOldJournals; zero keeps everything.
func NewJournal(journalFilePath string, retentionDays int) (*Journal, error) {
	return newJournal(journalFilePath, retentionDays, func() time.Time { return time.Now().UTC() })
}

func newJournal(journalFilePath string, retentionDays int, clock func() time.Time) (*Journal, error) {
	ext := filepath.Ext(journalFilePath)
	if ext == "" {
		ext = ".journal"
	}
	baseName := strings.TrimSuffix(filepath.Base(journalFilePath), filepath.Ext(journalFilePath))
	baseName = journalDatePattern.ReplaceAllString(baseName, "")

	j := &Journal{
		baseFilePath:  filepath.Join(filepath.Dir(journalFilePath), baseName),
		ext:           ext,
		retentionDays: retentionDays,
		clock:         clock,
	}
	if err := j.ensureCorrectFileOpen(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) fileNameFor(day time.Time) string {
	return fmt.Sprintf("%s_%s%s", j.baseFilePath, day.Format(journalDateLayout), j.ext)
}

// CurrentFile is the path entries are appended to right now.
func (j *Journal) CurrentFile() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fileNameFor(j.currentDate)
}

// ensureCorrectFileOpen rotates to the file of the current day. Callers
// hold mu, except the constructor.
func (j *Journal) ensureCorrectFileOpen() error {
	today := j.clock().Truncate(24 * time.Hour)
	if j.file != nil && j.currentDate.Equal(today) {
		return nil
	}

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close previous journal file: %w", err)
		}
		j.file = nil
	}

	fileName := j.fileNameFor(today)
	if err := os.MkdirAll(filepath.Dir(fileName), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", fileName, err)
	}

	j.file = file
	j.currentDate = today
	return nil
}

// AddEntry appends one line to the journal of the current day.
func (j *Journal) AddEntry(batchID, operation, collection, details string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureCorrectFileOpen(); err != nil {
		return err
	}

	entry := JournalEntry{
		Timestamp:  j.clock(),
		BatchID:    batchID,
		Operation:  operation,
		Collection: collection,
		Details:    details,
	}
	if _, err := j.file.WriteString(entry.String()); err != nil {
		return fmt.Errorf("failed to write to journal file: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}
	return nil
}

// CleanupOldJournals deletes journal files whose date is more than
// retentionDays before today. It returns the removed paths.
func (j *Journal) CleanupOldJournals() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.retentionDays <= 0 {
		return nil, nil
	}
	cutoff := j.clock().Truncate(24*time.Hour).AddDate(0, 0, -j.retentionDays)

	matches, err := filepath.Glob(j.baseFilePath + "_*" + j.ext)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal files: %w", err)
	}

	var removed []string
	for _, match := range matches {
		name := strings.TrimSuffix(filepath.Base(match), j.ext)
		parts := journalDatePattern.FindStringSubmatch(name)
		if parts == nil {
			continue
		}
		day, err := time.Parse(journalDateLayout, parts[1])
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(match); err != nil {
			return removed, fmt.Errorf("failed to remove journal file %s: %w", match, err)
		}
		removed = append(removed, match)
	}
	return removed, nil
}
