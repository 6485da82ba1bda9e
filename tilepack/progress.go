package tilepack

import (
	"sync"

	"github.com/schollz/progressbar/v3"
)

// progressSteps is the resolution fractional progress is rendered at.
const progressSteps = 1000

// ProgressWriter creates progress displays for pipeline runs.
type ProgressWriter interface {
	// NewFractionProgress creates a display for a value moving from 0 to 1
	NewFractionProgress(description string) Progress
}

// Progress is an active progress display.
type Progress interface {
	// Set moves the display to fraction, in [0, 1]
	Set(fraction float64)
	// Close finalizes the display
	Close() error
}

var (
	// Global progress writer, protected by mutex
	progressWriterMu sync.RWMutex
	progressWriter   ProgressWriter = &defaultProgressWriter{}
	quietMode        bool
)

// SetProgressWriter sets a custom progress writer. Pass nil to disable progress reporting.
func SetProgressWriter(pw ProgressWriter) {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	if pw == nil {
		progressWriter = &quietProgressWriter{}
	} else {
		progressWriter = pw
	}
}

// SetQuietMode enables or disables quiet mode, which suppresses progress bars.
func SetQuietMode(quiet bool) {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	quietMode = quiet
	if quiet {
		progressWriter = &quietProgressWriter{}
	} else {
		progressWriter = &defaultProgressWriter{}
	}
}

// IsQuietMode returns the current quiet mode setting.
func IsQuietMode() bool {
	progressWriterMu.RLock()
	defer progressWriterMu.RUnlock()
	return quietMode
}

// GetProgressWriter returns the current progress writer
func GetProgressWriter() ProgressWriter {
	progressWriterMu.RLock()
	defer progressWriterMu.RUnlock()
	return progressWriter
}

// defaultProgressWriter implements ProgressWriter using the schollz/progressbar library
type defaultProgressWriter struct{}

func (d *defaultProgressWriter) NewFractionProgress(description string) Progress {
	if IsQuietMode() {
		return &quietProgress{}
	}
	bar := progressbar.NewOptions(progressSteps,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
	return &progressBarWrapper{bar: bar}
}

// progressBarWrapper wraps schollz/progressbar to implement our Progress interface
type progressBarWrapper struct {
	bar *progressbar.ProgressBar
}

func (p *progressBarWrapper) Set(fraction float64) {
	if p.bar == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	p.bar.Set(int(fraction * progressSteps))
}

func (p *progressBarWrapper) Close() error {
	if p.bar != nil {
		return p.bar.Close()
	}
	return nil
}

// quietProgressWriter implements ProgressWriter with no-op operations
type quietProgressWriter struct{}

func (q *quietProgressWriter) NewFractionProgress(description string) Progress {
	return &quietProgress{}
}

// quietProgress is a no-op implementation of Progress
type quietProgress struct{}

func (q *quietProgress) Set(fraction float64) {}

func (q *quietProgress) Close() error {
	return nil
}
