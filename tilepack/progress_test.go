package tilepack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockProgressWriter struct {
	mu           sync.Mutex
	descriptions []string
	last         *mockProgress
}

func (m *mockProgressWriter) NewFractionProgress(description string) Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptions = append(m.descriptions, description)
	m.last = &mockProgress{}
	return m.last
}

type mockProgress struct {
	mu     sync.Mutex
	values []float64
	closed bool
}

func (p *mockProgress) Set(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, fraction)
}

func (p *mockProgress) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func resetProgressWriter() {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	progressWriter = &defaultProgressWriter{}
	quietMode = false
}

func TestSetProgressWriter(t *testing.T) {
	defer resetProgressWriter()

	mock := &mockProgressWriter{}
	SetProgressWriter(mock)
	assert.Same(t, mock, GetProgressWriter())

	p := GetProgressWriter().NewFractionProgress("downloading kolkata.mbtiles")
	p.Set(0.5)
	assert.NoError(t, p.Close())
	assert.Equal(t, []string{"downloading kolkata.mbtiles"}, mock.descriptions)
	assert.Equal(t, []float64{0.5}, mock.last.values)
	assert.True(t, mock.last.closed)

	SetProgressWriter(nil)
	assert.IsType(t, &quietProgressWriter{}, GetProgressWriter())
}

func TestQuietMode(t *testing.T) {
	defer resetProgressWriter()

	assert.False(t, IsQuietMode())
	SetQuietMode(true)
	assert.True(t, IsQuietMode())
	assert.IsType(t, &quietProgress{}, GetProgressWriter().NewFractionProgress("x"))
	assert.IsType(t, &quietProgress{}, (&defaultProgressWriter{}).NewFractionProgress("x"))

	SetQuietMode(false)
	assert.False(t, IsQuietMode())
	assert.IsType(t, &defaultProgressWriter{}, GetProgressWriter())
}

func TestProgressBarWrapper(t *testing.T) {
	defer resetProgressWriter()

	p := (&defaultProgressWriter{}).NewFractionProgress("test")
	wrapper, ok := p.(*progressBarWrapper)
	assert.True(t, ok)

	// out of range values are clamped rather than rejected
	wrapper.Set(-1)
	wrapper.Set(0.25)
	wrapper.Set(7)
	assert.NoError(t, wrapper.Close())

	var empty progressBarWrapper
	empty.Set(0.5)
	assert.NoError(t, empty.Close())
}
