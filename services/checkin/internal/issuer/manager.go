package issuer

import (
	"context"
	"sync"

	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/barcode"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/payload"
)

type display struct {
	session *Session
	watch   *Watch
}

// Manager owns at most one display session per event.
type Manager struct {
	ctx      context.Context
	signer   *payload.Signer
	renderer barcode.Renderer
	source   SummarySource
	opts     Options

	mu       sync.Mutex
	displays map[string]*display
}

// NewManager builds a manager whose rotation loops live until ctx is done or
// the display is closed. source may be nil, in which case counters are not tracked.
func NewManager(ctx context.Context, signer *payload.Signer, renderer barcode.Renderer, source SummarySource, opts Options) *Manager {
	return &Manager{
		ctx:      ctx,
		signer:   signer,
		renderer: renderer,
		source:   source,
		opts:     opts.withDefaults(),
		displays: make(map[string]*display),
	}
}

// Open starts a display for eventID, or returns the one already running.
func (m *Manager) Open(eventID string) (*Session, error) {
	if err := payload.CheckEventID(eventID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.displays[eventID]; ok {
		if d.session.State() == Active {
			return d.session, nil
		}
		m.teardown(eventID, d)
	}

	s := NewSession(eventID, m.signer, m.renderer, m.opts)
	d := &display{session: s}
	if m.source != nil {
		w, err := s.WatchSummary(m.ctx, m.source)
		if err != nil {
			return nil, err
		}
		d.watch = w
	}
	if err := s.Start(m.ctx); err != nil {
		if d.watch != nil {
			d.watch.Unsubscribe()
		}
		return nil, err
	}

	m.displays[eventID] = d
	return s, nil
}

// Get returns the active display for eventID.
func (m *Manager) Get(eventID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.displays[eventID]
	if !ok {
		return nil, false
	}
	return d.session, true
}

// Close stops rotation and unsubscribes the counter. It reports whether a
// display was open.
func (m *Manager) Close(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.displays[eventID]
	if !ok {
		return false
	}
	m.teardown(eventID, d)
	return true
}

// CloseAll tears down every display. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.displays {
		m.teardown(id, d)
	}
	logger.Info("All check-in displays closed")
}

// Len reports the number of open displays.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.displays)
}

func (m *Manager) teardown(eventID string, d *display) {
	d.session.Stop()
	if d.watch != nil {
		d.watch.Unsubscribe()
	}
	delete(m.displays, eventID)
}
