package player

import (
	"sync"
	"time"

	"cuedeck/pkg/models"
)

// StateManager holds the latest console snapshot and fans updates out to
// subscribers
type StateManager struct {
	state     models.SessionState
	mutex     sync.RWMutex
	listeners []chan models.SessionState
}

// NewStateManager creates a new state hub with an empty session
func NewStateManager() *StateManager {
	return &StateManager{
		state: models.SessionState{
			Tracks:    []models.TrackState{},
			UpdatedAt: time.Now(),
		},
		listeners: make([]chan models.SessionState, 0),
	}
}

// GetState returns a copy of the current snapshot (thread-safe)
func (sm *StateManager) GetState() models.SessionState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.copyLocked()
}

// Track returns the snapshot of one track
func (sm *StateManager) Track(id int) (models.TrackState, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	for _, t := range sm.state.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return models.TrackState{}, false
}

// UpdateTrack replaces the track with the same ID, or appends it
func (sm *StateManager) UpdateTrack(ts models.TrackState) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	replaced := false
	for i := range sm.state.Tracks {
		if sm.state.Tracks[i].ID == ts.ID {
			sm.state.Tracks[i] = ts
			replaced = true
			break
		}
	}
	if !replaced {
		sm.state.Tracks = append(sm.state.Tracks, ts)
	}
	sm.touchLocked()
}

// RemoveTrack drops a track from the snapshot
func (sm *StateManager) RemoveTrack(id int) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for i := range sm.state.Tracks {
		if sm.state.Tracks[i].ID == id {
			sm.state.Tracks = append(sm.state.Tracks[:i], sm.state.Tracks[i+1:]...)
			sm.touchLocked()
			return
		}
	}
}

// UpdateFadeDuration records the session fade duration in seconds
func (sm *StateManager) UpdateFadeDuration(seconds float64) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state.FadeDuration = seconds
	sm.touchLocked()
}

// UpdateDevice records the selected output device
func (sm *StateManager) UpdateDevice(dev models.Device) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state.Device = dev
	sm.touchLocked()
}

// UpdateCapability records whether boosting is possible and with what
func (sm *StateManager) UpdateCapability(available bool, backend string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state.BoostAvailable = available
	sm.state.BoostBackend = backend
	sm.touchLocked()
}

// Subscribe adds a listener for state changes
func (sm *StateManager) Subscribe() <-chan models.SessionState {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	ch := make(chan models.SessionState, 16)
	sm.listeners = append(sm.listeners, ch)
	return ch
}

// Unsubscribe removes a listener (call this when done to prevent memory leaks)
func (sm *StateManager) Unsubscribe(ch <-chan models.SessionState) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for i, listener := range sm.listeners {
		if listener == ch {
			close(listener)
			sm.listeners = append(sm.listeners[:i], sm.listeners[i+1:]...)
			break
		}
	}
}

// Subscribers returns how many listeners are attached
func (sm *StateManager) Subscribers() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.listeners)
}

func (sm *StateManager) touchLocked() {
	sm.state.UpdatedAt = time.Now()
	sm.notifyListeners()
}

func (sm *StateManager) copyLocked() models.SessionState {
	out := sm.state
	out.Tracks = make([]models.TrackState, len(sm.state.Tracks))
	copy(out.Tracks, sm.state.Tracks)
	return out
}

// notifyListeners sends the snapshot to every subscriber (must be called
// with lock held). A subscriber whose buffer is full is closed and dropped.
func (sm *StateManager) notifyListeners() {
	kept := sm.listeners[:0]
	for _, listener := range sm.listeners {
		select {
		case listener <- sm.copyLocked():
			kept = append(kept, listener)
		default:
			close(listener)
		}
	}
	for i := len(kept); i < len(sm.listeners); i++ {
		sm.listeners[i] = nil
	}
	sm.listeners = kept
}
