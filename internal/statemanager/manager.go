package statemanager

import (
	"sync"
	"time"

	"hilow-signal-bot-go/internal/models"
	"hilow-signal-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	PositionClosedEvent EventType = iota
	SkewChangedEvent
	StateResetEvent
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StateManager is responsible for all state mutations and persistence.
// It ensures that all state changes are processed serially.
// It implements bot.Listener so the strategy instance can report to it directly.
type StateManager struct {
	mu              sync.RWMutex
	state           *models.StrategyState
	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.StrategyState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.StrategyState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = &models.StrategyState{Version: 1}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.StrategyState, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop processes the events already dispatched, waits for the last snapshot to be persisted, then returns.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopChan) })
	sm.wg.Wait()
	sm.logger.Sugar().Info("StateManager stopped.")
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	sm.eventChannel <- event
}

// OnPositionClosed 在策略实例归档一个仓位时调用
func (sm *StateManager) OnPositionClosed(rec models.PositionRecord) {
	sm.DispatchEvent(NormalizedEvent{Type: PositionClosedEvent, Timestamp: rec.CloseTime, Data: rec})
}

// OnSkewChanged 在下跌偏移状态变化时调用
func (sm *StateManager) OnSkewChanged(skew models.SkewState) {
	sm.DispatchEvent(NormalizedEvent{Type: SkewChangedEvent, Data: skew})
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.StrategyState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.deepCopy()
}

// deepCopy must be called with the lock held.
func (sm *StateManager) deepCopy() *models.StrategyState {
	if sm.state == nil {
		return nil
	}
	stateCopy := *sm.state
	if sm.state.ClosedPositions != nil {
		stateCopy.ClosedPositions = make([]models.PositionRecord, len(sm.state.ClosedPositions))
		copy(stateCopy.ClosedPositions, sm.state.ClosedPositions)
	}
	return &stateCopy
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	defer close(sm.persistenceChan)
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			// 处理停止前已经投递的事件
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for stateToSave := range sm.persistenceChan {
		if sm.repo == nil {
			continue
		}
		if err := sm.repo.SaveState(stateToSave); err != nil {
			sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
		}
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	sm.mu.Lock()
	switch event.Type {
	case PositionClosedEvent:
		if rec, ok := event.Data.(models.PositionRecord); ok {
			sm.state.ClosedPositions = append(sm.state.ClosedPositions, rec)
			sm.logger.Sugar().Infof("Position %s closed (%s), net pnl %s", rec.ID, rec.CloseType, rec.NetPnlQuote.StringFixed(4))
		} else {
			sm.logger.Sugar().Warnf("Received PositionClosedEvent with unexpected data type: %T", event.Data)
		}
	case SkewChangedEvent:
		if skew, ok := event.Data.(models.SkewState); ok {
			sm.state.Skew = skew
		} else {
			sm.logger.Sugar().Warnf("Received SkewChangedEvent with unexpected data type: %T", event.Data)
		}
	case StateResetEvent:
		if newState, ok := event.Data.(*models.StrategyState); ok && newState != nil {
			sm.state = newState
			sm.logger.Sugar().Info("State has been reset.")
		} else {
			sm.logger.Sugar().Warnf("Received StateResetEvent with unexpected data type: %T", event.Data)
		}
	}

	if event.Timestamp.IsZero() {
		sm.state.LastUpdateTime = time.Now()
	} else {
		sm.state.LastUpdateTime = event.Timestamp
	}
	stateCopy := sm.deepCopy()
	sm.mu.Unlock()

	// After processing, send a deep copy of the new state to the persistence channel.
	if stateCopy != nil {
		sm.persistenceChan <- stateCopy
	}
}
