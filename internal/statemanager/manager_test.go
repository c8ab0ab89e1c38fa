package statemanager

import (
	"sync"
	"testing"
	"time"

	"hilow-signal-bot-go/internal/models"
	"hilow-signal-bot-go/internal/persistence"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	savedState   *models.StrategyState
	saveCount    int
	loadState    *models.StrategyState
	loadError    error
	saveError    error
	saveDoneChan chan bool // Channel to signal when SaveState is done
}

func newMockStateRepository() *mockStateRepository {
	return &mockStateRepository{
		saveDoneChan: make(chan bool, 16),
	}
}

func (m *mockStateRepository) SaveState(state *models.StrategyState) error {
	m.Lock()
	defer m.Unlock()

	copiedState := *state
	if state.ClosedPositions != nil {
		copiedState.ClosedPositions = make([]models.PositionRecord, len(state.ClosedPositions))
		copy(copiedState.ClosedPositions, state.ClosedPositions)
	}

	m.saveCount++
	m.savedState = &copiedState

	m.saveDoneChan <- true
	return m.saveError
}

func (m *mockStateRepository) LoadState(symbol string) (*models.StrategyState, error) {
	m.Lock()
	defer m.Unlock()
	return m.loadState, m.loadError
}

func (m *mockStateRepository) DeleteState(symbol string) error {
	return nil
}

func (m *mockStateRepository) Close() error {
	return nil
}

func (m *mockStateRepository) getSavedState() *models.StrategyState {
	m.Lock()
	defer m.Unlock()
	return m.savedState
}

func (m *mockStateRepository) getSaveCount() int {
	m.Lock()
	defer m.Unlock()
	return m.saveCount
}

func waitForSave(t *testing.T, repo *mockStateRepository) {
	t.Helper()
	select {
	case <-repo.saveDoneChan:
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for state to be saved")
	}
}

// TestNewStateManager verifies that the StateManager is initialized correctly.
func TestNewStateManager(t *testing.T) {
	initialState := &models.StrategyState{BotID: "test-bot", Symbol: "BTCTUSD"}
	sm := NewStateManager(initialState, newMockStateRepository(), zap.NewNop())
	require.NotNil(t, sm, "StateManager should not be nil")

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot, "Initial state snapshot should not be nil")
	assert.Equal(t, "test-bot", snapshot.BotID, "Initial BotID should match")

	assert.NotNil(t, sm.eventChannel, "eventChannel should be created")
	assert.NotNil(t, sm.persistenceChan, "persistenceChan should be created")
	assert.NotNil(t, sm.stopChan, "stopChan should be created")

	// nil 初始状态会被替换为空状态
	empty := NewStateManager(nil, nil, nil)
	assert.NotNil(t, empty.GetStateSnapshot())
}

// TestStateResetEvent tests the handling of a StateResetEvent.
func TestStateResetEvent(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(&models.StrategyState{BotID: "initial-bot"}, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	newState := &models.StrategyState{
		BotID:   "reset-bot",
		Version: 2,
		Skew:    models.SkewState{Active: true, Magnitude: decimal.RequireFromString("0.0035")},
	}
	sm.DispatchEvent(NormalizedEvent{
		Type:      StateResetEvent,
		Timestamp: time.Now(),
		Data:      newState,
	})
	waitForSave(t, repo)

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, "reset-bot", snapshot.BotID)
	assert.Equal(t, 2, snapshot.Version)
	assert.True(t, snapshot.Skew.Active)

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, "reset-bot", saved.BotID)
}

// TestPositionClosedEvent tests that closed positions reported by the strategy are appended and persisted.
func TestPositionClosedEvent(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(&models.StrategyState{Symbol: "BTCTUSD"}, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	closeTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sm.OnPositionClosed(models.PositionRecord{
		ID:           "exec-1",
		Status:       models.Completed,
		CloseType:    models.CloseStopLoss,
		CloseTime:    closeTime,
		CloseOrderID: "HL2",
	})
	waitForSave(t, repo)

	snapshot := sm.GetStateSnapshot()
	require.Len(t, snapshot.ClosedPositions, 1)
	assert.Equal(t, "HL2", snapshot.LastClosed().CloseOrderID)
	assert.True(t, snapshot.LastUpdateTime.Equal(closeTime))

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	require.Len(t, saved.ClosedPositions, 1)
}

// TestAsyncPersistence verifies that state persistence happens asynchronously.
func TestAsyncPersistence(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(&models.StrategyState{BotID: "async-test"}, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	sm.OnSkewChanged(models.SkewState{Active: true, LastCloseEventID: "HL9"})

	waitForSave(t, repo)
	assert.Equal(t, 1, repo.getSaveCount())
	savedState := repo.getSavedState()
	require.NotNil(t, savedState)
	assert.Equal(t, "HL9", savedState.Skew.LastCloseEventID)
}

// TestStopDrainsPendingEvents verifies that Stop processes and persists everything dispatched before it.
func TestStopDrainsPendingEvents(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(&models.StrategyState{Symbol: "BTCTUSD"}, repo, zap.NewNop())
	sm.Start()

	sm.OnPositionClosed(models.PositionRecord{ID: "a", Status: models.Completed, CloseType: models.CloseStopLoss, CloseOrderID: "HL2"})
	sm.OnSkewChanged(models.SkewState{Active: true, LastCloseEventID: "HL2"})
	sm.OnPositionClosed(models.PositionRecord{ID: "b", Status: models.Completed, CloseType: models.CloseTakeProfit})
	sm.Stop()

	assert.Equal(t, 3, repo.getSaveCount())
	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Len(t, saved.ClosedPositions, 2)
	assert.True(t, saved.Skew.Active)

	// 重复 Stop 不会 panic
	sm.Stop()
}

func TestPersistsToBadger(t *testing.T) {
	repo, err := persistence.NewInMemoryBadgerRepository()
	require.NoError(t, err)
	defer repo.Close()

	sm := NewStateManager(&models.StrategyState{Symbol: "BTCTUSD", Version: 1}, repo, zap.NewNop())
	sm.Start()
	sm.OnSkewChanged(models.SkewState{Active: true, Magnitude: decimal.RequireFromString("0.0035"), LastCloseEventID: "HL4"})
	sm.Stop()

	loaded, err := repo.LoadState("BTCTUSD")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "HL4", loaded.Skew.LastCloseEventID)
}
