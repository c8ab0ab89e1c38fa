package persistence

import "hilow-signal-bot-go/internal/models"

// StateRepository defines the interface for state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically saves the strategy state of one symbol.
	SaveState(state *models.StrategyState) error

	// LoadState loads the strategy state of a symbol.
	// If no state is found, it returns (nil, nil).
	LoadState(symbol string) (*models.StrategyState, error)

	// DeleteState removes the stored state of a symbol, used by a fresh (non-resumed) run.
	DeleteState(symbol string) error

	// Close gracefully closes the connection to the database.
	Close() error
}
