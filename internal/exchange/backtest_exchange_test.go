package exchange

import (
	"testing"
	"time"

	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExchange() *BacktestExchange {
	return NewBacktestExchange(&models.Config{
		Symbol:       "BTCTUSD",
		MakerFeeRate: 0.001,
		TakerFeeRate: 0.002,
	})
}

func limitBuy(price string) models.OrderRequest {
	return models.OrderRequest{
		Pair:   "BTCTUSD",
		Side:   models.Buy,
		Type:   models.Limit,
		Price:  decimal.RequireFromString(price),
		Amount: decimal.NewFromInt(2),
	}
}

func TestBestAsk(t *testing.T) {
	ex := newTestExchange()
	_, err := ex.BestAsk("BTCTUSD")
	assert.Error(t, err, "no price before the first bar")

	ex.SetPrice(decimal.RequireFromString("97.5"), time.UnixMilli(1))
	ask, err := ex.BestAsk("BTCTUSD")
	require.NoError(t, err)
	assert.True(t, ask.Equal(decimal.RequireFromString("97.5")))
}

func TestPlaceOrderIDsAreUniqueAndDeterministic(t *testing.T) {
	first := newTestExchange()
	second := newTestExchange()

	var ids []string
	for i := 0; i < 70; i++ {
		id, err := first.PlaceOrder(limitBuy("99"))
		require.NoError(t, err)
		other, err := second.PlaceOrder(limitBuy("99"))
		require.NoError(t, err)
		assert.Equal(t, id, other)
		ids = append(ids, id)
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFillChargesMakerAndTakerFees(t *testing.T) {
	ex := newTestExchange()
	ex.SetPrice(decimal.NewFromInt(100), time.UnixMilli(1000))

	limitID, err := ex.PlaceOrder(limitBuy("99"))
	require.NoError(t, err)
	ev, err := ex.Fill(limitID, decimal.NewFromInt(99))
	require.NoError(t, err)
	assert.Equal(t, limitID, ev.OrderID)
	assert.True(t, ev.Fee.Equal(decimal.RequireFromString("0.198")), "99 * 2 * 0.001, got %s", ev.Fee)
	assert.Equal(t, time.UnixMilli(1000), ev.Timestamp)

	marketID, err := ex.PlaceOrder(models.OrderRequest{
		Pair: "BTCTUSD", Side: models.Sell, Type: models.Market,
		Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	ev, err = ex.Fill(marketID, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, ev.Fee.Equal(decimal.RequireFromString("0.4")))
	assert.True(t, ex.TotalFees.Equal(decimal.RequireFromString("0.598")))

	_, err = ex.Fill(marketID, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, ErrOrderNotOpen, "an order fills only once")
}

func TestCancelOrderQueuesEvent(t *testing.T) {
	ex := newTestExchange()
	id, err := ex.PlaceOrder(limitBuy("99"))
	require.NoError(t, err)
	require.Len(t, ex.GetOpenOrders(), 1)

	require.NoError(t, ex.CancelOrder("BTCTUSD", id))
	assert.Empty(t, ex.GetOpenOrders())

	events := ex.DrainCanceled()
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].OrderID)
	assert.Empty(t, ex.DrainCanceled(), "events are drained once")

	_, err = ex.Fill(id, decimal.NewFromInt(99))
	assert.ErrorIs(t, err, ErrOrderNotOpen, "canceled orders cannot fill")
	assert.ErrorIs(t, ex.CancelOrder("BTCTUSD", id), ErrOrderNotOpen)
	assert.ErrorIs(t, ex.CancelOrder("BTCTUSD", "missing"), ErrOrderNotFound)
}

func TestRejectFunc(t *testing.T) {
	ex := newTestExchange()
	rejections := 1
	ex.RejectFunc = func(req models.OrderRequest) bool {
		if rejections > 0 {
			rejections--
			return true
		}
		return false
	}

	rejected, err := ex.PlaceOrder(limitBuy("99"))
	require.NoError(t, err)
	accepted, err := ex.PlaceOrder(limitBuy("99"))
	require.NoError(t, err)

	failed := ex.DrainFailed()
	require.Len(t, failed, 1)
	assert.Equal(t, rejected, failed[0].OrderID)

	order, err := ex.GetOrder(rejected)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, order.Status)

	order, err = ex.GetOrder(accepted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, order.Status)
}
