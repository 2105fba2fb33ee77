package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tradecycle/internal/config"
	"tradecycle/internal/decision"
	"tradecycle/internal/market"
)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Submit(ctx context.Context, order TradeOrder) (Ack, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(Ack), args.Error(1)
}

func (m *MockBroker) OrderStatus(ctx context.Context, refID string) (OrderStatus, error) {
	args := m.Called(ctx, refID)
	return args.Get(0).(OrderStatus), args.Error(1)
}

type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]TradeOrder
	saves  int
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: make(map[string]TradeOrder)}
}

func (s *memOrderStore) GetTradeOrder(ctx context.Context, orderID string) (TradeOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	return o, ok, nil
}

func (s *memOrderStore) SaveTradeOrder(ctx context.Context, order TradeOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order
	s.saves++
	return nil
}

type staticSource struct {
	price float64
}

func (s staticSource) CurrentPrice(ctx context.Context, ticker string) (float64, error) {
	return s.price, nil
}

func (s staticSource) Candles(ctx context.Context, ticker, interval string, limit int) ([]market.Candle, error) {
	return nil, nil
}

type staticAccount struct {
	state market.AccountState
}

func (s staticAccount) AccountState(ctx context.Context) (market.AccountState, error) {
	return s.state, nil
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxPositionPct: 0.5,
		MaxAttempts:    3,
		BackoffBaseMs:  1,
		BackoffMaxMs:   5,
		Simulation:     true,
	}
}

func accountWith(cash float64, positions map[string]market.Position) market.AccountState {
	if positions == nil {
		positions = map[string]market.Position{}
	}
	return market.AccountState{
		AvailableCash: decimal.NewFromFloat(cash),
		Positions:     positions,
	}
}

func TestValidateInsufficientFunds(t *testing.T) {
	g := NewGateway(testExecConfig(), nil, newMemOrderStore(), staticSource{}, nil)

	order := TradeOrder{
		Ticker:        "7203",
		Action:        decision.ActionBuy,
		Quantity:      100,
		Price:         decimal.NewFromInt(3000),
		RequiredFunds: decimal.NewFromInt(300000),
	}
	res := g.Validate(order, accountWith(200000, nil), map[string]float64{"7203": 3000})
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonInsufficientFunds, res.Reason)
}

func TestValidateInsufficientPosition(t *testing.T) {
	g := NewGateway(testExecConfig(), nil, newMemOrderStore(), staticSource{}, nil)

	order := TradeOrder{
		Ticker:   "7203",
		Action:   decision.ActionSell,
		Quantity: 50,
		Price:    decimal.NewFromInt(3000),
	}
	held := map[string]market.Position{"7203": {Ticker: "7203", Quantity: 10, AvgPrice: 2800}}
	res := g.Validate(order, accountWith(0, held), nil)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonInsufficientPosition, res.Reason)

	order.Quantity = 10
	res = g.Validate(order, accountWith(0, held), nil)
	assert.True(t, res.Valid)
}

func TestValidatePositionLimit(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxPositionPct = 0.2
	g := NewGateway(cfg, nil, newMemOrderStore(), staticSource{}, nil)

	// Portfolio is 100k cash; a 30k buy breaches the 20% cap.
	order := TradeOrder{
		Ticker:        "6758",
		Action:        decision.ActionBuy,
		Quantity:      10,
		Price:         decimal.NewFromInt(3000),
		RequiredFunds: decimal.NewFromInt(30000),
	}
	res := g.Validate(order, accountWith(100000, nil), map[string]float64{"6758": 3000})
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonPositionLimit, res.Reason)
}

func TestSubmitIdempotent(t *testing.T) {
	store := newMemOrderStore()
	broker := new(MockBroker)
	broker.On("Submit", mock.Anything, mock.Anything).
		Return(Ack{RefID: "ref-1", Status: OrderConfirmed}, nil).Once()

	g := NewGateway(testExecConfig(), broker, store, staticSource{}, nil)

	order := TradeOrder{
		OrderID:  OrderID("cycle-1", "7203", decision.ActionBuy),
		CycleID:  "cycle-1",
		Ticker:   "7203",
		Action:   decision.ActionBuy,
		Quantity: 10,
		Price:    decimal.NewFromInt(3000),
	}
	first, err := g.Submit(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, OrderConfirmed, first.Status)

	second, err := g.Submit(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.Status, second.Status)

	assert.Len(t, store.orders, 1, "resubmission must not create a duplicate")
	broker.AssertNumberOfCalls(t, "Submit", 1)
}

// blockingBroker parks every submission until released, so a test can
// observe how many are in flight at once.
type blockingBroker struct {
	entered chan string
	release chan struct{}
}

func (b *blockingBroker) Submit(ctx context.Context, order TradeOrder) (Ack, error) {
	b.entered <- order.OrderID
	<-b.release
	return Ack{RefID: "ref-" + order.OrderID, Status: OrderConfirmed}, nil
}

func (b *blockingBroker) OrderStatus(ctx context.Context, refID string) (OrderStatus, error) {
	return OrderConfirmed, nil
}

func TestSubmitDoesNotSerializeDistinctOrders(t *testing.T) {
	broker := &blockingBroker{entered: make(chan string, 2), release: make(chan struct{})}
	g := NewGateway(testExecConfig(), broker, newMemOrderStore(), staticSource{}, nil)

	var wg sync.WaitGroup
	for _, cycleID := range []string{"cycle-1", "cycle-2"} {
		order := TradeOrder{
			OrderID:  OrderID(cycleID, "7203", decision.ActionBuy),
			CycleID:  cycleID,
			Ticker:   "7203",
			Action:   decision.ActionBuy,
			Quantity: 10,
			Price:    decimal.NewFromInt(3000),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Submit(context.Background(), order)
			assert.NoError(t, err)
		}()
	}

	// Both submissions must reach the broker while the first is still
	// blocked; a gateway holding its lock across the call would hang here.
	for i := 0; i < 2; i++ {
		select {
		case <-broker.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("second submission waited for the first to finish")
		}
	}
	close(broker.release)
	wg.Wait()
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	store := newMemOrderStore()
	broker := new(MockBroker)
	broker.On("Submit", mock.Anything, mock.Anything).
		Return(Ack{}, &TransientSubmitError{Err: context.DeadlineExceeded}).Twice()
	broker.On("Submit", mock.Anything, mock.Anything).
		Return(Ack{RefID: "ref-2", Status: OrderConfirmed}, nil).Once()

	g := NewGateway(testExecConfig(), broker, store, staticSource{}, nil)
	order := TradeOrder{
		OrderID:  OrderID("cycle-2", "7203", decision.ActionBuy),
		CycleID:  "cycle-2",
		Ticker:   "7203",
		Action:   decision.ActionBuy,
		Quantity: 5,
		Price:    decimal.NewFromInt(1000),
	}
	got, err := g.Submit(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, OrderConfirmed, got.Status)
	broker.AssertNumberOfCalls(t, "Submit", 3)
}

func TestSubmitExhaustionMarksFailed(t *testing.T) {
	store := newMemOrderStore()
	broker := new(MockBroker)
	broker.On("Submit", mock.Anything, mock.Anything).
		Return(Ack{}, &TransientSubmitError{Err: context.DeadlineExceeded})

	g := NewGateway(testExecConfig(), broker, store, staticSource{}, nil)
	order := TradeOrder{
		OrderID:  OrderID("cycle-3", "7203", decision.ActionSell),
		CycleID:  "cycle-3",
		Ticker:   "7203",
		Action:   decision.ActionSell,
		Quantity: 5,
		Price:    decimal.NewFromInt(1000),
	}
	got, err := g.Submit(context.Background(), order)
	require.Error(t, err)
	assert.Equal(t, OrderFailed, got.Status)

	stored, found, _ := store.GetTradeOrder(context.Background(), order.OrderID)
	require.True(t, found)
	assert.Equal(t, OrderFailed, stored.Status)
	broker.AssertNumberOfCalls(t, "Submit", 3)
}

func TestExecuteRejectedValidationNotRetried(t *testing.T) {
	store := newMemOrderStore()
	broker := new(MockBroker)

	g := NewGateway(testExecConfig(), broker, store, staticSource{price: 3000},
		staticAccount{state: accountWith(100, nil)})

	d := decision.Decision{CycleID: "cycle-4", Ticker: "7203", Action: decision.ActionBuy}
	order, err := g.Execute(context.Background(), d, false)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonInsufficientFunds, verr.Reason)
	assert.Equal(t, OrderRejected, order.Status)
	broker.AssertNotCalled(t, "Submit")

	// The rejection is persisted for audit.
	stored, found, _ := store.GetTradeOrder(context.Background(), order.OrderID)
	require.True(t, found)
	assert.Equal(t, OrderRejected, stored.Status)
}

func TestExecuteSimulatedFill(t *testing.T) {
	account := market.NewSimAccount(100000)
	broker := NewSimBroker(account)
	store := newMemOrderStore()

	g := NewGateway(testExecConfig(), broker, store, staticSource{price: 100}, account)

	d := decision.Decision{CycleID: "cycle-5", Ticker: "BTCUSDT", Action: decision.ActionBuy}
	order, err := g.Execute(context.Background(), d, false)
	require.NoError(t, err)
	assert.Equal(t, OrderConfirmed, order.Status)
	assert.True(t, order.Simulated)
	assert.Equal(t, 500.0, order.Quantity, "50%% cap of a 100k portfolio at price 100")

	state, err := account.AccountState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, state.Positions["BTCUSDT"].Quantity)
	assert.True(t, state.AvailableCash.Equal(decimal.NewFromInt(50000)))
}

func TestExecuteTestModeRoutesToSimSurface(t *testing.T) {
	cfg := testExecConfig()
	cfg.Simulation = false

	liveBroker := new(MockBroker)
	liveAccount := staticAccount{state: accountWith(100000, nil)}
	simAccount := market.NewSimAccount(100000)

	g := NewGateway(cfg, liveBroker, newMemOrderStore(), staticSource{price: 100}, liveAccount)
	g.AttachSimSurface(NewSimBroker(simAccount), simAccount)

	d := decision.Decision{CycleID: "cycle-9", Ticker: "BTCUSDT", Action: decision.ActionBuy}
	order, err := g.Execute(context.Background(), d, true)
	require.NoError(t, err)
	assert.True(t, order.Simulated)
	assert.Equal(t, OrderConfirmed, order.Status)
	liveBroker.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	state, err := simAccount.AccountState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, state.Positions["BTCUSDT"].Quantity)
}

func TestExecuteTestModeWithoutSimSurface(t *testing.T) {
	cfg := testExecConfig()
	cfg.Simulation = false

	g := NewGateway(cfg, new(MockBroker), newMemOrderStore(), staticSource{price: 100}, staticAccount{})

	d := decision.Decision{CycleID: "cycle-10", Ticker: "BTCUSDT", Action: decision.ActionBuy}
	_, err := g.Execute(context.Background(), d, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no simulation surface")
}

func TestAwaitTerminalFollowsUp(t *testing.T) {
	store := newMemOrderStore()
	broker := new(MockBroker)
	broker.On("Submit", mock.Anything, mock.Anything).
		Return(Ack{RefID: "ref-9", Status: OrderSubmitted}, nil).Once()
	broker.On("OrderStatus", mock.Anything, "ref-9").
		Return(OrderConfirmed, nil).Once()

	g := NewGateway(testExecConfig(), broker, store, staticSource{}, nil)
	order := TradeOrder{
		OrderID:  OrderID("cycle-6", "7203", decision.ActionBuy),
		CycleID:  "cycle-6",
		Ticker:   "7203",
		Action:   decision.ActionBuy,
		Quantity: 1,
		Price:    decimal.NewFromInt(500),
	}
	got, err := g.Submit(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, OrderConfirmed, got.Status)
	broker.AssertExpectations(t)
}

func TestOrderIDDeterministic(t *testing.T) {
	a := OrderID("cycle-1", "7203", decision.ActionBuy)
	b := OrderID("cycle-1", "7203", decision.ActionBuy)
	c := OrderID("cycle-1", "7203", decision.ActionSell)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
