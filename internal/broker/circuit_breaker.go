package broker

import (
	"errors"
	"log"
	"time"

	"github.com/quantfold/depthtrader/internal/models"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so
// a flapping gateway stops eating scan time instead of timing out every call.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetQuote wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetQuote(symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) { return b.GetQuote(symbol) })
}

// GetDepth wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetDepth(symbol string, levels int) (*DepthSnapshot, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*DepthSnapshot, error) { return b.GetDepth(symbol, levels) })
}

// GetHistoricalBars wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetHistoricalBars(symbol string, req BarRequest) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Bar, error) {
		return b.GetHistoricalBars(symbol, req)
	})
}

// GetOptionExpirations wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOptionExpirations(symbol string, minDays, maxDays int) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) {
		return b.GetOptionExpirations(symbol, minDays, maxDays)
	})
}

// GetStrikes wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetStrikes(symbol, expiration string) ([]float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]float64, error) {
		return b.GetStrikes(symbol, expiration)
	})
}

// QualifyOption wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) QualifyOption(symbol, expiration string, strike float64, right models.Right, quiet bool) (*models.OptionContract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OptionContract, error) {
		return b.QualifyOption(symbol, expiration, strike, right, quiet)
	})
}

// PlaceBracketOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceBracketOrder(contract models.OptionContract, qty int, entry, stop, target float64, tif, ref string) (*BracketHandles, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*BracketHandles, error) {
		return b.PlaceBracketOrder(contract, qty, entry, stop, target, tif, ref)
	})
}

// PlaceCloseOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceCloseOrder(contract models.OptionContract, qty int, limit float64) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceCloseOrder(contract, qty, limit)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(orderID string) (*OrderState, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderState, error) { return b.GetOrderStatus(orderID) })
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(orderID)
	})
	return err
}

// GetPortfolio wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetPortfolio() ([]PortfolioItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PortfolioItem, error) { return b.GetPortfolio() })
}

// GetAccountValue wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAccountValue(tag string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetAccountValue(tag) })
}

// GetIndustry wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetIndustry(symbol string) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) { return b.GetIndustry(symbol) })
}

// IsConnected passes through; the connectivity probe must never trip or
// consult the breaker.
func (c *CircuitBreakerBroker) IsConnected() bool {
	return c.broker.IsConnected()
}
