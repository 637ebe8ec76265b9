package processors

import (
	"fmt"
	"time"
)

// Factory builds a processor from a restaurant's routing record.
type Factory struct {
	stripeTimeout time.Duration
	mockLatency   time.Duration
}

func NewFactory(stripeTimeout, mockLatency time.Duration) *Factory {
	return &Factory{stripeTimeout: stripeTimeout, mockLatency: mockLatency}
}

// ForConfig returns the processor named by the restaurant config. Unknown
// names are a terminal configuration error, not a retryable one.
func (f *Factory) ForConfig(name string, config map[string]string) (Processor, error) {
	switch name {
	case "stripe":
		apiKey := config["api_key"]
		if apiKey == "" {
			return nil, fmt.Errorf("stripe config missing api_key")
		}
		return NewStripe(apiKey, f.stripeTimeout), nil
	case "mock":
		return NewMock(f.mockLatency), nil
	default:
		return nil, fmt.Errorf("unknown processor %q", name)
	}
}
