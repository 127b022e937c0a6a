package circuitbreak

import (
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"go.uber.org/zap"
)

var CircuitBreakChan chan string

const (
	ProviderService      = "provider"
	DBService            = "database"
	RedisService         = "redis"
	KafkaProducerService = "kafka_producer"
)

func Init() {
	CircuitBreakChan = make(chan string, 1)
}

// TriggerError reports an opened breaker to the health checker. A second trip
// while one is already pending is dropped; the app restarts once either way.
func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Error("circuit break reported before app was created", zap.String("service", service))
		return
	}

	select {
	case CircuitBreakChan <- service:
	default:
		logging.Logger.Warn("circuit break already pending", zap.String("service", service))
	}
}
