package relay

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"

	"agent-gateway/internal/model"
)

// Outcome is what the client sees after a relay failure.
type Outcome struct {
	// Status and Message form a clean JSON error response. Status is zero
	// when no response can be sent.
	Status  int
	Message string
	// Abort means bytes already reached the client and the connection must
	// be terminated without a normal end of stream.
	Abort bool
	// Silent means the client went away; nothing is sent and nothing is
	// reported as a failure.
	Silent bool
}

// Translate maps a relay failure onto the client-visible outcome.
func Translate(err error) Outcome {
	var pe *model.ProxyError
	if !errors.As(err, &pe) {
		return Outcome{Status: http.StatusBadGateway, Message: "upstream request failed"}
	}

	if pe.Kind == model.KindClientDisconnected {
		return Outcome{Silent: true}
	}
	if pe.Delivered {
		return Outcome{Abort: true}
	}

	switch pe.Kind {
	case model.KindConnectFailed:
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Outcome{Status: http.StatusServiceUnavailable, Message: "upstream temporarily unavailable"}
		}
		return Outcome{Status: http.StatusBadGateway, Message: "upstream connection failed"}
	case model.KindTimeout:
		return Outcome{Status: http.StatusGatewayTimeout, Message: "upstream request timed out"}
	case model.KindUpstreamProtocol:
		if errors.Is(err, model.ErrResponseTooLarge) {
			return Outcome{Status: http.StatusBadGateway, Message: "upstream response too large"}
		}
		return Outcome{Status: http.StatusBadGateway, Message: "invalid upstream response"}
	default:
		return Outcome{Status: http.StatusBadGateway, Message: "upstream request failed"}
	}
}

// TranslateStatus maps a non-success upstream status seen before any stream
// chunk. Client errors keep their status; everything else becomes 502.
func TranslateStatus(status int) Outcome {
	msg := fmt.Sprintf("upstream returned status %d", status)
	if status >= 400 && status < 500 {
		return Outcome{Status: status, Message: msg}
	}
	return Outcome{Status: http.StatusBadGateway, Message: msg}
}
