package apihttp

import (
	"errors"
	"net/http"

	analytics "gridledger/internal/analytics/application"
	"gridledger/internal/ingest/parser"
	masterdata "gridledger/internal/masterdata/domain"
	settlement "gridledger/internal/settlement/domain"
	telemetry "gridledger/internal/telemetry/domain"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, masterdata.ErrMeterNotFound),
		errors.Is(err, settlement.ErrTariffNotFound):
		return http.StatusNotFound
	case errors.Is(err, telemetry.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, masterdata.ErrDuplicateMeter),
		errors.Is(err, masterdata.ErrHierarchyCycle),
		errors.Is(err, analytics.ErrCycle):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrConfiguration),
		errors.Is(err, settlement.ErrTariffNotEffective),
		errors.Is(err, settlement.ErrNegativeUsage),
		errors.Is(err, settlement.ErrInvalidUsage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrInvalidPeriod),
		errors.Is(err, analytics.ErrInvalidRequest),
		errors.Is(err, masterdata.ErrEmptyMeterID),
		errors.Is(err, masterdata.ErrInvalidPolarity),
		errors.Is(err, telemetry.ErrEmptyMeterID),
		errors.Is(err, telemetry.ErrInvalidRange),
		errors.Is(err, parser.ErrInvalidFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	http.Error(w, message, status)
}
