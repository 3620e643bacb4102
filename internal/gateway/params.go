package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"tradesim/internal/metrics"
	"tradesim/internal/state"
	"tradesim/logger"
	"tradesim/models"
)

// Recognized inbound keys.
const (
	fieldQuantityUSD = "quantityUSD"
	fieldVolatility  = "volatility"
	fieldFeeTier     = "fee_tier_data"
)

var (
	// ErrMalformedMessage is returned for messages that are not a JSON
	// object. The message is skipped and the connection kept.
	ErrMalformedMessage = errors.New("gateway: malformed message")
	// ErrInvalidUpdate is the reason attached to a rejected field.
	ErrInvalidUpdate = errors.New("gateway: invalid parameter update")
)

// ParamUpdate is the parsed form of one subscriber message. Nil fields were
// absent or rejected; Rejected holds the reason per rejected key.
type ParamUpdate struct {
	QuantityUSD   *float64
	VolatilityPct *float64
	FeeTier       *models.FeeTier
	Rejected      map[string]error
}

// Empty reports whether the message carried nothing applicable.
func (u ParamUpdate) Empty() bool {
	return u.QuantityUSD == nil && u.VolatilityPct == nil && u.FeeTier == nil
}

// ParseUpdate decodes msg and validates every recognized key independently.
// Unknown keys are ignored.
func ParseUpdate(msg []byte) (ParamUpdate, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return ParamUpdate{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return ParamUpdate{}, fmt.Errorf("%w: null", ErrMalformedMessage)
	}

	upd := ParamUpdate{Rejected: map[string]error{}}

	if raw, ok := fields[fieldQuantityUSD]; ok {
		v, err := coerceFloat(raw)
		if err == nil && v <= 0 {
			err = fmt.Errorf("%w: must be positive", ErrInvalidUpdate)
		}
		if err != nil {
			upd.Rejected[fieldQuantityUSD] = err
		} else {
			upd.QuantityUSD = &v
		}
	}

	if raw, ok := fields[fieldVolatility]; ok {
		v, err := coerceFloat(raw)
		if err == nil && v < 0 {
			err = fmt.Errorf("%w: must not be negative", ErrInvalidUpdate)
		}
		if err != nil {
			upd.Rejected[fieldVolatility] = err
		} else {
			upd.VolatilityPct = &v
		}
	}

	if raw, ok := fields[fieldFeeTier]; ok {
		tier, err := parseFeeTier(raw)
		if err != nil {
			upd.Rejected[fieldFeeTier] = err
		} else {
			upd.FeeTier = &tier
		}
	}

	return upd, nil
}

func parseFeeTier(raw json.RawMessage) (models.FeeTier, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return models.FeeTier{}, fmt.Errorf("%w: fee tier must be an object", ErrInvalidUpdate)
	}
	makerRaw, hasMaker := m["maker"]
	takerRaw, hasTaker := m["taker"]
	if !hasMaker || !hasTaker {
		return models.FeeTier{}, fmt.Errorf("%w: fee tier needs both maker and taker", ErrInvalidUpdate)
	}
	maker, err := coerceFloat(makerRaw)
	if err != nil {
		return models.FeeTier{}, fmt.Errorf("maker: %w", err)
	}
	taker, err := coerceFloat(takerRaw)
	if err != nil {
		return models.FeeTier{}, fmt.Errorf("taker: %w", err)
	}
	return models.NewFeeTier(maker, taker), nil
}

// coerceFloat accepts a JSON number or a string holding one. Non-finite
// values are rejected.
func coerceFloat(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		text = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", ErrInvalidUpdate, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrInvalidUpdate, raw)
	}
	return v, nil
}

// applyUpdate writes the accepted fields to st and logs every rejection.
func applyUpdate(st *state.SharedState, upd ParamUpdate, log *logger.Entry) {
	if upd.QuantityUSD != nil {
		st.SetQuantityUSD(*upd.QuantityUSD)
		metrics.IncParamUpdate(fieldQuantityUSD, "accepted")
		log.WithFields(logger.Fields{"quantity_usd": *upd.QuantityUSD}).Info("quantity updated")
	}
	if upd.VolatilityPct != nil {
		st.SetVolatilityPct(*upd.VolatilityPct)
		metrics.IncParamUpdate(fieldVolatility, "accepted")
		log.WithFields(logger.Fields{"volatility_pct": *upd.VolatilityPct}).Info("volatility updated")
	}
	if upd.FeeTier != nil {
		st.SetFeeTier(*upd.FeeTier)
		metrics.IncParamUpdate(fieldFeeTier, "accepted")
		log.WithFields(logger.Fields{"maker": *upd.FeeTier.Maker, "taker": *upd.FeeTier.Taker}).Info("fee tier updated")
	}
	for field, err := range upd.Rejected {
		metrics.IncParamUpdate(field, "rejected")
		metrics.EmitMetric(nil, component, "param_update_rejected", 1, "counter", logger.Fields{"unit": "count", "field": field})
		log.WithError(err).WithFields(logger.Fields{"field": field}).Warn("rejected parameter update, keeping previous value")
	}
}
