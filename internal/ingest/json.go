package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"crowdgate/internal/model"
)

var ErrInvalidObservation = errors.New("invalid observation")

// ParseObservations decodes a single JSON object or an array of objects.
// Objects whose fields do not parse are returned as errs, in input order.
func ParseObservations(data []byte) (obs []model.Observation, errs []error, err error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, nil, fmt.Errorf("%w: empty body", ErrInvalidObservation)
	}
	var objs []map[string]any
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &objs); err != nil {
			return nil, nil, err
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			return nil, nil, err
		}
		objs = append(objs, obj)
	}
	obs = make([]model.Observation, 0, len(objs))
	for _, obj := range objs {
		o, perr := ParseJSONMap(obj)
		if perr != nil {
			errs = append(errs, perr)
			continue
		}
		obs = append(obs, o)
	}
	return obs, errs, nil
}

// ParseJSONMap maps a loosely keyed JSON object onto an Observation.
func ParseJSONMap(obj map[string]any) (model.Observation, error) {
	fields := map[string]string{}
	for key, val := range obj {
		if val == nil {
			continue
		}
		switch v := val.(type) {
		case float64:
			fields[strings.ToLower(key)] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			fields[strings.ToLower(key)] = fmt.Sprint(v)
		}
	}
	return fromFields(fields)
}

func fromFields(fields map[string]string) (model.Observation, error) {
	obs := model.Observation{
		GateID: firstNonEmpty(fields, "gate_id", "gate", "gateid"),
		Frame:  firstNonEmpty(fields, "frame", "image"),
		Error:  firstNonEmpty(fields, "error", "err"),
	}
	if raw := firstNonEmpty(fields, "generation", "gen"); raw != "" {
		g, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return model.Observation{}, fmt.Errorf("%w: generation %q", ErrInvalidObservation, raw)
		}
		obs.Generation = model.Generation(g)
	}
	if raw := firstNonEmpty(fields, "count", "people", "people_count"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
			return model.Observation{}, fmt.Errorf("%w: count %q", ErrInvalidObservation, raw)
		}
		n := int(f)
		obs.Count = &n
	}
	if err := Validate(obs); err != nil {
		return model.Observation{}, err
	}
	return obs, nil
}

// Validate rejects observations that cannot be applied to any gate.
func Validate(obs model.Observation) error {
	if strings.TrimSpace(obs.GateID) == "" {
		return fmt.Errorf("%w: missing gate_id", ErrInvalidObservation)
	}
	if obs.Error == "" && obs.Count == nil {
		return fmt.Errorf("%w: gate %q: count or error required", ErrInvalidObservation, obs.GateID)
	}
	return nil
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
