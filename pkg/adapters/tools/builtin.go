package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Echo returns its parameters, or an empty object when there are none
func Echo(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return params, nil
}

type sleepParams struct {
	DurationMs int64  `json:"duration_ms"`
	Fail       string `json:"fail,omitempty"`
}

// Sleep waits for duration_ms and then fails with the fail message if one is set
func Sleep(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p sleepParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid sleep parameters: %w", err)
		}
	}

	timer := time.NewTimer(time.Duration(p.DurationMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if p.Fail != "" {
		return nil, errors.New(p.Fail)
	}
	return json.Marshal(map[string]int64{"slept_ms": p.DurationMs})
}

// RegisterBuiltins registers echo and sleep
func RegisterBuiltins(r *Registry) error {
	if err := r.Register("echo", Echo); err != nil {
		return err
	}
	return r.Register("sleep", Sleep)
}
