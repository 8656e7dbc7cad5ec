package command

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Job verbs accepted by the "job" command.
const (
	JobPause  = "pause"
	JobCancel = "cancel"
	JobResume = "resume"
)

// WatchingTrue is the only value of the "watching" command that sets
// the flag; every other value clears it.
const WatchingTrue = "True"

// Envelope is the top level of an inbound relay message. Only the
// "cmd" key carries anything; other keys are ignored.
type Envelope struct {
	Cmd map[string]json.RawMessage `json:"cmd"`
}

// TempsCommand is the payload of a "temps" command.
type TempsCommand struct {
	Set *TempTarget `json:"set,omitempty"`
}

// TempTarget asks for one heater to be set to a target temperature.
type TempTarget struct {
	Heater string   `json:"heater"`
	Target *float64 `json:"target"`
}

// JogCommand is the decoded payload of a "jog" command. Numeric axes
// form a single relative move; the rest are homed.
type JogCommand struct {
	Moves map[string]float64
	Home  []string
}

// decodeEnvelope parses raw and reports which top-level keys other than
// "cmd" were present.
func decodeEnvelope(raw []byte) (Envelope, []string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	var env Envelope
	var ignored []string
	for k, v := range top {
		if k != "cmd" {
			ignored = append(ignored, k)
			continue
		}
		if isNull(v) {
			continue
		}
		if err := json.Unmarshal(v, &env.Cmd); err != nil {
			return Envelope{}, nil, fmt.Errorf("%w: cmd: %w", ErrDecode, err)
		}
	}
	sort.Strings(ignored)
	return env, ignored, nil
}

func decodeJob(raw json.RawMessage) (string, error) {
	var verb string
	if err := json.Unmarshal(raw, &verb); err != nil {
		return "", fmt.Errorf("%w: job: %w", ErrDecode, err)
	}
	return verb, nil
}

func decodeTemps(raw json.RawMessage) (TempsCommand, error) {
	var tc TempsCommand
	if err := json.Unmarshal(raw, &tc); err != nil {
		return TempsCommand{}, fmt.Errorf("%w: temps: %w", ErrDecode, err)
	}
	if tc.Set != nil && tc.Set.Heater == "" {
		return TempsCommand{}, fmt.Errorf("%w: temps: set without heater", ErrDecode)
	}
	if tc.Set != nil && tc.Set.Target == nil {
		return TempsCommand{}, fmt.Errorf("%w: temps: set without target", ErrDecode)
	}
	return tc, nil
}

func decodeJog(raw json.RawMessage) (JogCommand, error) {
	var axes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &axes); err != nil {
		return JogCommand{}, fmt.Errorf("%w: jog: %w", ErrDecode, err)
	}

	keys := make([]string, 0, len(axes))
	for k := range axes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	jc := JogCommand{Moves: make(map[string]float64)}
	for _, axis := range keys {
		var dist float64
		if err := json.Unmarshal(axes[axis], &dist); err == nil && !isNull(axes[axis]) {
			jc.Moves[axis] = dist
			continue
		}
		jc.Home = append(jc.Home, axis)
	}
	return jc, nil
}

// decodeWatching returns true only for the JSON string "True".
func decodeWatching(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == WatchingTrue
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
