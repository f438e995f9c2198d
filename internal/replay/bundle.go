package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/canonical-node/canon/internal/canon"
)

// Bundle is a replay-only input: an observation log and an action-runs
// log, each newline-delimited JSON in timestamp order. Bundle
// import/export for any other purpose (transport, backup) is out of
// scope; this reader exists solely to feed Driver.Run.
type Bundle struct {
	Observations []*canon.Observation
	ActionRuns   []*canon.ActionRun
}

// ReadBundle parses an observation-log reader and an action-run-log
// reader, each newline-delimited JSON records in timestamp order.
// actionRunsR may be nil for an evaluate-only replay that has no history
// to reconcile against.
func ReadBundle(observationsR io.Reader, actionRunsR io.Reader) (*Bundle, error) {
	observations, err := decodeNDJSON[canon.Observation](observationsR)
	if err != nil {
		return nil, fmt.Errorf("replay: reading observation log: %w", err)
	}

	var actionRuns []*canon.ActionRun
	if actionRunsR != nil {
		actionRuns, err = decodeNDJSON[canon.ActionRun](actionRunsR)
		if err != nil {
			return nil, fmt.Errorf("replay: reading action-run log: %w", err)
		}
	}

	return &Bundle{Observations: observations, ActionRuns: actionRuns}, nil
}

func decodeNDJSON[T any](r io.Reader) ([]*T, error) {
	var out []*T
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GroupActionRunsByObservation groups a bundle's action runs by
// proposedBy.observationId, matching Driver.Run's historicalActionRuns
// parameter.
func GroupActionRunsByObservation(runs []*canon.ActionRun) map[string][]*canon.ActionRun {
	out := make(map[string][]*canon.ActionRun)
	for _, r := range runs {
		obsID := r.ProposedBy.ObservationID
		if obsID == "" {
			continue
		}
		out[obsID] = append(out[obsID], r)
	}
	return out
}

// LoadInto inserts every observation the bundle carries into
// store, for a replay run starting from a fresh repository rather than the
// node's live store. Action runs are not persisted — they only ever feed
// Driver.Run's historicalActionRuns reconciliation map, never become new
// rows, since replay never invents a new ActionRun.
func (b *Bundle) LoadInto(store canon.Store) error {
	for _, obs := range b.Observations {
		if err := store.InsertObservation(obs); err != nil {
			return fmt.Errorf("replay: loading observation %s into scratch store: %w", obs.ID, err)
		}
	}
	return nil
}
