package message

import (
	"encoding/json"
	"fmt"
)

// State is the monitoring state of a sub-record. States are integer-valued
// and totally ordered so that progress comparisons are cheap; a sub-record
// may only ever move to a numerically greater state.
//
// The integer values have changed across schema versions of the deployed
// system, so the value is never treated as the identity of a state: the
// name is. stateValues below is the single authoritative name <-> value
// mapping and everything (wire format, database rows) goes through it.
type State int

const (
	StateInitialising             State = -1
	StateRouting                  State = 0
	StateSplitting                State = 1
	StateIndexing                 State = 2
	StateCatalogPutting           State = 3
	StateTransferPutting          State = 4
	StateCatalogRollback          State = 5
	StateCatalogUpdate            State = 6
	StateCatalogGetting           State = 10
	StateArchiveGetting           State = 11
	StateTransferGetting          State = 12
	StateArchiveInit              State = 20
	StateCatalogArchiveAggregating State = 21
	StateArchivePutting           State = 22
	StateCatalogArchiveUpdating   State = 23
	StateCatalogArchiveRollback   State = 40
	StateCatalogDeleteRollback    State = 41
	StateCatalogRestoring         State = 42
	StateComplete                 State = 100
	StateFailed                   State = 101
	StateCompleteWithErrors       State = 102
	StateCompleteWithWarnings     State = 103
	StateSearching                State = 1000
)

var stateNames = map[State]string{
	StateInitialising:              "INITIALISING",
	StateRouting:                   "ROUTING",
	StateSplitting:                 "SPLITTING",
	StateIndexing:                  "INDEXING",
	StateCatalogPutting:            "CATALOG_PUTTING",
	StateTransferPutting:           "TRANSFER_PUTTING",
	StateCatalogRollback:           "CATALOG_ROLLBACK",
	StateCatalogUpdate:             "CATALOG_UPDATE",
	StateCatalogGetting:            "CATALOG_GETTING",
	StateArchiveGetting:            "ARCHIVE_GETTING",
	StateTransferGetting:           "TRANSFER_GETTING",
	StateArchiveInit:               "ARCHIVE_INIT",
	StateCatalogArchiveAggregating: "CATALOG_ARCHIVE_AGGREGATING",
	StateArchivePutting:            "ARCHIVE_PUTTING",
	StateCatalogArchiveUpdating:    "CATALOG_ARCHIVE_UPDATING",
	StateCatalogArchiveRollback:    "CATALOG_ARCHIVE_ROLLBACK",
	StateCatalogDeleteRollback:     "CATALOG_DELETE_ROLLBACK",
	StateCatalogRestoring:          "CATALOG_RESTORING",
	StateComplete:                  "COMPLETE",
	StateFailed:                    "FAILED",
	StateCompleteWithErrors:        "COMPLETE_WITH_ERRORS",
	StateCompleteWithWarnings:      "COMPLETE_WITH_WARNINGS",
	StateSearching:                 "SEARCHING",
}

var stateValues = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for v, n := range stateNames {
		m[n] = v
	}
	return m
}()

// finalStates are the states a sub-record can legitimately end in. A
// transaction record completes only once every sub-record is in one of
// these.
var finalStates = map[State]bool{
	StateTransferGetting:        true,
	StateCatalogUpdate:          true,
	StateCatalogArchiveUpdating: true,
	StateCatalogRollback:        true,
	StateCatalogArchiveRollback: true,
	StateCatalogRestoring:       true,
	StateFailed:                 true,
}

// failedStates are the final states that indicate the sub-record did not
// succeed.
var failedStates = map[State]bool{
	StateCatalogRollback:        true,
	StateCatalogArchiveRollback: true,
	StateFailed:                 true,
}

// String returns the state name, or a numeric placeholder for values that
// are not part of the mapping table.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Valid reports whether the value is part of the mapping table.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// IsFinal reports whether the state is a legitimate end state for a
// sub-record.
func (s State) IsFinal() bool {
	return finalStates[s]
}

// IsFailed reports whether the state is a failure end state.
func (s State) IsFailed() bool {
	return failedStates[s]
}

// ParseState resolves a state by name.
func ParseState(name string) (State, error) {
	if s, ok := stateValues[name]; ok {
		return s, nil
	}
	return StateInitialising, fmt.Errorf("unknown state %q", name)
}

// MarshalJSON encodes the state as its integer value, matching the wire
// format consumed by the other workers.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

// UnmarshalJSON accepts either the integer value or the state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var v int
	if err := json.Unmarshal(data, &v); err == nil {
		st := State(v)
		if !st.Valid() {
			return fmt.Errorf("unknown state value %d", v)
		}
		*s = st
		return nil
	}
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	st, err := ParseState(n)
	if err != nil {
		return err
	}
	*s = st
	return nil
}
