// Package chstoreerr defines the typed error taxonomy (spec §7) shared by
// every component so the coordinator and its supervisor can branch on
// failure class without string-matching.
package chstoreerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel classes. Wrap the underlying cause with fmt.Errorf("...: %w", Class)
// so errors.Is still matches through the wrap chain.
var (
	// ErrConnect: unable to reach the database. Fatal; surfaced to the
	// supervisor; no state mutated.
	ErrConnect = errors.New("connect error")

	// ErrSchema: a hot-supported table lacks the configured height column,
	// or a required table is missing. Fatal at connect.
	ErrSchema = errors.New("schema error")

	// ErrTransientIO: broken pipe, reset, timeout during insert. Retried up
	// to 3 attempts with linear backoff; exhausted retry surfaces fatal.
	ErrTransientIO = errors.New("transient io error")

	// ErrUnknownTable: a migration or validation query referenced a
	// not-yet-created table. Silently skipped by the caller; logged once.
	ErrUnknownTable = errors.New("unknown table")

	// ErrReorgConsistency: no common ancestor within the hot chain AND
	// finalizedHeight is also unreachable.
	ErrReorgConsistency = errors.New("reorg consistency error")

	// ErrCheckpointWrite: fatal; the coordinator must not acknowledge the
	// batch as complete.
	ErrCheckpointWrite = errors.New("checkpoint write error")
)

// Connect wraps cause as an ErrConnect.
func Connect(cause error) error { return wrap(ErrConnect, cause) }

// Schema wraps cause as an ErrSchema, identifying the offending tables.
func Schema(offenders []string, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrSchema, strings.Join(offenders, ", "), detail)
}

// TransientIO wraps cause as an ErrTransientIO.
func TransientIO(cause error) error { return wrap(ErrTransientIO, cause) }

// UnknownTable wraps a table name as an ErrUnknownTable.
func UnknownTable(table string) error { return fmt.Errorf("%w: %s", ErrUnknownTable, table) }

// ReorgConsistency wraps detail as an ErrReorgConsistency.
func ReorgConsistency(detail string) error { return fmt.Errorf("%w: %s", ErrReorgConsistency, detail) }

// CheckpointWrite wraps cause as an ErrCheckpointWrite.
func CheckpointWrite(cause error) error { return wrap(ErrCheckpointWrite, cause) }

func wrap(class, cause error) error {
	if cause == nil {
		return class
	}
	return fmt.Errorf("%w: %v", class, cause)
}
