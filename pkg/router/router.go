// Package router implements the zone router (spec §4.3): given an entity
// kind and whether the producer is following chain tip, it resolves the
// physical table name an insert belongs in.
package router

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/schema"
)

// Router maps an entity kind to its physical table name, honoring the
// hot/cold/regular split of spec §4.3. The chain-tip flag is the only piece
// of mutable state and is safe to flip concurrently with reads (it's a plain
// atomic bool set externally by the producer via SetIsAtChainTip).
type Router struct {
	network string
	tables  *schema.Registry
	logger  *zap.Logger

	atTip atomic.Bool
}

// New builds a Router for the given network prefix and managed-table registry.
func New(logger *zap.Logger, network string, tables *schema.Registry) *Router {
	return &Router{network: network, tables: tables, logger: logger}
}

// SetIsAtChainTip updates the chain-tip flag and logs the transition, per
// spec §4.3 ("The router emits a log event on transition").
func (r *Router) SetIsAtChainTip(flag bool) {
	prev := r.atTip.Swap(flag)
	if prev != flag {
		r.logger.Info("zone router chain-tip transition",
			zap.Bool("was_at_tip", prev),
			zap.Bool("is_at_tip", flag))
	}
}

// IsAtChainTip reports the router's current chain-tip belief.
func (r *Router) IsAtChainTip() bool {
	return r.atTip.Load()
}

// TableFor resolves the physical table name an entity of the given kind
// should be written to. Regular tables always resolve to their single fixed
// name; hot-supported tables resolve to hot or cold depending on the
// chain-tip flag, per spec §4.3:
//
//	catching up (not at tip): {network}_cold_{snake}
//	at tip:                   {network}_hot_{snake}
func (r *Router) TableFor(kind schema.Kind) (string, error) {
	spec, ok := r.tables.Lookup(kind)
	if !ok {
		return "", fmt.Errorf("router: unknown entity kind %q", kind)
	}
	return r.tableForSpec(spec), nil
}

func (r *Router) tableForSpec(spec schema.TableSpec) string {
	snake := string(spec.Kind)
	if !spec.HotSupport {
		return fmt.Sprintf("%s_%s", r.network, snake)
	}
	if r.IsAtChainTip() {
		return HotTableName(r.network, snake)
	}
	return ColdTableName(r.network, snake)
}

// HotTableName returns "{network}_hot_{snake}".
func HotTableName(network, snake string) string {
	return fmt.Sprintf("%s_hot_%s", network, snake)
}

// ColdTableName returns "{network}_cold_{snake}".
func ColdTableName(network, snake string) string {
	return fmt.Sprintf("%s_cold_%s", network, snake)
}

// RegularTableName returns "{network}_{snake}".
func RegularTableName(network, snake string) string {
	return fmt.Sprintf("%s_%s", network, snake)
}
