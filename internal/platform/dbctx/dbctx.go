package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repos fall back to their pooled handle when Tx is nil, so call sites can
// pass the same value whether or not they are inside a transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// New returns a Context with no transaction attached.
func New(ctx context.Context) Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return Context{Ctx: ctx}
}

// WithTx returns a copy of dbc bound to tx.
func (dbc Context) WithTx(tx *gorm.DB) Context {
	return Context{Ctx: dbc.Ctx, Tx: tx}
}
