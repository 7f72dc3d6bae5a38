package shadow

// AppContext is a context attachment on a channel. Its identity is the
// context kind alone (spec 3).
type AppContext struct {
	Kind   ContextKind
	Handle int64
}

// NewAppContext returns a context replica not yet created on the tracer.
func NewAppContext(kind ContextKind) *AppContext {
	return &AppContext{Kind: kind, Handle: NoHandle}
}
