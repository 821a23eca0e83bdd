// ABOUTME: Closed enumeration of inbound wire message kinds and their bus translation table
// ABOUTME: Each kind maps to a bus type plus the context fields it rewrites

package router

import "github.com/2389/flowlink/internal/bus"

// Kind classifies an inbound frame by its wire type.
type Kind int

const (
	// KindOther is any type outside the table; it passes through unless safe mode rejects it.
	KindOther Kind = iota
	KindAnswer
	KindQuery
	KindIntentFailure
	KindConverseActivate
	KindConverseDeactivate
)

// Wire types with a dedicated translation.
const (
	WireAnswer = "answer"
	WireQuery  = "query"
)

var kindByWireType = map[string]Kind{
	WireAnswer:                 KindAnswer,
	WireQuery:                  KindQuery,
	bus.TypeIntentFailure:      KindIntentFailure,
	bus.TypeConverseActivate:   KindConverseActivate,
	bus.TypeConverseDeactivate: KindConverseDeactivate,
}

// ParseKind maps a wire type to its Kind.
func ParseKind(wireType string) Kind {
	if k, ok := kindByWireType[wireType]; ok {
		return k
	}
	return KindOther
}

func (k Kind) String() string {
	switch k {
	case KindAnswer:
		return "answer"
	case KindQuery:
		return "query"
	case KindIntentFailure:
		return "intent_failure"
	case KindConverseActivate:
		return "converse.activate"
	case KindConverseDeactivate:
		return "converse.deactivate"
	default:
		return "other"
	}
}

// rule is one row of the translation table.
type rule struct {
	busType string // empty keeps the wire type
	rewrite func(ctx map[string]any, peer string)
}

var rules = map[Kind]rule{
	KindAnswer: {
		busType: bus.TypeSpeak,
		rewrite: func(ctx map[string]any, _ string) {
			ctx[bus.CtxDestinatary] = bus.FallbackWaiter
		},
	},
	KindQuery: {
		busType: bus.TypeUtterance,
		rewrite: replyToSender,
	},
	KindIntentFailure:      {rewrite: replyToSender},
	KindConverseActivate:   {},
	KindConverseDeactivate: {},
}

func replyToSender(ctx map[string]any, peer string) {
	ctx[bus.CtxClientName] = bus.Platform
	ctx[bus.CtxDestinatary] = peer
}
