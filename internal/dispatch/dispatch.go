// Package dispatch resolves an inbound request against a provider's dense
// DispatchTable into an executable plan: serve natively, translate to the
// provider's wire protocol, or reject. Resolution is a constant-time table
// lookup plus a fixed (source, target) pair check.
package dispatch

import (
	"fmt"

	gateway "github.com/eugener/heimdall/internal"
)

// Shape describes how the upstream call's streamness relates to the inbound
// op. When an op has no rule but its generate/stream sibling does, the engine
// serves the sibling and converts at the edge.
type Shape uint8

const (
	// ShapeDirect: upstream streamness matches the inbound op.
	ShapeDirect Shape = iota
	// ShapeStreamify: caller wants a stream, upstream only has a non-stream
	// rule. The buffered response is exploded into synthetic stream frames.
	ShapeStreamify
	// ShapeAggregate: caller wants a single body, upstream only has a stream
	// rule. The stream is folded back into one response.
	ShapeAggregate
)

// String returns the shape name used in logs.
func (s Shape) String() string {
	switch s {
	case ShapeStreamify:
		return "streamify"
	case ShapeAggregate:
		return "aggregate"
	default:
		return "direct"
	}
}

// Plan is a resolved dispatch decision. Op and Usage describe the upstream
// call (the sibling op when Shape is not direct); Source and Target are the
// inbound and upstream wire protocols. Mode is never ModeUnsupported -- an
// unsupported op resolves to an error, not a plan.
type Plan struct {
	Op     gateway.Op
	Mode   gateway.DispatchMode
	Source gateway.Protocol
	Target gateway.Protocol
	Usage  gateway.UsageKind
	Shape  Shape
}

// Transforms reports whether the plan crosses protocols.
func (p *Plan) Transforms() bool { return p.Mode == gateway.ModeTransform }

// Resolve classifies req under table. It prefers the op's own slot; for
// generate ops with an empty slot it falls back across stream modes before
// giving up. Every returned error wraps gateway.ErrUnsupported.
func Resolve(req *gateway.Request, table *gateway.DispatchTable) (*Plan, error) {
	op := req.Op
	if op >= gateway.OpCount {
		return nil, fmt.Errorf("op %d out of range: %w", op, gateway.ErrUnsupported)
	}
	spec := table[op]
	shape := ShapeDirect
	if spec.Mode == gateway.ModeUnsupported {
		if sib, ok := streamSibling(op); ok && table[sib].Mode != gateway.ModeUnsupported {
			if req.Stream() {
				shape = ShapeStreamify
			} else {
				shape = ShapeAggregate
			}
			op, spec = sib, table[sib]
		}
	}

	source := req.Op.Proto()
	switch spec.Mode {
	case gateway.ModeNative:
		return &Plan{Op: op, Mode: spec.Mode, Source: source, Target: source, Usage: spec.Usage, Shape: shape}, nil
	case gateway.ModeTransform:
		if !PairSupported(op.Family(), source, spec.Target) {
			return nil, fmt.Errorf("no %s translation %s -> %s: %w",
				op.Family(), source, spec.Target, gateway.ErrUnsupported)
		}
		return &Plan{Op: op, Mode: spec.Mode, Source: source, Target: spec.Target, Usage: spec.Usage, Shape: shape}, nil
	default:
		return nil, fmt.Errorf("op %s: %w", req.Op, gateway.ErrUnsupported)
	}
}

// streamSibling maps a generate op to its opposite-streamness twin.
func streamSibling(op gateway.Op) (gateway.Op, bool) {
	switch op {
	case gateway.OpClaudeMessages:
		return gateway.OpClaudeMessagesStream, true
	case gateway.OpClaudeMessagesStream:
		return gateway.OpClaudeMessages, true
	case gateway.OpGeminiGenerate:
		return gateway.OpGeminiGenerateStream, true
	case gateway.OpGeminiGenerateStream:
		return gateway.OpGeminiGenerate, true
	case gateway.OpOpenAIChat:
		return gateway.OpOpenAIChatStream, true
	case gateway.OpOpenAIChatStream:
		return gateway.OpOpenAIChat, true
	case gateway.OpOpenAIResponses:
		return gateway.OpOpenAIResponsesStream, true
	case gateway.OpOpenAIResponsesStream:
		return gateway.OpOpenAIResponses, true
	}
	return 0, false
}

// PairSupported reports whether a (source, target) translation exists for the
// family. Generate and stream families implement every cross-protocol pair;
// count-tokens only translates between Claude and Gemini (OpenAI targets
// count locally, without a transform); catalog families translate between the
// three catalog shapes; control ops never translate. Identity pairs are not
// translations -- a same-protocol rule must be Native.
func PairSupported(family gateway.OpFamily, source, target gateway.Protocol) bool {
	switch family {
	case gateway.FamilyGenerate, gateway.FamilyStream:
		return source != target
	case gateway.FamilyCountTokens:
		return (source == gateway.ProtoClaude && target == gateway.ProtoGemini) ||
			(source == gateway.ProtoGemini && target == gateway.ProtoClaude)
	case gateway.FamilyModelsList, gateway.FamilyModelsGet:
		return catalogProto(source) != catalogProto(target)
	default:
		return false
	}
}

// catalogProto folds the two OpenAI surfaces into one catalog shape: models
// and count-tokens responses are identical across chat and responses.
func catalogProto(p gateway.Protocol) gateway.Protocol {
	if p == gateway.ProtoOpenAIResponses {
		return gateway.ProtoOpenAIChat
	}
	return p
}
