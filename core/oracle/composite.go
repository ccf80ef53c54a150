package oracle

import (
	"context"
	"fmt"
	"strings"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// compositeOracle combines child oracles. all_of short-circuits on the first
// inconclusive child: a composite must never report a conclusive verdict on
// partial evidence. any_of passes on the first conclusive success.
type compositeOracle struct {
	base
	mode     string
	children []Oracle
}

func newCompositeOracle(mode string, params map[string]any) (Oracle, error) {
	rawChildren := paramObjectSlice(params, "children")
	if len(rawChildren) == 0 {
		return nil, fmt.Errorf("oracle %s requires a non-empty children list", mode)
	}
	var children []Oracle
	caps := map[string]struct{}{}
	for index, raw := range rawChildren {
		childID := paramString(raw, "oracle")
		if childID == "" {
			return nil, fmt.Errorf("%s children[%d]: oracle id is required", mode, index)
		}
		child, err := New(childID, paramObject(raw, "params"))
		if err != nil {
			return nil, fmt.Errorf("%s children[%d]: %w", mode, index, err)
		}
		children = append(children, child)
		for _, token := range child.CapabilitiesRequired() {
			caps[token] = struct{}{}
		}
	}
	capList := make([]string, 0, len(caps))
	for token := range caps {
		capList = append(capList, token)
	}
	return &compositeOracle{
		base: base{
			name:       mode,
			oracleType: schemaevidence.OracleTypeHybrid,
			caps:       capList,
		},
		mode:     mode,
		children: children,
	}, nil
}

func (o *compositeOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	var combined Evidence
	for _, child := range o.children {
		childEvidence, err := child.PreCheck(ctx, oc)
		if err != nil {
			return nil, err
		}
		combined = append(combined, childEvidence...)
	}
	return combined, nil
}

func (o *compositeOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	var combined Evidence
	var decisions []schemaevidence.Decision
	var childNames []string

	for _, child := range o.children {
		childEvidence, err := child.PostCheck(ctx, oc)
		if err != nil {
			return nil, err
		}
		combined = append(combined, childEvidence...)
		decision := lastDecision(childEvidence)
		decisions = append(decisions, decision)
		childNames = append(childNames, child.Name())

		if o.mode == "all_of" && !decision.Conclusive {
			break
		}
		if o.mode == "any_of" && decision.Conclusive && decision.Success {
			break
		}
	}

	verdict := o.combine(decisions, childNames)
	result := map[string]any{
		"mode":      o.mode,
		"children":  childNames[:len(decisions)],
		"decisions": decisions,
	}
	event, err := NewEvent(EventSpec{
		Oracle: o,
		Phase:  schemaevidence.PhasePost,
		Queries: []schemaevidence.Query{{
			Type:      "composite",
			TimeoutMS: 0,
			Cmd:       o.mode + "(" + strings.Join(childNames, ",") + ")",
		}},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        verdict,
		AntiGamingNotes: []string{"bidirectional_child_checks"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return append(combined, event), nil
}

func (o *compositeOracle) combine(decisions []schemaevidence.Decision, childNames []string) schemaevidence.Decision {
	if o.mode == "any_of" {
		for index, decision := range decisions {
			if decision.Conclusive && decision.Success {
				return NewDecision(true, 1, "child "+childNames[index]+" succeeded", true)
			}
		}
		for _, decision := range decisions {
			if !decision.Conclusive {
				return NewDecision(false, 0, "no child succeeded and at least one was inconclusive", false)
			}
		}
		return NewDecision(false, 0, "no child succeeded", true)
	}

	// all_of
	for index, decision := range decisions {
		if !decision.Conclusive {
			return NewDecision(false, 0, "child "+childNames[index]+" inconclusive", false)
		}
		if !decision.Success {
			return NewDecision(false, 0, "child "+childNames[index]+" failed", true)
		}
	}
	return NewDecision(true, 1, "all children succeeded", true)
}

func lastDecision(events Evidence) schemaevidence.Decision {
	for index := len(events) - 1; index >= 0; index-- {
		if events[index].Phase == schemaevidence.PhasePost {
			return events[index].Decision
		}
	}
	return NewDecision(false, 0, "child produced no post decision", false)
}

// noOracle is the explicit "nothing to judge" plugin; its decision is never
// conclusive, so the episode lands in oracle_inconclusive instead of a fake
// pass.
type noOracle struct {
	base
}

func newNoOracle(params map[string]any) (Oracle, error) {
	_ = params
	return &noOracle{
		base: base{name: "no_oracle", oracleType: schemaevidence.OracleTypeSoft},
	}, nil
}

func (o *noOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	_ = ctx
	event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "no success oracle declared", oc)
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}
