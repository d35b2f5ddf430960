// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/AleutianAI/kale/services/kale/pipeline"
)

// Verify checks the dataflow invariants of an analyzed pipeline.
//
// Description:
//
//	Every out must be a name the step can expose, no name may be both an
//	in and a parameter of a step, and every in must be an out of at least
//	one ancestor.
//
// Inputs:
//   - p: A pipeline that went through Analyze.
//
// Outputs:
//   - error: Wraps ErrInvariant and names the first offending step, or nil.
func Verify(p *pipeline.Pipeline) error {
	if p == nil {
		return ErrNilPipeline
	}
	for _, s := range p.Steps() {
		if extra := s.Outs.Difference(s.AllNames); extra.Len() > 0 {
			return fmt.Errorf("%w: step %q saves %v which it does not define", ErrInvariant, s.Name, sets.List(extra))
		}
		if both := s.Ins.Intersection(sets.KeySet(s.Parameters)); both.Len() > 0 {
			return fmt.Errorf("%w: step %q loads parameters %v", ErrInvariant, s.Name, sets.List(both))
		}

		ancestors, err := p.OrderedAncestors(s.Name)
		if err != nil {
			return err
		}
		saved := sets.New[string]()
		for _, name := range ancestors {
			anc, err := p.Step(name)
			if err != nil {
				return err
			}
			saved = saved.Union(anc.Outs)
		}
		for _, name := range sets.List(s.Ins) {
			if !saved.Has(name) {
				return fmt.Errorf("%w: step %q loads %q which no ancestor saves", ErrInvariant, s.Name, name)
			}
		}
	}
	return nil
}
