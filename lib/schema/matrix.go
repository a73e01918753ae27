// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"sort"
	"strings"
)

// MatrixCell is one concrete combination of matrix axis values for a
// stage. A stage with no matrix has exactly one implicit cell with an
// empty value map.
//
// Cells are identified by Key(), a stable string of the form
// "axis=value,axis=value" with axes sorted lexically. The empty matrix
// produces the empty key. Keys are used as map keys in the scheduler,
// the artifact store, and the report, so their construction must stay
// deterministic.
type MatrixCell struct {
	// Values maps axis name to the value selected for this cell.
	Values map[string]string `json:"values,omitempty"`
}

// Key returns the stable identity string for the cell.
func (cell MatrixCell) Key() string {
	if len(cell.Values) == 0 {
		return ""
	}
	axes := make([]string, 0, len(cell.Values))
	for axis := range cell.Values {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	parts := make([]string, 0, len(axes))
	for _, axis := range axes {
		parts = append(parts, axis+"="+cell.Values[axis])
	}
	return strings.Join(parts, ",")
}

// ExpandMatrix computes the full set of cells for a matrix: the cross
// product of every axis's value sequence. A nil or empty matrix yields
// the single implicit cell. The result is ordered by cell key so that
// expansion is deterministic regardless of map iteration order.
func ExpandMatrix(matrix map[string][]string) []MatrixCell {
	if len(matrix) == 0 {
		return []MatrixCell{{}}
	}

	axes := make([]string, 0, len(matrix))
	for axis := range matrix {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	cells := []MatrixCell{{Values: map[string]string{}}}
	for _, axis := range axes {
		var expanded []MatrixCell
		for _, cell := range cells {
			for _, value := range matrix[axis] {
				values := make(map[string]string, len(cell.Values)+1)
				for k, v := range cell.Values {
					values[k] = v
				}
				values[axis] = value
				expanded = append(expanded, MatrixCell{Values: values})
			}
		}
		cells = expanded
	}

	sort.Slice(cells, func(i, j int) bool { return cells[i].Key() < cells[j].Key() })
	return cells
}
