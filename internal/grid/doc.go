// Package grid recovers the correspondence between detected conics and the
// cells of a grid-dot target.
//
// Decoding runs in four stages:
//
//   - lines: conics are chained along the two dominant neighbour directions
//   - lattice: chain links assign integer lattice coordinates
//   - codes: dot size classes form 3x3 codes that vote for the lattice's
//     orientation and origin on the target
//   - assignment: a homography predicts every cell and a Hungarian solve
//     matches conics to cells one-to-one
//
// A frame is reported as tracking when enough cells are matched.
package grid
