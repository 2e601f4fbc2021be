// Package calib accumulates target observations from a multi-camera rig and
// refines camera intrinsics, rig extrinsics and keyframe poses in the
// background.
//
// Pose naming follows T_ab, the transform taking frame b coordinates into
// frame a. A camera c holds T_ck (rig reference to camera); a keyframe holds
// T_kw (target to rig reference). A target point P projects into camera c as
//
//	p = project(c, T_ck * T_kw * P)
//
// The first camera added is the rig reference; its T_ck is the identity and
// is never refined.
//
// Ingestion and refinement never block each other: observations are
// appended under one lock, and each refinement pass works on a snapshot and
// publishes an immutable Estimate in a single swap.
package calib
