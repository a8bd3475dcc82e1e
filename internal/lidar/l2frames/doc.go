// Package l2frames owns Layer 2 (Frames) of the denoising data model.
//
// Responsibilities: the full-schema Point and reduced-schema PointXYZI types,
// the Frame and its capture Header, the filtered and recovered result clouds,
// and the packed binary codec used on the wire.
//
// Frames are immutable once ingested. Every projection (Reduced, the codec)
// copies coordinate values bit for bit; the recovery layer relies on this to
// match points by exact equality.
package l2frames
