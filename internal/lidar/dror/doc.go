// Package dror implements Dynamic Radius Outlier Removal, a density filter
// whose search radius grows with range so that sparse returns from snow,
// rain and dust are removed without thinning distant solid surfaces.
//
// Reference: N. Charron, S. Phillips, S. L. Waslander, "De-noising of Lidar
// Point Clouds Corrupted by Snowfall", CRV 2018.
package dror
