// Package datasets loads processed traffic scenes and turns them into the
// padded batches consumed by the training graphs.
//
// A processed dataset directory holds:
//
//   - agents.csv with one row per agent and columns sample_token, category,
//     x, y, width, length, heading, speed, yaw_rate. Categories are either
//     taxonomy labels ("vehicle.car") or category names ("vehicle").
//   - maps/<sample_token>.bin, the raster of each sample as raw
//     little-endian float32 in channel-major order.
//
// Samples are indexed once and their rasters loaded lazily, since the maps
// dominate the dataset size.
package datasets

import "github.com/Noofbiz/sceneSynth/scene"

// Dataset is the sample source used by training and batch generation.
type Dataset interface {
	Len() int
	Sample(i int) (*scene.Sample, error)
	Batch(indices []int) ([]*scene.Sample, error)
	Shuffle(seed uint64)
}

var _ Dataset = (*SceneDataset)(nil)
